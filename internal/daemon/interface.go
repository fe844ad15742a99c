package daemon

import (
	"context"

	"codeberg.org/mutker/powerd/internal/hardware"
	"codeberg.org/mutker/powerd/internal/profile"
)

// Hardware is the read/patch/commit contract of the hardware backends.
type Hardware interface {
	Read() (*hardware.Snapshot, error)
	Write(snap *hardware.Snapshot) error
	Throttle(target hardware.ThrottleTarget) (string, error)
}

// BatteryQuery reports whether the machine currently runs on battery.
type BatteryQuery interface {
	OnBattery(ctx context.Context) (bool, error)
}

// Listener is told about every change of the effective profile. internal is
// true when the daemon itself caused the change.
type Listener interface {
	ProfileChanged(active profile.Named, internal bool)
}

type noopListener struct{}

func (noopListener) ProfileChanged(profile.Named, bool) {}
