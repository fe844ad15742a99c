package daemon

import (
	"context"
	"fmt"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/hardware"
	"codeberg.org/mutker/powerd/internal/history"
	"codeberg.org/mutker/powerd/internal/profile"
)

// Apply loads the profile at path, commits it and installs it as the manual
// override. Any held profile is dropped. It returns the resulting hardware
// state.
func (d *Daemon) Apply(path string) (string, error) {
	snap, err := d.loader.Load(path)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	if err := d.apply(snap.Document); err != nil {
		d.mu.Unlock()
		return "", err
	}
	d.state.Manual = snap
	d.state.Held = nil
	d.state.Active = snap.Document.Named
	d.state.Internal = false
	d.mu.Unlock()

	d.log.Info().Str("path", path).Msg("Manual override applied")
	d.Wake()

	return d.hardwareState()
}

// Restore drops the manual override and lets reconciliation pick the
// effective profile again. Leases are left alone.
func (d *Daemon) Restore() (string, error) {
	d.mu.Lock()
	previous := d.state.Manual
	d.state.Manual = nil
	d.state.Internal = true
	d.mu.Unlock()

	d.Wake()

	if previous == nil {
		return "no manual override was set", nil
	}
	d.log.Info().Str("path", previous.Path).Msg("Manual override cleared")
	return "manual override " + previous.Path + " cleared", nil
}

// SetHeld installs the profile resolved from the live leases. nil clears it.
func (d *Daemon) SetHeld(snap *profile.Snapshot) error {
	d.mu.Lock()
	if snap == nil {
		if d.state.Held != nil {
			d.state.Held = nil
			d.state.Internal = true
		}
		d.mu.Unlock()
		d.Wake()
		return nil
	}

	if err := d.apply(snap.Document); err != nil {
		d.mu.Unlock()
		return err
	}
	d.state.Held = snap
	d.state.Active = snap.Document.Named
	d.state.Internal = true
	d.mu.Unlock()

	d.Wake()
	return nil
}

// SetManualProfile installs snap as the manual override on behalf of an
// external profile change. Held is cleared.
func (d *Daemon) SetManualProfile(snap *profile.Snapshot) error {
	d.mu.Lock()
	if err := d.apply(snap.Document); err != nil {
		d.mu.Unlock()
		return err
	}
	d.state.Manual = snap
	d.state.Held = nil
	d.state.Active = snap.Document.Named
	d.state.Internal = false
	d.mu.Unlock()

	d.Wake()
	return nil
}

func (d *Daemon) ActiveProfile() profile.Named {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Active
}

// State returns a copy of the current state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Info reports the override identity followed by the full hardware state.
func (d *Daemon) Info() (string, error) {
	st := d.State()

	hw, err := d.hardwareState()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Manual override: %s\n", describe(st.Manual))
	fmt.Fprintf(&b, "Held profile: %s\n", describe(st.Held))
	fmt.Fprintf(&b, "Active profile: %s\n", st.Active)
	b.WriteString(hw)

	return b.String(), nil
}

// Dump renders the current hardware state as a profile document that Apply
// accepts.
func (d *Daemon) Dump() (string, error) {
	snap, err := d.hw.Read()
	if err != nil {
		return "", err
	}

	data, err := profile.Encode(&profile.Document{
		Named:  d.ActiveProfile(),
		Config: hardware.ConfigFrom(snap),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var allThrottleTargets = []hardware.ThrottleTarget{
	hardware.ThrottleCPU,
	hardware.ThrottleGPU,
	hardware.ThrottleRing,
}

// Throttle decodes the throttle reasons of targets, or of every target when
// none are given. It does not touch the profile state.
func (d *Daemon) Throttle(targets []hardware.ThrottleTarget) (string, error) {
	if len(targets) == 0 {
		targets = allThrottleTargets
	}

	reports := make([]string, 0, len(targets))
	for _, target := range targets {
		report, err := d.hw.Throttle(target)
		if err != nil {
			return "", err
		}
		reports = append(reports, report)
	}

	return strings.Join(reports, "\n"), nil
}

// History lists the most recent profile transitions, newest first.
func (d *Daemon) History(ctx context.Context, limit int) (string, error) {
	if limit < 0 {
		return "", errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("invalid history limit %d", limit))
	}

	transitions, err := d.recorder.Recent(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(transitions) == 0 {
		return "no transitions recorded", nil
	}

	lines := make([]string, 0, len(transitions))
	for _, t := range transitions {
		lines = append(lines, formatTransition(t))
	}
	return strings.Join(lines, "\n"), nil
}

func formatTransition(t history.Transition) string {
	path := t.Path
	if path == "" {
		path = "-"
	}
	return fmt.Sprintf("%s %-8s %-12s %s", t.Timestamp.Format("2006-01-02T15:04:05Z07:00"), t.Source, t.Profile, path)
}

func (d *Daemon) hardwareState() (string, error) {
	snap, err := d.hw.Read()
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}
