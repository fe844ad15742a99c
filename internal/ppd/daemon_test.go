package ppd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/daemon"
	"codeberg.org/mutker/powerd/internal/hardware"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coolingHardware struct {
	mu      sync.Mutex
	cooling string
}

func (h *coolingHardware) Read() (*hardware.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &hardware.Snapshot{Cooling: &hardware.CoolingProfile{
		Profile: h.cooling,
		Choices: []string{"low-power", "balanced", "performance"},
	}}, nil
}

func (h *coolingHardware) Write(snap *hardware.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooling = snap.Cooling.Profile
	return nil
}

func (h *coolingHardware) Throttle(target hardware.ThrottleTarget) (string, error) {
	return string(target) + " throttle reasons: none", nil
}

func (h *coolingHardware) current() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cooling
}

// newDaemonService wires the service to a real daemon, without running either
// loop, so tests can step the reconciliation by hand.
func newDaemonService(t *testing.T) (*Service, *daemon.Daemon, *coolingHardware, *fakeBus) {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"saver.json":    `{"ppd_name": "power-saver", "cooling": "low-power"}`,
		"balanced.json": `{"ppd_name": "balanced", "cooling": "balanced"}`,
		"perf.json":     `{"ppd_name": "performance", "cooling": "performance"}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}

	cfg := &config.Config{
		Profiles: root,
		PPD: config.PPDProfiles{
			PowerSaver:  "saver.json",
			Balanced:    "balanced.json",
			Performance: "perf.json",
		},
	}

	loader := profile.NewLoader(root)
	hw := &coolingHardware{cooling: "balanced"}
	d, err := daemon.New(daemon.Options{
		Hardware:     hw,
		Loader:       loader,
		PollInterval: time.Hour,
		Logger:       logger.New(),
	})
	require.NoError(t, err)

	bus := &fakeBus{}
	svc := NewService(d, loader, cfg, logger.New())
	svc.SetBus(bus)
	d.SetListener(svc)

	return svc, d, hw, bus
}

func cookies(leases []Lease) []uint32 {
	out := make([]uint32, 0, len(leases))
	for _, l := range leases {
		out = append(out, l.Cookie)
	}
	return out
}

func TestSetActiveProfileKeepsLaterHolds(t *testing.T) {
	svc, d, hw, bus := newDaemonService(t)
	ctx := context.Background()

	a, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	b, err := svc.HoldProfile(":1.2", "power-saver", "", "b")
	require.NoError(t, err)
	require.NoError(t, d.Reconcile(ctx))
	svc.process()
	assert.Equal(t, "low-power", hw.current())

	require.NoError(t, svc.SetActiveProfile("balanced"))
	assert.Equal(t, []released{{":1.1", a}, {":1.2", b}}, bus.releases())

	// the daemon reports the override back before the service catches up
	require.NoError(t, d.Reconcile(ctx))
	c, err := svc.HoldProfile(":1.3", "performance", "", "c")
	require.NoError(t, err)
	svc.process()

	assert.Equal(t, []uint32{c}, cookies(svc.Leases()))
	assert.Equal(t, []released{{":1.1", a}, {":1.2", b}}, bus.releases(), "later hold is not revoked")

	st := d.State()
	require.NotNil(t, st.Held)
	assert.Equal(t, "perf.json", st.Held.Path)
	require.NotNil(t, st.Manual)
	assert.Equal(t, "balanced.json", st.Manual.Path)
	assert.Equal(t, profile.Performance, d.ActiveProfile())
	assert.Equal(t, "performance", hw.current())

	u, ok := bus.last()
	require.True(t, ok)
	assert.Equal(t, profile.Performance, u.active)
	assert.Len(t, u.leases, 1)
}

func TestSetActiveProfileWithoutHolds(t *testing.T) {
	svc, d, hw, bus := newDaemonService(t)

	require.NoError(t, svc.SetActiveProfile("power-saver"))
	require.NoError(t, d.Reconcile(context.Background()))
	svc.process()

	// a later external change is not mistaken for the echo
	a, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	_, err = d.Apply("balanced.json")
	require.NoError(t, err)
	require.NoError(t, d.Reconcile(context.Background()))
	svc.process()

	assert.Empty(t, svc.Leases())
	assert.Equal(t, []released{{":1.1", a}}, bus.releases())
	assert.Nil(t, d.State().Held)
	assert.Equal(t, "balanced", hw.current())
}

func TestExternalApplyKeepsLaterHolds(t *testing.T) {
	svc, d, hw, bus := newDaemonService(t)
	ctx := context.Background()

	a, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	require.NoError(t, d.Reconcile(ctx))
	svc.process()
	assert.Empty(t, bus.releases(), "own changes keep leases")

	_, err = d.Apply("saver.json")
	require.NoError(t, err)
	require.NoError(t, d.Reconcile(ctx))
	b, err := svc.HoldProfile(":1.2", "performance", "", "b")
	require.NoError(t, err)
	svc.process()

	assert.Equal(t, []uint32{b}, cookies(svc.Leases()))
	assert.Equal(t, []released{{":1.1", a}}, bus.releases())

	st := d.State()
	require.NotNil(t, st.Held)
	assert.Equal(t, "perf.json", st.Held.Path)
	assert.Equal(t, "saver.json", st.Manual.Path)
	assert.Equal(t, "performance", hw.current())
}
