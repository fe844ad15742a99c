package ppd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/profile"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDaemon struct {
	mu       sync.Mutex
	active   profile.Named
	held     *profile.Snapshot
	manual   *profile.Snapshot
	heldSets int
	applyErr error
}

func (d *fakeDaemon) ActiveProfile() profile.Named {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *fakeDaemon) SetHeld(snap *profile.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heldSets++
	if snap == nil {
		d.held = nil
		return nil
	}
	if d.applyErr != nil {
		return d.applyErr
	}
	d.held = snap
	d.active = snap.Document.Named
	return nil
}

func (d *fakeDaemon) SetManualProfile(snap *profile.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applyErr != nil {
		return d.applyErr
	}
	d.manual = snap
	d.held = nil
	d.active = snap.Document.Named
	return nil
}

func (d *fakeDaemon) heldPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held == nil {
		return ""
	}
	return d.held.Path
}

type released struct {
	owner  string
	cookie uint32
}

type update struct {
	active profile.Named
	leases []Lease
}

type fakeBus struct {
	mu       sync.Mutex
	released []released
	updates  []update
}

func (b *fakeBus) ProfileReleased(owner string, cookie uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, released{owner, cookie})
	return nil
}

func (b *fakeBus) Update(active profile.Named, leases []Lease) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, update{active, leases})
}

func (b *fakeBus) releases() []released {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]released(nil), b.released...)
}

func (b *fakeBus) last() (update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updates) == 0 {
		return update{}, false
	}
	return b.updates[len(b.updates)-1], true
}

func newTestService(t *testing.T) (*Service, *fakeDaemon, *fakeBus) {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"saver.json":    `{"ppd_name": "power-saver"}`,
		"balanced.json": `{"ppd_name": "balanced"}`,
		"perf.json":     `{"ppd_name": "performance"}`,
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

	d := &fakeDaemon{active: profile.Balanced}
	bus := &fakeBus{}
	svc := NewService(d, profile.NewLoader(root), cfg, logger.New())
	svc.SetBus(bus)

	return svc, d, bus
}

func TestHoldBalancedRejected(t *testing.T) {
	svc, d, _ := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "balanced", "because", "app")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrHoldNotAllowed))
	assert.Empty(t, svc.Leases())
	assert.Zero(t, d.heldSets)
}

func TestHoldInvalidProfile(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "turbo", "because", "app")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
	assert.Empty(t, svc.Leases())
}

func TestHoldResolution(t *testing.T) {
	svc, d, _ := newTestService(t)

	perf, err := svc.HoldProfile(":1.1", "performance", "game", "org.example.Game")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), perf)
	assert.Equal(t, "perf.json", d.heldPath())
	assert.Equal(t, profile.Performance, d.ActiveProfile())

	saver, err := svc.HoldProfile(":1.2", "power-saver", "low battery", "org.example.Saver")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), saver)
	assert.Equal(t, "saver.json", d.heldPath(), "power-saver dominates performance")

	another, err := svc.HoldProfile(":1.3", "performance", "build", "org.example.Build")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), another)
	assert.Equal(t, "saver.json", d.heldPath())

	require.NoError(t, svc.ReleaseProfile(saver))
	assert.Equal(t, "perf.json", d.heldPath(), "remaining performance leases take over")
	assert.Len(t, svc.Leases(), 2)
}

func TestReleaseUnknownCookie(t *testing.T) {
	svc, d, _ := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "performance", "", "app")
	require.NoError(t, err)
	sets := d.heldSets

	require.NoError(t, svc.ReleaseProfile(42))
	require.NoError(t, svc.ReleaseProfile(42))
	assert.Equal(t, sets, d.heldSets)
	assert.Equal(t, "perf.json", d.heldPath())
	assert.Len(t, svc.Leases(), 1)
}

func TestReleaseLastLeaseClearsHeld(t *testing.T) {
	svc, d, _ := newTestService(t)

	cookie, err := svc.HoldProfile(":1.1", "power-saver", "", "app")
	require.NoError(t, err)
	require.NoError(t, svc.ReleaseProfile(cookie))

	assert.Empty(t, d.heldPath())
	assert.Empty(t, svc.Leases())
}

func TestHoldRollsBackOnApplyFailure(t *testing.T) {
	svc, d, _ := newTestService(t)
	d.applyErr = errors.New().New(errors.ErrSysfsWrite)

	_, err := svc.HoldProfile(":1.1", "performance", "", "app")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSysfsWrite))
	assert.Empty(t, svc.Leases())

	d.applyErr = nil
	cookie, err := svc.HoldProfile(":1.1", "performance", "", "app")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cookie, "cookies are never reused")
}

func TestClientGone(t *testing.T) {
	svc, d, _ := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	_, err = svc.HoldProfile(":1.2", "power-saver", "", "b")
	require.NoError(t, err)
	require.Equal(t, "saver.json", d.heldPath())

	svc.ClientGone(":1.2")

	leases := svc.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, ":1.1", leases[0].Owner)
	assert.Equal(t, "perf.json", d.heldPath())

	svc.ClientGone(":1.9")
	assert.Len(t, svc.Leases(), 1)
}

func TestClientGoneReleasesAllItsLeases(t *testing.T) {
	svc, d, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.HoldProfile(":1.5", "performance", "", "a")
		require.NoError(t, err)
	}
	svc.ClientGone(":1.5")

	assert.Empty(t, svc.Leases())
	assert.Empty(t, d.heldPath())
}

func TestSetActiveProfile(t *testing.T) {
	svc, d, bus := newTestService(t)

	a, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	b, err := svc.HoldProfile(":1.2", "power-saver", "", "b")
	require.NoError(t, err)

	require.NoError(t, svc.SetActiveProfile("balanced"))

	assert.Empty(t, svc.Leases())
	assert.Equal(t, profile.Balanced, d.ActiveProfile())
	require.NotNil(t, d.manual)
	assert.Equal(t, "balanced.json", d.manual.Path)
	assert.Equal(t, []released{{":1.1", a}, {":1.2", b}}, bus.releases())

	err = svc.SetActiveProfile("max")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestSetActiveProfileFailureKeepsLeases(t *testing.T) {
	svc, d, bus := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	d.applyErr = errors.New().New(errors.ErrSysfsWrite)

	require.Error(t, svc.SetActiveProfile("power-saver"))
	assert.Len(t, svc.Leases(), 1)
	assert.Empty(t, bus.releases())
}

func runService(t *testing.T, svc *Service) chan<- string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	departed := make(chan string)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, departed) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return departed
}

func TestExternalChangeInvalidatesLeases(t *testing.T) {
	svc, d, bus := newTestService(t)

	cookie, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)

	runService(t, svc)

	svc.ProfileChanged(profile.Performance, true)
	require.Eventually(t, func() bool {
		u, ok := bus.last()
		return ok && len(u.leases) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, svc.Leases(), 1, "internal changes keep leases")

	svc.ProfileChanged(profile.PowerSaver, false)
	require.Eventually(t, func() bool {
		u, ok := bus.last()
		return ok && len(u.leases) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []released{{":1.1", cookie}}, bus.releases())
	assert.Empty(t, d.heldPath())
}

func TestRunHandlesDepartures(t *testing.T) {
	svc, _, bus := newTestService(t)

	_, err := svc.HoldProfile(":1.1", "performance", "", "a")
	require.NoError(t, err)
	_, err = svc.HoldProfile(":1.2", "performance", "", "b")
	require.NoError(t, err)

	departed := runService(t, svc)
	departed <- ":1.1"

	require.Eventually(t, func() bool {
		u, ok := bus.last()
		return ok && len(u.leases) == 1 && u.leases[0].Owner == ":1.2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, bus.releases(), "departed clients are not signalled")
}

func TestDepartedOwner(t *testing.T) {
	signal := func(body ...interface{}) *dbus.Signal {
		return &dbus.Signal{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: body}
	}

	owner, gone := departedOwner(signal(":1.7", ":1.7", ""))
	assert.True(t, gone)
	assert.Equal(t, ":1.7", owner)

	_, gone = departedOwner(signal(":1.7", "", ":1.7"))
	assert.False(t, gone, "new owner")
	_, gone = departedOwner(signal("org.example", ":1.7", ":1.8"))
	assert.False(t, gone, "ownership moved")
	_, gone = departedOwner(signal(":1.7"))
	assert.False(t, gone)
	_, gone = departedOwner(&dbus.Signal{Name: "org.example.Other", Body: []interface{}{"a", "b", ""}})
	assert.False(t, gone)
}

func TestBusError(t *testing.T) {
	_, err := profile.ParseNamed("turbo")
	assert.Equal(t, errInvalidArgs, busError(err).Name)

	err = errors.New().New(errors.ErrHoldNotAllowed)
	assert.Equal(t, "org.freedesktop.DBus.Error.Failed", busError(err).Name)
}

func TestPropertyValues(t *testing.T) {
	profiles := profilesValue()
	require.Len(t, profiles, 3)
	assert.Equal(t, "power-saver", profiles[0]["Profile"].Value())
	assert.Equal(t, "powerd", profiles[1]["Driver"].Value())
	assert.Equal(t, "powerd", profiles[2]["PlatformDriver"].Value())

	holds := holdsValue([]Lease{{Cookie: 1, Profile: profile.Performance, Reason: "game", ApplicationID: "org.example.Game", Owner: ":1.1"}})
	require.Len(t, holds, 1)
	assert.Equal(t, "org.example.Game", holds[0]["ApplicationId"].Value())
	assert.Equal(t, "performance", holds[0]["Profile"].Value())
	assert.Equal(t, "game", holds[0]["Reason"].Value())
	assert.NotContains(t, holds[0], "Owner")

	assert.True(t, sameHolds(holds, holdsValue([]Lease{{Profile: profile.Performance, Reason: "game", ApplicationID: "org.example.Game"}})))
	assert.False(t, sameHolds(holds, holdsValue(nil)))
	assert.Equal(t, "aa{sv}", dbus.SignatureOf(holdsValue(nil)).String())
}

func TestBatteryAwareWriteIgnored(t *testing.T) {
	p := properties{}

	assert.Nil(t, p.Set(Interface, "BatteryAware", dbus.MakeVariant(false)))
	assert.Nil(t, p.Set(Interface, "BatteryAware", dbus.MakeVariant(true)))
	assert.Equal(t, prop.ErrInvalidArg, p.Set(Interface, "BatteryAware", dbus.MakeVariant("yes")))
}
