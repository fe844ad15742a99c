// Package ppd serves the org.freedesktop.UPower.PowerProfiles interface on
// top of the daemon: leases held by desktop clients resolve to a held
// profile, and external profile switches become manual overrides.
package ppd

import (
	"context"
	"sync"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/profile"
)

// Daemon is the part of the daemon the service drives.
type Daemon interface {
	ActiveProfile() profile.Named
	SetHeld(snap *profile.Snapshot) error
	SetManualProfile(snap *profile.Snapshot) error
}

// Bus publishes the service's externally visible side effects. Update is
// only ever called from Run.
type Bus interface {
	ProfileReleased(owner string, cookie uint32) error
	Update(active profile.Named, leases []Lease)
}

// Lease is a profile hold taken by a bus client.
type Lease struct {
	Cookie        uint32
	Profile       profile.Named
	Reason        string
	ApplicationID string
	Owner         string
}

// notification is a change of the effective profile. Only leases with a
// cookie below watermark existed when it happened.
type notification struct {
	active    profile.Named
	internal  bool
	watermark uint32
}

type Service struct {
	mu         sync.Mutex
	nextCookie uint32
	leases     []Lease
	held       profile.Named
	// set by SetActiveProfile until the daemon reports the override back
	echoPending bool

	daemon       Daemon
	loader       *profile.Loader
	paths        map[profile.Named]string
	batteryAware bool
	bus          Bus
	log          logger.Logger

	queueMu sync.Mutex
	queue   []notification
	kick    chan struct{}
}

func NewService(d Daemon, loader *profile.Loader, cfg *config.Config, log logger.Logger) *Service {
	return &Service{
		nextCookie: 1,
		daemon:     d,
		loader:     loader,
		paths: map[profile.Named]string{
			profile.PowerSaver:  cfg.PPD.PowerSaver,
			profile.Balanced:    cfg.PPD.Balanced,
			profile.Performance: cfg.PPD.Performance,
		},
		batteryAware: cfg.BatteryAware(),
		bus:          nopBus{},
		log:          log,
		kick:         make(chan struct{}, 1),
	}
}

// SetBus attaches the bus that receives signals and property updates. It
// must be called before Run.
func (s *Service) SetBus(b Bus) {
	s.bus = b
}

func (s *Service) BatteryAware() bool {
	return s.batteryAware
}

// Leases returns a copy of the live leases in creation order.
func (s *Service) Leases() []Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Lease(nil), s.leases...)
}

// HoldProfile records a lease for owner and resolves the held profile again.
// Balanced cannot be held. If the resulting profile cannot be applied the
// lease is dropped again and the error returned.
func (s *Service) HoldProfile(owner, name, reason, applicationID string) (uint32, error) {
	errFactory := errors.New()

	named, err := profile.ParseNamed(name)
	if err != nil {
		return 0, err
	}
	if !profile.Holdable(named) {
		return 0, errFactory.WithData(errors.ErrHoldNotAllowed, named.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cookie := s.nextCookie
	s.nextCookie++

	s.leases = append(s.leases, Lease{
		Cookie:        cookie,
		Profile:       named,
		Reason:        reason,
		ApplicationID: applicationID,
		Owner:         owner,
	})

	if err := s.resolveLocked(); err != nil {
		s.leases = s.leases[:len(s.leases)-1]
		return 0, err
	}

	s.log.Info().
		Uint32("cookie", cookie).
		Str("profile", named.String()).
		Str("owner", owner).
		Str("application_id", applicationID).
		Str("reason", reason).
		Msg("Profile hold acquired")

	s.notify()
	return cookie, nil
}

// ReleaseProfile drops the lease with cookie. Unknown cookies are ignored.
func (s *Service) ReleaseProfile(cookie uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(func(l Lease) bool { return l.Cookie == cookie }) {
		return nil
	}

	s.log.Info().Uint32("cookie", cookie).Msg("Profile hold released")
	s.notify()

	return s.resolveLocked()
}

// ClientGone drops every lease owned by a bus client that left the bus.
func (s *Service) ClientGone(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(func(l Lease) bool { return l.Owner == owner }) {
		return
	}

	s.log.Info().Str("owner", owner).Msg("Released holds of departed client")
	s.notify()

	if err := s.resolveLocked(); err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("Failed to resolve holds after client left")
	}
}

// SetActiveProfile switches to the profile mapped to name as a manual
// override. All leases are invalidated and their owners told so.
func (s *Service) SetActiveProfile(name string) error {
	named, err := profile.ParseNamed(name)
	if err != nil {
		return err
	}

	snap, err := s.loader.Load(s.paths[named])
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.daemon.SetManualProfile(snap); err != nil {
		s.mu.Unlock()
		return err
	}
	drained := s.leases
	s.leases = nil
	s.held = ""
	s.echoPending = true
	s.mu.Unlock()

	s.log.Info().Str("profile", named.String()).Int("invalidated", len(drained)).Msg("Active profile set")

	s.release(drained)
	s.notify()
	return nil
}

// ProfileChanged queues a change of the effective profile for Run. The first
// external change after SetActiveProfile is that override being reported
// back and counts as internal.
func (s *Service) ProfileChanged(active profile.Named, internal bool) {
	s.mu.Lock()
	if !internal && s.echoPending {
		internal = true
		s.echoPending = false
	}
	n := notification{active: active, internal: internal, watermark: s.nextCookie}
	s.mu.Unlock()

	s.queueMu.Lock()
	s.queue = append(s.queue, n)
	s.queueMu.Unlock()
	s.notify()
}

// Run processes queued profile changes and departed bus clients until ctx is
// done. A change the daemon did not cause itself invalidates every lease
// taken before it.
func (s *Service) Run(ctx context.Context, departed <-chan string) error {
	s.process()

	for {
		select {
		case <-ctx.Done():
			return nil
		case owner, ok := <-departed:
			if !ok {
				departed = nil
				continue
			}
			s.ClientGone(owner)
		case <-s.kick:
		}
		s.process()
	}
}

func (s *Service) process() {
	s.queueMu.Lock()
	pending := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	for _, n := range pending {
		if n.internal {
			continue
		}
		s.invalidate(n.watermark)
	}

	s.bus.Update(s.daemon.ActiveProfile(), s.Leases())
}

// invalidate drops the leases older than watermark after an external
// override took over. Leases taken since then are applied on top of it.
func (s *Service) invalidate(watermark uint32) {
	s.mu.Lock()
	var drained []Lease
	s.removeLocked(func(l Lease) bool {
		if l.Cookie < watermark {
			drained = append(drained, l)
			return true
		}
		return false
	})
	held := s.held
	// the override cleared the daemon's held profile
	s.held = ""
	var err error
	switch {
	case len(s.leases) > 0:
		err = s.resolveLocked()
	case held != "":
		err = s.daemon.SetHeld(nil)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to resolve holds after profile change")
	}
	if len(drained) > 0 {
		s.log.Info().Int("invalidated", len(drained)).Msg("Holds invalidated by profile change")
	}
	s.release(drained)
}

func (s *Service) release(leases []Lease) {
	for _, l := range leases {
		if err := s.bus.ProfileReleased(l.Owner, l.Cookie); err != nil {
			s.log.Warn().Err(err).Uint32("cookie", l.Cookie).Str("owner", l.Owner).Msg("Failed to signal released hold")
		}
	}
}

// resolveLocked applies the profile the leases ask for, or clears the held
// profile when there is none. s.mu must be held.
func (s *Service) resolveLocked() error {
	names := make([]profile.Named, 0, len(s.leases))
	for _, l := range s.leases {
		names = append(names, l.Profile)
	}

	target, ok := profile.LeaseTarget(names)
	if !ok {
		if s.held == "" {
			return nil
		}
		if err := s.daemon.SetHeld(nil); err != nil {
			return err
		}
		s.held = ""
		return nil
	}
	if target == s.held {
		return nil
	}

	snap, err := s.loader.Load(s.paths[target])
	if err != nil {
		return err
	}
	if err := s.daemon.SetHeld(snap); err != nil {
		return err
	}
	s.held = target

	s.log.Debug().Str("profile", target.String()).Str("path", snap.Path).Msg("Held profile resolved")
	return nil
}

func (s *Service) removeLocked(match func(Lease) bool) bool {
	kept := s.leases[:0]
	removed := false
	for _, l := range s.leases {
		if match(l) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	return removed
}

func (s *Service) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

type nopBus struct{}

func (nopBus) ProfileReleased(string, uint32) error { return nil }
func (nopBus) Update(profile.Named, []Lease)        {}
