// Package daemon owns the shared profile state and the reconciliation loop
// that keeps the hardware in line with it.
package daemon

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/history"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/profile"
)

type Options struct {
	Hardware     Hardware
	Battery      BatteryQuery
	Loader       *profile.Loader
	Defaults     *config.DefaultProfiles
	PollInterval time.Duration
	Recorder     history.Recorder
	Logger       logger.Logger
}

type Daemon struct {
	mu       sync.Mutex
	state    State
	last     identity
	listener Listener

	hw       Hardware
	battery  BatteryQuery
	loader   *profile.Loader
	defaults *config.DefaultProfiles
	poll     time.Duration
	recorder history.Recorder
	log      logger.Logger

	wake chan struct{}
}

func New(opts Options) (*Daemon, error) {
	errFactory := errors.New()

	if opts.Hardware == nil || opts.Loader == nil {
		return nil, errFactory.WithMessage(errors.ErrInitFailed, "daemon requires hardware and a profile loader")
	}
	if opts.Defaults != nil && opts.Battery == nil {
		return nil, errFactory.WithMessage(errors.ErrInitFailed, "default profiles require a battery query")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Duration(config.DefaultPollInterval) * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = history.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}

	d := &Daemon{
		state:    initialState(),
		listener: noopListener{},
		hw:       opts.Hardware,
		battery:  opts.Battery,
		loader:   opts.Loader,
		defaults: opts.Defaults,
		poll:     opts.PollInterval,
		recorder: opts.Recorder,
		log:      opts.Logger,
		wake:     make(chan struct{}, 1),
	}
	d.last = d.state.identity()

	// first pass runs as soon as the loop starts
	d.Wake()

	return d, nil
}

// SetListener registers the receiver of profile change notifications. It must
// be called before Run.
func (d *Daemon) SetListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l == nil {
		l = noopListener{}
	}
	d.listener = l
}

// Wake requests a reconciliation pass. Wakes that arrive while one is already
// pending are merged into it.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run reconciles once per wake or poll interval, whichever comes first, until
// ctx is done. Failed passes are logged and retried on the next wake.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info().
		Dur("poll_interval", d.poll).
		Bool("battery_aware", d.defaults != nil).
		Msg("Reconciliation loop started")

	timer := time.NewTimer(d.poll)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
		case <-timer.C:
		}

		if err := d.Reconcile(ctx); err != nil {
			d.logFailure(err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.poll)
	}
}

// Reconcile performs one resolution pass: the override is re-applied if there
// is one, otherwise the AC or battery default is loaded and applied. On error
// the state is left as it was.
func (d *Daemon) Reconcile(ctx context.Context) error {
	onBattery, batteryErr := d.queryBattery(ctx)

	d.mu.Lock()

	var (
		source history.Source
		path   string
		err    error
	)
	if override := d.state.Override(); override != nil {
		source = history.SourceManual
		if d.state.Held != nil {
			source = history.SourceHeld
		}
		path = override.Path
		if err = d.apply(override.Document); err == nil {
			d.state.Active = override.Document.Named
		}
	} else if d.defaults != nil {
		source = history.SourceDefault
		path, err = d.applyDefault(onBattery, batteryErr)
	} else {
		source = history.SourceNone
	}
	if err != nil {
		d.mu.Unlock()
		return err
	}

	current := d.state.identity()
	if current == d.last {
		d.mu.Unlock()
		return nil
	}
	d.last = current
	internal := d.state.Internal
	d.state.Internal = false
	active := d.state.Active
	listener := d.listener

	d.mu.Unlock()

	d.log.Info().
		Str("source", string(source)).
		Str("path", path).
		Str("profile", active.String()).
		Bool("internal", internal).
		Msg("Effective profile changed")

	listener.ProfileChanged(active, internal)

	if err := d.recorder.Record(ctx, history.Transition{
		Timestamp: time.Now(),
		Source:    source,
		Path:      path,
		Profile:   active.String(),
	}); err != nil {
		d.log.Warn().Err(err).Msg("Failed to record profile transition")
	}

	return nil
}

func (d *Daemon) queryBattery(ctx context.Context) (bool, error) {
	if d.defaults == nil {
		return false, nil
	}
	onBattery, err := d.battery.OnBattery(ctx)
	if err != nil {
		return false, errors.New().Wrap(errors.ErrBatteryQuery, err)
	}
	return onBattery, nil
}

// applyDefault must be called with d.mu held.
func (d *Daemon) applyDefault(onBattery bool, batteryErr error) (string, error) {
	if batteryErr != nil {
		return "", batteryErr
	}

	path := d.defaults.AC
	if onBattery {
		path = d.defaults.Battery
	}

	snap, err := d.loader.Load(path)
	if err != nil {
		return path, err
	}
	if err := d.apply(snap.Document); err != nil {
		return path, err
	}
	d.state.Active = snap.Document.Named

	return path, nil
}

// apply reads the hardware, patches it with doc and writes it back. Callers
// hold d.mu so hardware writes never interleave.
func (d *Daemon) apply(doc *profile.Document) error {
	errFactory := errors.New()

	snap, err := d.hw.Read()
	if err != nil {
		return err
	}
	if err := doc.Config.Apply(snap); err != nil {
		return errFactory.Wrap(errors.ErrApplyProfile, err)
	}
	return d.hw.Write(snap)
}

func (d *Daemon) logFailure(err error) {
	if appErr, ok := errors.AsError(err); ok {
		d.log.ErrorWithCode(appErr).Msg("Reconciliation failed")
		return
	}
	d.log.Error().Err(err).Msg("Reconciliation failed")
}
