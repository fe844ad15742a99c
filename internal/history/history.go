// Package history keeps an optional sqlite journal of effective profile
// transitions.
package history

import (
	"context"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
)

const DefaultLimit = 20

type service struct {
	repo *repository
}

type noopRecorder struct{}

// NewService opens the journal, or returns a recorder that drops everything
// when history is disabled.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("History disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	repo, err := newRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

// Noop returns a recorder that keeps nothing.
func Noop() Recorder {
	return noopRecorder{}
}

func (s *service) Record(ctx context.Context, t Transition) error {
	errFactory := errors.New()

	if t.Timestamp.IsZero() || t.Source == "" {
		return errFactory.New(ErrInvalidTransition)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Record(ctx, t)
}

func (s *service) Recent(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	return s.repo.Close()
}

func (noopRecorder) Record(context.Context, Transition) error {
	return nil
}

func (noopRecorder) Recent(context.Context, int) ([]Transition, error) {
	return nil, nil
}

func (noopRecorder) Close() error {
	return nil
}
