package history

import (
	"context"
	"time"
)

// Recorder journals profile transitions.
type Recorder interface {
	Record(ctx context.Context, t Transition) error
	Recent(ctx context.Context, limit int) ([]Transition, error)
	Close() error
}

// Source names what decided the active profile.
type Source string

const (
	SourceHeld    Source = "held"
	SourceManual  Source = "manual"
	SourceDefault Source = "default"
	SourceNone    Source = "none"
)

// Transition is one observed change of the effective profile.
type Transition struct {
	Timestamp time.Time
	Source    Source
	Path      string
	Profile   string
}
