package daemon

import "codeberg.org/mutker/powerd/internal/profile"

// State records who overrides the profile and which named profile was last
// applied. Held takes precedence over Manual.
type State struct {
	Held     *profile.Snapshot
	Manual   *profile.Snapshot
	Active   profile.Named
	Internal bool
}

func initialState() State {
	return State{Active: profile.Balanced}
}

// Override is the snapshot that currently wins, or nil.
func (s *State) Override() *profile.Snapshot {
	if s.Held != nil {
		return s.Held
	}
	return s.Manual
}

// identity is what a reconciliation pass compares against the previous pass.
// Snapshots compare by pointer: every load produces a new one.
type identity struct {
	manual *profile.Snapshot
	held   *profile.Snapshot
	active profile.Named
}

func (s *State) identity() identity {
	return identity{manual: s.Manual, held: s.Held, active: s.Active}
}

func describe(snap *profile.Snapshot) string {
	if snap == nil {
		return "none"
	}
	return snap.Path
}
