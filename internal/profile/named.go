package profile

import (
	"encoding/json"

	"codeberg.org/mutker/powerd/internal/errors"
)

// Named is the three-way profile classification shared with desktop clients.
type Named string

const (
	PowerSaver  Named = "power-saver"
	Balanced    Named = "balanced"
	Performance Named = "performance"
)

// All lists the named profiles in the order they are advertised.
var All = []Named{PowerSaver, Balanced, Performance}

func ParseNamed(s string) (Named, error) {
	switch Named(s) {
	case PowerSaver, Balanced, Performance:
		return Named(s), nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidArgument, "invalid power profile: "+s)
	}
}

func (n Named) String() string {
	return string(n)
}

func (n *Named) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNamed(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// leasePriority is the resolution order of held profiles: the first entry
// held by any lease wins. Balanced can never be held.
var leasePriority = []Named{PowerSaver, Performance}

// LeaseTarget resolves the profile a set of leases asks for. It reports false
// for an empty set. The result does not depend on the order of held.
func LeaseTarget(held []Named) (Named, bool) {
	for _, candidate := range leasePriority {
		for _, n := range held {
			if n == candidate {
				return candidate, true
			}
		}
	}
	return "", false
}

// Holdable reports whether n may be requested by a lease.
func Holdable(n Named) bool {
	for _, candidate := range leasePriority {
		if n == candidate {
			return true
		}
	}
	return false
}
