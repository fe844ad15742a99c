package hardware

import (
	"fmt"
	"path"
	"strings"
	"time"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

const raplRoot = "devices/virtual/powercap/intel-rapl"

// RaplConstraint is one power budget of a powercap zone. PowerLimit is in
// microwatts.
type RaplConstraint struct {
	ID         int
	Name       string
	PowerLimit uint64
	TimeWindow *time.Duration
}

type RaplZone struct {
	Path        string
	Name        string
	Constraints []RaplConstraint
	Subzones    []RaplZone
}

type RaplConstraintConfig struct {
	ID         int     `json:"id"`
	PowerLimit *uint64 `json:"power_limit,omitempty"`
	TimeWindow *uint64 `json:"time_window,omitempty"`
}

type RaplZoneConfig struct {
	Name        string                 `json:"name"`
	Constraints []RaplConstraintConfig `json:"constraints,omitempty"`
	Subzones    []RaplZoneConfig       `json:"subzones,omitempty"`
}

func readRapl(fs sysfs.FS) ([]RaplZone, error) {
	var zones []RaplZone
	for {
		zone, ok, err := readRaplZone(fs, path.Join(raplRoot, fmt.Sprintf("intel-rapl:%d", len(zones))))
		if err != nil {
			return nil, err
		}
		if !ok {
			return zones, nil
		}
		zones = append(zones, zone)
	}
}

func readRaplZone(fs sysfs.FS, zonePath string) (RaplZone, bool, error) {
	exists, err := fs.Exists(zonePath)
	if err != nil || !exists {
		return RaplZone{}, false, err
	}

	zone := RaplZone{Path: zonePath}

	if zone.Name, err = fs.ReadString(path.Join(zonePath, "name")); err != nil {
		return RaplZone{}, false, err
	}

	for {
		constraint, ok, err := readRaplConstraint(fs, zonePath, len(zone.Constraints))
		if err != nil {
			return RaplZone{}, false, err
		}
		if !ok {
			break
		}
		zone.Constraints = append(zone.Constraints, constraint)
	}

	base := path.Base(zonePath)
	for {
		sub, ok, err := readRaplZone(fs, path.Join(zonePath, fmt.Sprintf("%s:%d", base, len(zone.Subzones))))
		if err != nil {
			return RaplZone{}, false, err
		}
		if !ok {
			break
		}
		zone.Subzones = append(zone.Subzones, sub)
	}

	return zone, true, nil
}

func readRaplConstraint(fs sysfs.FS, zonePath string, id int) (RaplConstraint, bool, error) {
	prefix := path.Join(zonePath, fmt.Sprintf("constraint_%d_", id))

	exists, err := fs.Exists(prefix + "name")
	if err != nil || !exists {
		return RaplConstraint{}, false, err
	}

	c := RaplConstraint{ID: id}
	if c.Name, err = fs.ReadString(prefix + "name"); err != nil {
		return RaplConstraint{}, false, err
	}
	if c.PowerLimit, err = fs.ReadUint(prefix + "power_limit_uw"); err != nil {
		return RaplConstraint{}, false, err
	}

	// Not every constraint has a time window.
	if us, err := fs.ReadUint(prefix + "time_window_us"); err == nil {
		window := time.Duration(us) * time.Microsecond
		c.TimeWindow = &window
	}

	return c, true, nil
}

func (z *RaplZone) write(fs sysfs.FS) error {
	for _, c := range z.Constraints {
		prefix := path.Join(z.Path, fmt.Sprintf("constraint_%d_", c.ID))
		if err := fs.Write(prefix+"power_limit_uw", c.PowerLimit); err != nil {
			return err
		}
		if c.TimeWindow != nil {
			if err := fs.Write(prefix+"time_window_us", c.TimeWindow.Microseconds()); err != nil {
				return err
			}
		}
	}

	for i := range z.Subzones {
		if err := z.Subzones[i].write(fs); err != nil {
			return err
		}
	}

	return nil
}

func (c RaplConstraint) String() string {
	s := fmt.Sprintf("Constraint %q: %dW", c.Name, c.PowerLimit/1_000_000)
	if c.TimeWindow != nil {
		return s + " over a time window of " + c.TimeWindow.String()
	}
	return s + " over no time window"
}

func (z RaplZone) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Zone %q: %d constraints, %d subzones\n", z.Name, len(z.Constraints), len(z.Subzones))
	for _, c := range z.Constraints {
		b.WriteString(c.String())
		b.WriteByte('\n')
	}
	for _, sub := range z.Subzones {
		b.WriteString(sub.String())
	}
	return b.String()
}

func (cfg RaplZoneConfig) apply(zones []RaplZone) error {
	errFactory := errors.New()

	var zone *RaplZone
	for i := range zones {
		if zones[i].Name == cfg.Name {
			zone = &zones[i]
			break
		}
	}
	if zone == nil {
		return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find zone with name "+cfg.Name)
	}

	for _, sub := range cfg.Subzones {
		if err := sub.apply(zone.Subzones); err != nil {
			return err
		}
	}

	for _, cc := range cfg.Constraints {
		var constraint *RaplConstraint
		for i := range zone.Constraints {
			if zone.Constraints[i].ID == cc.ID {
				constraint = &zone.Constraints[i]
				break
			}
		}
		if constraint == nil {
			return errFactory.WithMessage(errors.ErrHardwareNotFound,
				fmt.Sprintf("failed to find constraint with id %d in zone %s", cc.ID, cfg.Name))
		}

		if cc.PowerLimit != nil {
			constraint.PowerLimit = *cc.PowerLimit
		}
		if cc.TimeWindow != nil {
			window := time.Duration(*cc.TimeWindow) * time.Microsecond
			constraint.TimeWindow = &window
		}
	}

	return nil
}

func raplConfigFrom(zone RaplZone) RaplZoneConfig {
	cfg := RaplZoneConfig{Name: zone.Name}
	for _, c := range zone.Constraints {
		limit := c.PowerLimit
		cc := RaplConstraintConfig{ID: c.ID, PowerLimit: &limit}
		if c.TimeWindow != nil {
			us := uint64(c.TimeWindow.Microseconds())
			cc.TimeWindow = &us
		}
		cfg.Constraints = append(cfg.Constraints, cc)
	}
	for _, sub := range zone.Subzones {
		cfg.Subzones = append(cfg.Subzones, raplConfigFrom(sub))
	}
	return cfg
}
