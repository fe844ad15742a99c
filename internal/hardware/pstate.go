package hardware

import (
	"fmt"
	"path"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"codeberg.org/mutker/powerd/internal/msr"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

const (
	noTurboPath = "devices/system/cpu/intel_pstate/no_turbo"

	c1eBit      = 1
	tdpLevelLo  = 0
	tdpLevelHi  = 1
	tdpLockBit  = 31
	maxTdpLevel = 2
)

// PstateCPU holds the cpufreq state of one logical CPU. Frequencies are in kHz.
type PstateCPU struct {
	ID          int
	HWMaxFreq   uint64
	HWMinFreq   uint64
	HWBaseFreq  uint64
	CurrentFreq uint64

	Governor string
	EPP      string
	MaxFreq  uint64
	MinFreq  uint64
}

// PstateMsr holds the register fields read from CPU 0 and written to every
// CPU.
type PstateMsr struct {
	C1E       bool
	TdpLevel  uint64
	TdpLocked bool
}

type Pstate struct {
	CPUs  []PstateCPU
	Turbo *bool
	Msr   *PstateMsr
}

type PstateCPUConfig struct {
	IDs      []int   `json:"ids"`
	Governor *string `json:"governor,omitempty"`
	EPP      *string `json:"epp,omitempty"`
	MaxFreq  *uint64 `json:"max_freq,omitempty"`
	MinFreq  *uint64 `json:"min_freq,omitempty"`
}

type PstateConfig struct {
	CPUs     []PstateCPUConfig `json:"cpus,omitempty"`
	Turbo    *bool             `json:"turbo,omitempty"`
	C1E      *bool             `json:"c1e,omitempty"`
	TdpLevel *uint64           `json:"tdp_level,omitempty"`
}

func cpufreqPath(id int) string {
	return fmt.Sprintf("devices/system/cpu/cpu%d/cpufreq", id)
}

func readPstate(fs sysfs.FS, dev msr.Device) (Pstate, error) {
	var info Pstate

	for {
		cpu, ok, err := readPstateCPU(fs, len(info.CPUs))
		if err != nil {
			return Pstate{}, err
		}
		if !ok {
			break
		}
		info.CPUs = append(info.CPUs, cpu)
	}

	exists, err := fs.Exists(noTurboPath)
	if err != nil {
		return Pstate{}, err
	}
	if exists {
		noTurbo, err := fs.ReadUint(noTurboPath)
		if err != nil {
			return Pstate{}, err
		}
		turbo := noTurbo == 0
		info.Turbo = &turbo
	}

	if len(info.CPUs) > 0 && dev.Available(0) {
		m, err := readPstateMsr(dev)
		if err != nil {
			logger.Debug().Err(err).Msg("MSR fields unavailable")
		} else {
			info.Msr = m
		}
	}

	return info, nil
}

func readPstateCPU(fs sysfs.FS, id int) (PstateCPU, bool, error) {
	root := cpufreqPath(id)

	exists, err := fs.Exists(root)
	if err != nil || !exists {
		return PstateCPU{}, false, err
	}

	cpu := PstateCPU{ID: id}
	required := []struct {
		name string
		dst  *uint64
	}{
		{"cpuinfo_max_freq", &cpu.HWMaxFreq},
		{"cpuinfo_min_freq", &cpu.HWMinFreq},
		{"scaling_cur_freq", &cpu.CurrentFreq},
		{"scaling_max_freq", &cpu.MaxFreq},
		{"scaling_min_freq", &cpu.MinFreq},
	}
	for _, attr := range required {
		if *attr.dst, err = fs.ReadUint(path.Join(root, attr.name)); err != nil {
			return PstateCPU{}, false, err
		}
	}

	if cpu.Governor, err = fs.ReadString(path.Join(root, "scaling_governor")); err != nil {
		return PstateCPU{}, false, err
	}

	// base_frequency and the EPP are only exposed by intel_pstate.
	if base, err := fs.ReadUint(path.Join(root, "base_frequency")); err == nil {
		cpu.HWBaseFreq = base
	}
	if epp, err := fs.ReadString(path.Join(root, "energy_performance_preference")); err == nil {
		cpu.EPP = epp
	}

	return cpu, true, nil
}

func readPstateMsr(dev msr.Device) (*PstateMsr, error) {
	powerCtl, err := dev.Read(0, msr.PowerCtl)
	if err != nil {
		return nil, err
	}
	tdp, err := dev.Read(0, msr.ConfigTdpControl)
	if err != nil {
		return nil, err
	}

	return &PstateMsr{
		C1E:       msr.Bit(powerCtl, c1eBit),
		TdpLevel:  msr.Bits(tdp, tdpLevelLo, tdpLevelHi),
		TdpLocked: msr.Bit(tdp, tdpLockBit),
	}, nil
}

func (p *Pstate) write(fs sysfs.FS, dev msr.Device) error {
	for _, cpu := range p.CPUs {
		root := cpufreqPath(cpu.ID)

		if err := fs.Write(path.Join(root, "scaling_governor"), cpu.Governor); err != nil {
			return err
		}
		// The EPP must follow the governor: "performance" pins it.
		if cpu.EPP != "" {
			if err := fs.Write(path.Join(root, "energy_performance_preference"), cpu.EPP); err != nil {
				return err
			}
		}
		if err := writeRange(fs,
			path.Join(root, "scaling_min_freq"), cpu.MinFreq,
			path.Join(root, "scaling_max_freq"), cpu.MaxFreq,
		); err != nil {
			return err
		}
	}

	if p.Turbo != nil {
		noTurbo := 1
		if *p.Turbo {
			noTurbo = 0
		}
		if err := fs.Write(noTurboPath, noTurbo); err != nil {
			return err
		}
	}

	if p.Msr != nil {
		for _, cpu := range p.CPUs {
			if err := p.Msr.write(dev, cpu.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *PstateMsr) write(dev msr.Device, cpu int) error {
	powerCtl, err := dev.Read(cpu, msr.PowerCtl)
	if err != nil {
		return err
	}
	if updated := msr.SetBit(powerCtl, c1eBit, m.C1E); updated != powerCtl {
		if err := dev.Write(cpu, msr.PowerCtl, updated); err != nil {
			return err
		}
	}

	if m.TdpLocked {
		return nil
	}

	tdp, err := dev.Read(cpu, msr.ConfigTdpControl)
	if err != nil {
		return err
	}
	if updated := msr.SetBits(tdp, tdpLevelLo, tdpLevelHi, m.TdpLevel); updated != tdp {
		return dev.Write(cpu, msr.ConfigTdpControl, updated)
	}

	return nil
}

func (c PstateCPU) String() string {
	return fmt.Sprintf("CPU %d (%d-%dMHz, %dMHz without turbo): %q governor, %q epp, %d-%dMHz -- currently at %dMHz",
		c.ID,
		c.HWMinFreq/1000, c.HWMaxFreq/1000, c.HWBaseFreq/1000,
		c.Governor, c.EPP,
		c.MinFreq/1000, c.MaxFreq/1000,
		c.CurrentFreq/1000,
	)
}

// empty reports a platform without cpufreq CPUs or turbo control.
func (p Pstate) empty() bool {
	return len(p.CPUs) == 0 && p.Turbo == nil && p.Msr == nil
}

func (p Pstate) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Set of %d CPUs: ", len(p.CPUs))
	switch {
	case p.Turbo == nil:
		b.WriteString("turbo unknown\n")
	case *p.Turbo:
		b.WriteString("turbo enabled\n")
	default:
		b.WriteString("turbo disabled\n")
	}

	if p.Msr != nil {
		fmt.Fprintf(&b, "C1E %s, TDP level %d", enabled(p.Msr.C1E), p.Msr.TdpLevel)
		if p.Msr.TdpLocked {
			b.WriteString(" (locked)")
		}
		b.WriteByte('\n')
	}

	for _, cpu := range p.CPUs {
		b.WriteString(cpu.String())
		b.WriteByte('\n')
	}

	return b.String()
}

func enabled(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func (cfg *PstateConfig) apply(info *Pstate) error {
	errFactory := errors.New()

	for _, cc := range cfg.CPUs {
		for _, id := range cc.IDs {
			var cpu *PstateCPU
			for i := range info.CPUs {
				if info.CPUs[i].ID == id {
					cpu = &info.CPUs[i]
					break
				}
			}
			if cpu == nil {
				return errFactory.WithMessage(errors.ErrHardwareNotFound, fmt.Sprintf("failed to find cpu with id %d", id))
			}

			if cc.Governor != nil {
				cpu.Governor = *cc.Governor
			}
			if cc.EPP != nil {
				cpu.EPP = *cc.EPP
			}
			if cc.MaxFreq != nil {
				cpu.MaxFreq = *cc.MaxFreq
			}
			if cc.MinFreq != nil {
				cpu.MinFreq = *cc.MinFreq
			}
		}
	}

	if cfg.Turbo != nil {
		if info.Turbo == nil {
			return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find intel_pstate turbo control")
		}
		turbo := *cfg.Turbo
		info.Turbo = &turbo
	}

	if cfg.C1E != nil || cfg.TdpLevel != nil {
		if info.Msr == nil {
			return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find cpu msr")
		}
		if cfg.C1E != nil {
			info.Msr.C1E = *cfg.C1E
		}
		if cfg.TdpLevel != nil {
			level := *cfg.TdpLevel
			if level > maxTdpLevel {
				return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("tdp level %d out of range", level))
			}
			if info.Msr.TdpLocked && level != info.Msr.TdpLevel {
				return errFactory.WithData(errors.ErrInvalidArgument, "tdp level is locked")
			}
			info.Msr.TdpLevel = level
		}
	}

	return nil
}

func pstateConfigFrom(info Pstate) *PstateConfig {
	cfg := &PstateConfig{}
	for _, cpu := range info.CPUs {
		cpu := cpu
		cc := PstateCPUConfig{
			IDs:      []int{cpu.ID},
			Governor: &cpu.Governor,
			MaxFreq:  &cpu.MaxFreq,
			MinFreq:  &cpu.MinFreq,
		}
		if cpu.EPP != "" {
			cc.EPP = &cpu.EPP
		}
		cfg.CPUs = append(cfg.CPUs, cc)
	}
	if info.Turbo != nil {
		turbo := *info.Turbo
		cfg.Turbo = &turbo
	}
	if info.Msr != nil {
		c1e, level := info.Msr.C1E, info.Msr.TdpLevel
		cfg.C1E = &c1e
		cfg.TdpLevel = &level
	}
	return cfg
}
