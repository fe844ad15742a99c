// Package hardware reads, patches and commits the power-management state of
// the host. Each domain is read into a Snapshot, patched in memory by a Config
// and written back with System.Write.
package hardware

import (
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/msr"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

type Options struct {
	SysfsRoot string
	MsrRoot   string
	// NVML enables the NVIDIA domain.
	NVML bool
}

type System struct {
	fs     sysfs.FS
	msr    msr.Device
	nvidia nvidiaBackend
}

func New(opts Options) *System {
	s := &System{
		fs:  sysfs.New(opts.SysfsRoot),
		msr: msr.New(opts.MsrRoot),
	}
	if opts.NVML {
		s.nvidia = &nvmlBackend{}
	}
	return s
}

// Close releases NVML if it was loaded.
func (s *System) Close() error {
	if s.nvidia == nil {
		return nil
	}
	return s.nvidia.Shutdown()
}

// Snapshot is the full current state of every domain. Optional domains are
// nil or empty when the platform lacks them.
type Snapshot struct {
	Rapl    []RaplZone
	Pstate  Pstate
	GPUs    []IntelGPU
	Cooling *CoolingProfile
	Dptf    *Dptf
	Nvidia  []NvidiaGPU
}

// Config is a partial, id/name addressed patch over a Snapshot. It is the
// hardware part of a profile document.
type Config struct {
	Rapl    []RaplZoneConfig `json:"rapl,omitempty"`
	Pstate  *PstateConfig    `json:"pstate,omitempty"`
	GPUs    []GPUConfig      `json:"gpus,omitempty"`
	Cooling *string          `json:"cooling,omitempty"`
	Dptf    *DptfConfig      `json:"dptf,omitempty"`
	Nvidia  []NvidiaConfig   `json:"nvidia,omitempty"`
}

func (s *System) Read() (*Snapshot, error) {
	errFactory := errors.New()
	snap := &Snapshot{}
	var err error

	if snap.Rapl, err = readRapl(s.fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadHardware, err)
	}
	if snap.Pstate, err = readPstate(s.fs, s.msr); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadHardware, err)
	}
	if snap.GPUs, err = readIntelGPUs(s.fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadHardware, err)
	}
	if snap.Cooling, err = readCooling(s.fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadHardware, err)
	}
	if snap.Dptf, err = readDptf(s.fs); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadHardware, err)
	}
	if s.nvidia != nil {
		if snap.Nvidia, err = s.nvidia.Devices(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadHardware, err)
		}
	}

	return snap, nil
}

// Write commits every domain of snap, in the same order Apply patches them.
// It stops at the first failure; domains written before it stay written.
func (s *System) Write(snap *Snapshot) error {
	errFactory := errors.New()

	for i := range snap.Rapl {
		if err := snap.Rapl[i].write(s.fs); err != nil {
			return errFactory.Wrap(errors.ErrWriteHardware, err)
		}
	}
	if err := snap.Pstate.write(s.fs, s.msr); err != nil {
		return errFactory.Wrap(errors.ErrWriteHardware, err)
	}
	for i := range snap.GPUs {
		if err := snap.GPUs[i].write(s.fs); err != nil {
			return errFactory.Wrap(errors.ErrWriteHardware, err)
		}
	}
	if snap.Cooling != nil {
		if err := snap.Cooling.write(s.fs); err != nil {
			return errFactory.Wrap(errors.ErrWriteHardware, err)
		}
	}
	if snap.Dptf != nil {
		if err := snap.Dptf.write(s.fs); err != nil {
			return errFactory.Wrap(errors.ErrWriteHardware, err)
		}
	}
	if s.nvidia != nil {
		for _, gpu := range snap.Nvidia {
			if err := s.nvidia.SetPowerLimit(gpu.Index, gpu.Limit); err != nil {
				return errFactory.Wrap(errors.ErrWriteHardware, err)
			}
		}
	}

	return nil
}

// Apply merges cfg into snap. An id or name absent from snap aborts the
// apply; domains patched before it are left patched.
func (cfg *Config) Apply(snap *Snapshot) error {
	for _, zone := range cfg.Rapl {
		if err := zone.apply(snap.Rapl); err != nil {
			return err
		}
	}
	if cfg.Pstate != nil {
		if err := cfg.Pstate.apply(&snap.Pstate); err != nil {
			return err
		}
	}
	for _, gpu := range cfg.GPUs {
		if err := gpu.apply(snap.GPUs); err != nil {
			return err
		}
	}
	if cfg.Cooling != nil {
		if err := applyCooling(*cfg.Cooling, snap.Cooling); err != nil {
			return err
		}
	}
	if cfg.Dptf != nil {
		if err := cfg.Dptf.apply(snap.Dptf); err != nil {
			return err
		}
	}
	for _, gpu := range cfg.Nvidia {
		if err := gpu.apply(snap.Nvidia); err != nil {
			return err
		}
	}

	return nil
}

// ConfigFrom produces a patch that reproduces snap in full.
func ConfigFrom(snap *Snapshot) Config {
	var cfg Config

	for _, zone := range snap.Rapl {
		cfg.Rapl = append(cfg.Rapl, raplConfigFrom(zone))
	}
	if len(snap.Pstate.CPUs) > 0 || snap.Pstate.Turbo != nil {
		cfg.Pstate = pstateConfigFrom(snap.Pstate)
	}
	for _, gpu := range snap.GPUs {
		cfg.GPUs = append(cfg.GPUs, gpuConfigFrom(gpu))
	}
	if snap.Cooling != nil {
		profile := snap.Cooling.Profile
		cfg.Cooling = &profile
	}
	if snap.Dptf != nil {
		cfg.Dptf = dptfConfigFrom(*snap.Dptf)
	}
	for _, gpu := range snap.Nvidia {
		cfg.Nvidia = append(cfg.Nvidia, nvidiaConfigFrom(gpu))
	}

	return cfg
}

func (snap *Snapshot) String() string {
	var b strings.Builder

	for _, zone := range snap.Rapl {
		b.WriteString(zone.String())
	}
	if !snap.Pstate.empty() {
		b.WriteString(snap.Pstate.String())
	}
	for _, gpu := range snap.GPUs {
		b.WriteString(gpu.String())
		b.WriteByte('\n')
	}
	if snap.Cooling != nil {
		b.WriteString(snap.Cooling.String())
		b.WriteByte('\n')
	}
	if snap.Dptf != nil {
		b.WriteString(snap.Dptf.String())
		b.WriteByte('\n')
	}
	for _, gpu := range snap.Nvidia {
		b.WriteString(gpu.String())
		b.WriteByte('\n')
	}

	return strings.TrimSuffix(b.String(), "\n")
}
