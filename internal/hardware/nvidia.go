package hardware

import (
	"fmt"
	"math"
	"sync"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// PowerLimit is an NVML board power limit in watts.
type PowerLimit uint32

type PowerLimits struct {
	Min, Max, Default PowerLimit
}

// NvidiaGPU is the board power state of one NVML device.
type NvidiaGPU struct {
	Index  int
	Name   string
	Limit  PowerLimit
	Limits PowerLimits
}

type NvidiaConfig struct {
	Index      int         `json:"index"`
	PowerLimit *PowerLimit `json:"power_limit,omitempty"`
}

// nvidiaBackend abstracts NVML operations for testing
type nvidiaBackend interface {
	Devices() ([]NvidiaGPU, error)
	SetPowerLimit(index int, limit PowerLimit) error
	Shutdown() error
}

type nvmlBackend struct {
	mu          sync.Mutex
	initialized bool
	unavailable bool
}

// initialize loads NVML once. Hosts without the NVIDIA driver report no
// devices instead of failing every read.
func (b *nvmlBackend) initialize() bool {
	if b.initialized {
		return true
	}
	if b.unavailable {
		return false
	}

	ret := nvml.Init()
	if !isNVMLSuccess(ret) {
		b.unavailable = true
		logger.Debug().Str("reason", nvml.ErrorString(ret)).Msg("NVML unavailable, skipping NVIDIA devices")
		return false
	}

	b.initialized = true
	return true
}

func (b *nvmlBackend) Devices() ([]NvidiaGPU, error) {
	errFactory := errors.New()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialize() {
		return nil, nil
	}

	count, ret := nvml.DeviceGetCount()
	if !isNVMLSuccess(ret) {
		return nil, errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).WithMessage("failed to count nvidia devices")
	}

	gpus := make([]NvidiaGPU, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if !isNVMLSuccess(ret) {
			return nil, errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
				WithMessage(fmt.Sprintf("failed to get nvidia device %d", i))
		}

		gpu, err := readNvidiaGPU(i, device)
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, gpu)
	}

	return gpus, nil
}

func readNvidiaGPU(index int, device nvml.Device) (NvidiaGPU, error) {
	errFactory := errors.New()
	gpu := NvidiaGPU{Index: index}

	name, ret := device.GetName()
	if isNVMLSuccess(ret) {
		gpu.Name = name
	}

	minLimit, maxLimit, ret := device.GetPowerManagementLimitConstraints()
	if !isNVMLSuccess(ret) {
		return NvidiaGPU{}, errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
			WithMessage(fmt.Sprintf("failed to get power limit constraints of nvidia device %d", index))
	}

	defaultLimit, ret := device.GetPowerManagementDefaultLimit()
	if !isNVMLSuccess(ret) {
		return NvidiaGPU{}, errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
			WithMessage(fmt.Sprintf("failed to get default power limit of nvidia device %d", index))
	}

	current, ret := device.GetPowerManagementLimit()
	if !isNVMLSuccess(ret) {
		return NvidiaGPU{}, errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
			WithMessage(fmt.Sprintf("failed to get power limit of nvidia device %d", index))
	}

	gpu.Limits = PowerLimits{
		Min:     PowerLimit(minLimit / milliWattsToWatts),
		Max:     PowerLimit(maxLimit / milliWattsToWatts),
		Default: PowerLimit(defaultLimit / milliWattsToWatts),
	}
	gpu.Limit = PowerLimit(current / milliWattsToWatts)

	return gpu, nil
}

func (b *nvmlBackend) SetPowerLimit(index int, limit PowerLimit) error {
	errFactory := errors.New()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialize() {
		return errFactory.WithMessage(errors.ErrHardwareNotFound, "NVML is not available")
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !isNVMLSuccess(ret) {
		return errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
			WithMessage(fmt.Sprintf("failed to get nvidia device %d", index))
	}

	if ret := device.SetPowerManagementLimit(wattsToMilliWatts(limit)); !isNVMLSuccess(ret) {
		return errFactory.Wrap(errors.ErrNVML, newNVMLError(ret)).
			WithMessage(fmt.Sprintf("failed to set power limit of nvidia device %d", index))
	}

	return nil
}

func (b *nvmlBackend) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}

	if ret := nvml.Shutdown(); !isNVMLSuccess(ret) {
		return errors.New().Wrap(errors.ErrShutdownFailed, newNVMLError(ret))
	}

	b.initialized = false
	return nil
}

func (g NvidiaGPU) String() string {
	return fmt.Sprintf("NVIDIA GPU %d %q (%d-%dW, %dW default): %dW power limit",
		g.Index, g.Name, g.Limits.Min, g.Limits.Max, g.Limits.Default, g.Limit)
}

func (cfg NvidiaConfig) apply(gpus []NvidiaGPU) error {
	errFactory := errors.New()

	for i := range gpus {
		if gpus[i].Index != cfg.Index {
			continue
		}
		if cfg.PowerLimit != nil {
			limit := *cfg.PowerLimit
			if limit < gpus[i].Limits.Min || limit > gpus[i].Limits.Max {
				return errFactory.WithData(errors.ErrInvalidArgument,
					fmt.Sprintf("power limit %dW out of range %d-%dW for nvidia device %d",
						limit, gpus[i].Limits.Min, gpus[i].Limits.Max, cfg.Index))
			}
			gpus[i].Limit = limit
		}
		return nil
	}

	return errFactory.WithMessage(errors.ErrHardwareNotFound, fmt.Sprintf("failed to find nvidia gpu with index %d", cfg.Index))
}

func nvidiaConfigFrom(gpu NvidiaGPU) NvidiaConfig {
	limit := gpu.Limit
	return NvidiaConfig{Index: gpu.Index, PowerLimit: &limit}
}

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

func isNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

func wattsToMilliWatts(watts PowerLimit) uint32 {
	const maxWatts = PowerLimit(math.MaxUint32 / milliWattsToWatts)
	if watts > maxWatts {
		return math.MaxUint32
	}

	return uint32(watts) * milliWattsToWatts
}
