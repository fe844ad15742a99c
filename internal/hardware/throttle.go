package hardware

import (
	"encoding/json"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/msr"
)

// ThrottleTarget selects which perf-limit-reasons register to decode.
type ThrottleTarget string

const (
	ThrottleCPU  ThrottleTarget = "Cpu"
	ThrottleGPU  ThrottleTarget = "Gpu"
	ThrottleRing ThrottleTarget = "Ring"
)

// ParseThrottleTarget accepts the wire names case-insensitively.
func ParseThrottleTarget(s string) (ThrottleTarget, error) {
	switch strings.ToLower(s) {
	case "cpu":
		return ThrottleCPU, nil
	case "gpu":
		return ThrottleGPU, nil
	case "ring":
		return ThrottleRing, nil
	default:
		return "", errors.New().WithData(errors.ErrInvalidArgument, "unknown throttle target "+s)
	}
}

func (t *ThrottleTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseThrottleTarget(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type throttleReason struct {
	bit  uint
	name string
}

var (
	reasonProchot          = throttleReason{0, "PROCHOT"}
	reasonThermalEvent     = throttleReason{1, "Thermal event"}
	reasonResidencyState   = throttleReason{4, "Residency state regulation limit"}
	reasonAvgThermalLimit  = throttleReason{5, "Running average thermal limit"}
	reasonVRThermalAlert   = throttleReason{6, "Voltage regulator thermal alert"}
	reasonVRTDCLimit       = throttleReason{7, "Voltage regulator TDC limit"}
	reasonOther            = throttleReason{8, "Other/electrical/EDP"}
	reasonPL1              = throttleReason{10, "PL1"}
	reasonPL2              = throttleReason{11, "PL2"}
	reasonMaxTurboLimit    = throttleReason{12, "Max turbo limit"}
	reasonTurboAttenuation = throttleReason{13, "Turbo transition attenuation"}
)

const gpuBelowTargetBit = 12

var throttleTables = map[ThrottleTarget]struct {
	label   string
	reg     msr.Register
	reasons []throttleReason
}{
	ThrottleCPU: {"CPU", msr.CPUPerfLimitReasons, []throttleReason{
		reasonProchot, reasonThermalEvent, reasonResidencyState, reasonAvgThermalLimit,
		reasonVRThermalAlert, reasonVRTDCLimit, reasonOther, reasonPL1, reasonPL2,
		reasonMaxTurboLimit, reasonTurboAttenuation,
	}},
	ThrottleGPU: {"GPU", msr.GraphicsPerfLimitReasons, []throttleReason{
		reasonProchot, reasonThermalEvent, reasonAvgThermalLimit, reasonVRThermalAlert,
		reasonVRTDCLimit, reasonOther, reasonPL1, reasonPL2,
	}},
	ThrottleRing: {"Ring", msr.RingPerfLimitReasons, []throttleReason{
		reasonProchot, reasonThermalEvent, reasonAvgThermalLimit, reasonVRThermalAlert,
		reasonVRTDCLimit, reasonOther, reasonPL1, reasonPL2,
	}},
}

// DecodeThrottle renders the throttle reasons set in a perf-limit-reasons
// register value.
func DecodeThrottle(target ThrottleTarget, val uint64) (string, error) {
	table, ok := throttleTables[target]
	if !ok {
		return "", errors.New().WithData(errors.ErrInvalidArgument, "unknown throttle target "+string(target))
	}

	var reasons []string
	for _, reason := range table.reasons {
		if msr.Bit(val, reason.bit) {
			reasons = append(reasons, reason.name)
		}
	}

	out := table.label + " throttle reasons: "
	if len(reasons) == 0 {
		out += "None"
	} else {
		out += strings.Join(reasons, ", ")
	}

	if target == ThrottleGPU && msr.Bit(val, gpuBelowTargetBit) {
		out += "\nGPU operating below target frequency"
	}

	return out, nil
}

// Throttle reads and decodes the perf-limit-reasons register of target. The
// registers are package scoped, so CPU 0 is representative.
func (s *System) Throttle(target ThrottleTarget) (string, error) {
	table, ok := throttleTables[target]
	if !ok {
		return "", errors.New().WithData(errors.ErrInvalidArgument, "unknown throttle target "+string(target))
	}

	val, err := s.msr.Read(0, table.reg)
	if err != nil {
		return "", errors.New().Wrap(errors.ErrReadHardware, err).
			WithMessage("failed to read " + strings.ToLower(table.label) + " throttle reasons")
	}

	return DecodeThrottle(target, val)
}
