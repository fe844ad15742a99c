package hardware

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/msr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTree struct {
	t    *testing.T
	root string
}

func newFakeTree(t *testing.T) *fakeTree {
	t.Helper()
	return &fakeTree{t: t, root: t.TempDir()}
}

func (f *fakeTree) set(rel string, v any) {
	f.t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(f.t, os.WriteFile(p, []byte(toString(v)+"\n"), 0o644))
}

func (f *fakeTree) get(rel string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, rel))
	require.NoError(f.t, err)
	return string(data)
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	default:
		panic("unsupported fake sysfs value")
	}
}

// populate builds a laptop-like tree: one RAPL package zone with a core
// subzone, two intel_pstate CPUs, an i915 card next to a card without GT
// attributes, a platform profile and a DPTF device.
func (f *fakeTree) populate() {
	zone := "devices/virtual/powercap/intel-rapl/intel-rapl:0/"
	f.set(zone+"name", "package-0")
	f.set(zone+"constraint_0_name", "long_term")
	f.set(zone+"constraint_0_power_limit_uw", 28000000)
	f.set(zone+"constraint_0_time_window_us", 27983872)
	f.set(zone+"constraint_1_name", "short_term")
	f.set(zone+"constraint_1_power_limit_uw", 64000000)
	f.set(zone+"intel-rapl:0:0/name", "core")
	f.set(zone+"intel-rapl:0:0/constraint_0_name", "long_term")
	f.set(zone+"intel-rapl:0:0/constraint_0_power_limit_uw", 0)

	for id := 0; id < 2; id++ {
		cpu := "devices/system/cpu/cpu" + strconv.Itoa(id) + "/cpufreq/"
		f.set(cpu+"cpuinfo_max_freq", 4700000)
		f.set(cpu+"cpuinfo_min_freq", 400000)
		f.set(cpu+"base_frequency", 2100000)
		f.set(cpu+"scaling_cur_freq", 1200000)
		f.set(cpu+"scaling_governor", "powersave")
		f.set(cpu+"energy_performance_preference", "balance_performance")
		f.set(cpu+"scaling_max_freq", 4700000)
		f.set(cpu+"scaling_min_freq", 400000)
	}
	f.set("devices/system/cpu/intel_pstate/no_turbo", 0)

	card := "class/drm/card1/"
	f.set(card+"gt_RPn_freq_mhz", 100)
	f.set(card+"gt_RP1_freq_mhz", 350)
	f.set(card+"gt_RP0_freq_mhz", 1300)
	f.set(card+"gt_act_freq_mhz", 0)
	f.set(card+"gt_min_freq_mhz", 100)
	f.set(card+"gt_max_freq_mhz", 1300)
	f.set("class/drm/card0/device/vendor", "0x10de")
	f.set("class/drm/renderD128/dev", "226:128")

	f.set("firmware/acpi/platform_profile", "balanced")
	f.set("firmware/acpi/platform_profile_choices", "low-power balanced performance")

	dptf := "bus/platform/drivers/int3400 thermal/INTC1040:00/uuids/"
	f.set(dptf+"current_uuid", "3a95c389-e4b8-4629-a526-c52c88626bae")
	f.set(dptf+"available_uuids", "3a95c389-e4b8-4629-a526-c52c88626bae\n63be270f-1c11-48fd-a6f7-3af253ff3e2d")
	f.set("bus/pci/devices/0000:00:04.0/tcc_offset_degree_celsius", 5)
}

func newTestSystem(f *fakeTree) *System {
	return New(Options{SysfsRoot: f.root, MsrRoot: filepath.Join(f.root, "no-msr")})
}

func ptr[T any](v T) *T {
	return &v
}

func TestRead(t *testing.T) {
	f := newFakeTree(t)
	f.populate()

	snap, err := newTestSystem(f).Read()
	require.NoError(t, err)

	require.Len(t, snap.Rapl, 1)
	zone := snap.Rapl[0]
	assert.Equal(t, "package-0", zone.Name)
	require.Len(t, zone.Constraints, 2)
	assert.Equal(t, uint64(28000000), zone.Constraints[0].PowerLimit)
	require.NotNil(t, zone.Constraints[0].TimeWindow)
	assert.Equal(t, 27983872*time.Microsecond, *zone.Constraints[0].TimeWindow)
	assert.Nil(t, zone.Constraints[1].TimeWindow)
	require.Len(t, zone.Subzones, 1)
	assert.Equal(t, "core", zone.Subzones[0].Name)

	require.Len(t, snap.Pstate.CPUs, 2)
	assert.Equal(t, "powersave", snap.Pstate.CPUs[1].Governor)
	assert.Equal(t, "balance_performance", snap.Pstate.CPUs[1].EPP)
	require.NotNil(t, snap.Pstate.Turbo)
	assert.True(t, *snap.Pstate.Turbo)
	assert.Nil(t, snap.Pstate.Msr)

	require.Len(t, snap.GPUs, 1)
	assert.Equal(t, 1, snap.GPUs[0].ID)
	assert.Equal(t, uint64(350), snap.GPUs[0].HWEffFreq)

	require.NotNil(t, snap.Cooling)
	assert.Equal(t, "balanced", snap.Cooling.Profile)
	assert.Equal(t, []string{"low-power", "balanced", "performance"}, snap.Cooling.Choices)

	require.NotNil(t, snap.Dptf)
	assert.Len(t, snap.Dptf.UUIDs, 2)
	require.NotNil(t, snap.Dptf.TccOffset)
	assert.Equal(t, uint64(5), *snap.Dptf.TccOffset)

	assert.Empty(t, snap.Nvidia)
}

func TestReadEmptyPlatform(t *testing.T) {
	snap, err := New(Options{SysfsRoot: t.TempDir()}).Read()
	require.NoError(t, err)

	assert.Empty(t, snap.Rapl)
	assert.Empty(t, snap.Pstate.CPUs)
	assert.Nil(t, snap.Pstate.Turbo)
	assert.Empty(t, snap.GPUs)
	assert.Nil(t, snap.Cooling)
	assert.Nil(t, snap.Dptf)
}

func TestApplyWrite(t *testing.T) {
	f := newFakeTree(t)
	f.populate()
	sys := newTestSystem(f)

	snap, err := sys.Read()
	require.NoError(t, err)

	cfg := Config{
		Rapl: []RaplZoneConfig{{
			Name:        "package-0",
			Constraints: []RaplConstraintConfig{{ID: 0, PowerLimit: ptr(uint64(15000000))}},
			Subzones: []RaplZoneConfig{{
				Name:        "core",
				Constraints: []RaplConstraintConfig{{ID: 0, PowerLimit: ptr(uint64(10000000))}},
			}},
		}},
		Pstate: &PstateConfig{
			CPUs: []PstateCPUConfig{{
				IDs:      []int{0, 1},
				Governor: ptr("powersave"),
				EPP:      ptr("power"),
				MaxFreq:  ptr(uint64(2000000)),
			}},
			Turbo: ptr(false),
		},
		GPUs:    []GPUConfig{{ID: 1, MaxFreq: ptr(uint64(600))}},
		Cooling: ptr("low-power"),
		Dptf:    &DptfConfig{UUID: ptr("63be270f-1c11-48fd-a6f7-3af253ff3e2d"), TccOffset: ptr(uint64(10))},
	}

	require.NoError(t, cfg.Apply(snap))
	require.NoError(t, sys.Write(snap))

	zone := "devices/virtual/powercap/intel-rapl/intel-rapl:0/"
	assert.Equal(t, "15000000", f.get(zone+"constraint_0_power_limit_uw"))
	assert.Equal(t, "27983872", f.get(zone+"constraint_0_time_window_us"))
	assert.Equal(t, "64000000", f.get(zone+"constraint_1_power_limit_uw"))
	assert.Equal(t, "10000000", f.get(zone+"intel-rapl:0:0/constraint_0_power_limit_uw"))
	assert.Equal(t, "2000000", f.get("devices/system/cpu/cpu1/cpufreq/scaling_max_freq"))
	assert.Equal(t, "power", f.get("devices/system/cpu/cpu0/cpufreq/energy_performance_preference"))
	assert.Equal(t, "1", f.get("devices/system/cpu/intel_pstate/no_turbo"))
	assert.Equal(t, "600", f.get("class/drm/card1/gt_max_freq_mhz"))
	assert.Equal(t, "low-power", f.get("firmware/acpi/platform_profile"))
	assert.Equal(t, "63be270f-1c11-48fd-a6f7-3af253ff3e2d",
		f.get("bus/platform/drivers/int3400 thermal/INTC1040:00/uuids/current_uuid"))
	assert.Equal(t, "10", f.get("bus/pci/devices/0000:00:04.0/tcc_offset_degree_celsius"))
}

func TestApplyUnknownIDKeepsEarlierDomains(t *testing.T) {
	f := newFakeTree(t)
	f.populate()

	snap, err := newTestSystem(f).Read()
	require.NoError(t, err)

	cfg := Config{
		Rapl: []RaplZoneConfig{{
			Name:        "package-0",
			Constraints: []RaplConstraintConfig{{ID: 1, PowerLimit: ptr(uint64(30000000))}},
		}},
		Pstate: &PstateConfig{CPUs: []PstateCPUConfig{{IDs: []int{0, 7}, Governor: ptr("performance")}}},
		GPUs:   []GPUConfig{{ID: 1, MaxFreq: ptr(uint64(300))}},
	}

	err = cfg.Apply(snap)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrHardwareNotFound))
	assert.Contains(t, err.Error(), "cpu with id 7")

	assert.Equal(t, uint64(30000000), snap.Rapl[0].Constraints[1].PowerLimit, "rapl was patched before the failure")
	assert.Equal(t, "performance", snap.Pstate.CPUs[0].Governor, "cpu 0 was patched before the failure")
	assert.Equal(t, uint64(1300), snap.GPUs[0].MaxFreq, "gpus come after the failure")
}

func TestApplyLookupErrors(t *testing.T) {
	f := newFakeTree(t)
	f.populate()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown zone", Config{Rapl: []RaplZoneConfig{{Name: "psys"}}}},
		{"unknown constraint", Config{Rapl: []RaplZoneConfig{{Name: "package-0", Constraints: []RaplConstraintConfig{{ID: 4}}}}}},
		{"unknown subzone", Config{Rapl: []RaplZoneConfig{{Name: "package-0", Subzones: []RaplZoneConfig{{Name: "uncore"}}}}}},
		{"unknown gpu", Config{GPUs: []GPUConfig{{ID: 0}}}},
		{"unknown cooling choice", Config{Cooling: ptr("quiet")}},
		{"unknown dptf uuid", Config{Dptf: &DptfConfig{UUID: ptr("nope")}}},
		{"absent msr", Config{Pstate: &PstateConfig{C1E: ptr(true)}}},
		{"absent nvidia", Config{Nvidia: []NvidiaConfig{{Index: 0}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := newTestSystem(f).Read()
			require.NoError(t, err)

			err = tt.cfg.Apply(snap)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrHardwareNotFound))
		})
	}
}

func TestApplyIdempotent(t *testing.T) {
	f := newFakeTree(t)
	f.populate()
	sys := newTestSystem(f)

	cfg := Config{
		Pstate:  &PstateConfig{CPUs: []PstateCPUConfig{{IDs: []int{0}, MinFreq: ptr(uint64(800000))}}},
		Cooling: ptr("performance"),
	}

	applyOnce := func() *Snapshot {
		snap, err := sys.Read()
		require.NoError(t, err)
		require.NoError(t, cfg.Apply(snap))
		require.NoError(t, sys.Write(snap))
		after, err := sys.Read()
		require.NoError(t, err)
		return after
	}

	assert.Equal(t, applyOnce(), applyOnce())
}

func TestConfigFromReproducesSnapshot(t *testing.T) {
	f := newFakeTree(t)
	f.populate()
	sys := newTestSystem(f)

	original, err := sys.Read()
	require.NoError(t, err)
	dump := ConfigFrom(original)

	modified, err := sys.Read()
	require.NoError(t, err)
	require.NoError(t, (&Config{
		Pstate:  &PstateConfig{CPUs: []PstateCPUConfig{{IDs: []int{0, 1}, Governor: ptr("performance")}}},
		Cooling: ptr("performance"),
	}).Apply(modified))

	require.NoError(t, dump.Apply(modified))
	assert.Equal(t, original, modified)
}

type rangeFS struct {
	values map[string]uint64
	writes []string
}

// Write rejects a minimum above the current maximum and a maximum below the
// current minimum, like cpufreq and i915 do.
func (r *rangeFS) Write(rel string, v any) error {
	val := v.(uint64)
	switch rel {
	case "min":
		if val > r.values["max"] {
			return errors.New().New(errors.ErrSysfsWrite)
		}
	case "max":
		if val < r.values["min"] {
			return errors.New().New(errors.ErrSysfsWrite)
		}
	}
	r.values[rel] = val
	r.writes = append(r.writes, rel)
	return nil
}

func TestWriteRange(t *testing.T) {
	tests := []struct {
		name       string
		min, max   uint64
		wantWrites []string
	}{
		{"lowering", 100, 200, []string{"min", "max"}},
		{"raising above current max", 1500, 2000, []string{"max", "min", "max"}},
		{"shrinking", 500, 600, []string{"min", "max"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &rangeFS{values: map[string]uint64{"min": 300, "max": 1000}}
			require.NoError(t, writeRange(fs, "min", tt.min, "max", tt.max))
			assert.Equal(t, tt.min, fs.values["min"])
			assert.Equal(t, tt.max, fs.values["max"])
			assert.Equal(t, tt.wantWrites, fs.writes)
		})
	}

	fs := &rangeFS{values: map[string]uint64{"min": 300, "max": 1000}}
	require.Error(t, writeRange(fs, "min", 900, "max", 800), "an inverted range is rejected")
}

type fakeNvidia struct {
	gpus []NvidiaGPU
	set  map[int]PowerLimit
}

func (f *fakeNvidia) Devices() ([]NvidiaGPU, error) {
	return append([]NvidiaGPU(nil), f.gpus...), nil
}

func (f *fakeNvidia) SetPowerLimit(index int, limit PowerLimit) error {
	f.set[index] = limit
	return nil
}

func (f *fakeNvidia) Shutdown() error {
	return nil
}

func TestNvidiaDomain(t *testing.T) {
	nv := &fakeNvidia{
		gpus: []NvidiaGPU{{Index: 0, Name: "RTX 4070", Limit: 200, Limits: PowerLimits{Min: 100, Max: 220, Default: 200}}},
		set:  map[int]PowerLimit{},
	}
	sys := &System{fs: newTestSystem(newFakeTree(t)).fs, msr: msr.New(t.TempDir()), nvidia: nv}

	snap, err := sys.Read()
	require.NoError(t, err)
	require.Len(t, snap.Nvidia, 1)

	err = (&Config{Nvidia: []NvidiaConfig{{Index: 0, PowerLimit: ptr(PowerLimit(300))}}}).Apply(snap)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	require.NoError(t, (&Config{Nvidia: []NvidiaConfig{{Index: 0, PowerLimit: ptr(PowerLimit(150))}}}).Apply(snap))
	require.NoError(t, sys.Write(snap))
	assert.Equal(t, PowerLimit(150), nv.set[0])

	assert.Contains(t, snap.String(), `NVIDIA GPU 0 "RTX 4070" (100-220W, 200W default): 150W power limit`)
}

func fakeMsrDevice(t *testing.T, cpus int, regs map[msr.Register]uint64) string {
	t.Helper()
	root := t.TempDir()
	for cpu := 0; cpu < cpus; cpu++ {
		dir := filepath.Join(root, strconv.Itoa(cpu))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		data := make([]byte, 0x800)
		for reg, val := range regs {
			binary.LittleEndian.PutUint64(data[reg:], val)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "msr"), data, 0o644))
	}
	return root
}

func TestPstateMsr(t *testing.T) {
	f := newFakeTree(t)
	f.populate()
	msrRoot := fakeMsrDevice(t, 2, map[msr.Register]uint64{
		msr.PowerCtl:         0b10,
		msr.ConfigTdpControl: 0x1,
	})
	sys := New(Options{SysfsRoot: f.root, MsrRoot: msrRoot})

	snap, err := sys.Read()
	require.NoError(t, err)
	require.NotNil(t, snap.Pstate.Msr)
	assert.True(t, snap.Pstate.Msr.C1E)
	assert.Equal(t, uint64(1), snap.Pstate.Msr.TdpLevel)
	assert.False(t, snap.Pstate.Msr.TdpLocked)

	require.NoError(t, (&Config{Pstate: &PstateConfig{C1E: ptr(false), TdpLevel: ptr(uint64(2))}}).Apply(snap))
	require.NoError(t, sys.Write(snap))

	dev := msr.New(msrRoot)
	for cpu := 0; cpu < 2; cpu++ {
		powerCtl, err := dev.Read(cpu, msr.PowerCtl)
		require.NoError(t, err)
		assert.False(t, msr.Bit(powerCtl, c1eBit))

		tdp, err := dev.Read(cpu, msr.ConfigTdpControl)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), tdp)
	}

	err = (&Config{Pstate: &PstateConfig{TdpLevel: ptr(uint64(3))}}).Apply(snap)
	require.Error(t, err)
}

func TestPstateMsrLockedTdp(t *testing.T) {
	f := newFakeTree(t)
	f.populate()
	msrRoot := fakeMsrDevice(t, 2, map[msr.Register]uint64{
		msr.ConfigTdpControl: 1<<31 | 0x1,
	})

	snap, err := New(Options{SysfsRoot: f.root, MsrRoot: msrRoot}).Read()
	require.NoError(t, err)
	require.NotNil(t, snap.Pstate.Msr)
	assert.True(t, snap.Pstate.Msr.TdpLocked)

	require.NoError(t, (&Config{Pstate: &PstateConfig{TdpLevel: ptr(uint64(1))}}).Apply(snap), "same level is accepted")
	require.Error(t, (&Config{Pstate: &PstateConfig{TdpLevel: ptr(uint64(0))}}).Apply(snap))
}

func TestDecodeThrottle(t *testing.T) {
	tests := []struct {
		target ThrottleTarget
		val    uint64
		want   string
	}{
		{ThrottleCPU, 0, "CPU throttle reasons: None"},
		{ThrottleCPU, 1<<0 | 1<<10 | 1<<13, "CPU throttle reasons: PROCHOT, PL1, Turbo transition attenuation"},
		{ThrottleCPU, 1 << 4, "CPU throttle reasons: Residency state regulation limit"},
		{ThrottleRing, 1<<4 | 1<<11, "Ring throttle reasons: PL2"},
		{ThrottleGPU, 1<<1 | 1<<12, "GPU throttle reasons: Thermal event\nGPU operating below target frequency"},
		{ThrottleGPU, 1 << 8, "GPU throttle reasons: Other/electrical/EDP"},
	}

	for _, tt := range tests {
		got, err := DecodeThrottle(tt.target, tt.val)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := DecodeThrottle("Uncore", 0)
	require.Error(t, err)
}

func TestThrottle(t *testing.T) {
	msrRoot := fakeMsrDevice(t, 1, map[msr.Register]uint64{
		msr.CPUPerfLimitReasons: 1 << 11,
	})
	sys := New(Options{SysfsRoot: t.TempDir(), MsrRoot: msrRoot})

	got, err := sys.Throttle(ThrottleCPU)
	require.NoError(t, err)
	assert.Equal(t, "CPU throttle reasons: PL2", got)

	_, err = New(Options{SysfsRoot: t.TempDir(), MsrRoot: t.TempDir()}).Throttle(ThrottleRing)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrMsrRead))
}

func TestParseThrottleTarget(t *testing.T) {
	target, err := ParseThrottleTarget("gpu")
	require.NoError(t, err)
	assert.Equal(t, ThrottleGPU, target)

	_, err = ParseThrottleTarget("fan")
	require.Error(t, err)
}

func TestSnapshotString(t *testing.T) {
	f := newFakeTree(t)
	f.populate()

	snap, err := newTestSystem(f).Read()
	require.NoError(t, err)

	out := snap.String()
	assert.Contains(t, out, `Zone "package-0": 2 constraints, 1 subzones`)
	assert.Contains(t, out, `Constraint "long_term": 28W over a time window of 27.983872s`)
	assert.Contains(t, out, `Constraint "short_term": 64W over no time window`)
	assert.Contains(t, out, "Set of 2 CPUs: turbo enabled")
	assert.Contains(t, out, `CPU 0 (400-4700MHz, 2100MHz without turbo): "powersave" governor, "balance_performance" epp, 400-4700MHz -- currently at 1200MHz`)
	assert.Contains(t, out, "GPU 1 (100-1300MHz, 350MHz efficient): 100-1300MHz -- currently at 0MHz")
	assert.Contains(t, out, `Cooling profile "balanced"`)
	assert.Contains(t, out, "tcc offset: 5degC")
}

func TestSnapshotStringOmitsAbsentPstate(t *testing.T) {
	snap := &Snapshot{Cooling: &CoolingProfile{Profile: "performance"}}
	assert.Equal(t, `Cooling profile "performance"`, snap.String())

	assert.Empty(t, (&Snapshot{}).String())
}
