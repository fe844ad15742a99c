package hardware

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

const drmRoot = "class/drm"

var cardPattern = regexp.MustCompile(`^card(\d+)$`)

// IntelGPU holds the render clock range of an i915 card. Frequencies are in
// MHz.
type IntelGPU struct {
	ID          int
	HWMinFreq   uint64
	HWMaxFreq   uint64
	HWEffFreq   uint64
	CurrentFreq uint64

	MinFreq uint64
	MaxFreq uint64
}

type GPUConfig struct {
	ID      int     `json:"id"`
	MinFreq *uint64 `json:"min_freq,omitempty"`
	MaxFreq *uint64 `json:"max_freq,omitempty"`
}

func cardPath(id int) string {
	return path.Join(drmRoot, "card"+strconv.Itoa(id))
}

func readIntelGPUs(fs sysfs.FS) ([]IntelGPU, error) {
	exists, err := fs.Exists(drmRoot)
	if err != nil || !exists {
		return nil, err
	}

	names, err := fs.List(drmRoot)
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, name := range names {
		m := cardPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		// Only i915/xe cards expose the GT frequency attributes.
		if ok, err := fs.Exists(path.Join(cardPath(id), "gt_RP0_freq_mhz")); err != nil {
			return nil, err
		} else if ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	gpus := make([]IntelGPU, 0, len(ids))
	for _, id := range ids {
		gpu, err := readIntelGPU(fs, id)
		if err != nil {
			return nil, err
		}
		gpus = append(gpus, gpu)
	}

	return gpus, nil
}

func readIntelGPU(fs sysfs.FS, id int) (IntelGPU, error) {
	root := cardPath(id)
	gpu := IntelGPU{ID: id}

	attrs := []struct {
		name string
		dst  *uint64
	}{
		{"gt_RPn_freq_mhz", &gpu.HWMinFreq},
		{"gt_RP1_freq_mhz", &gpu.HWEffFreq},
		{"gt_RP0_freq_mhz", &gpu.HWMaxFreq},
		{"gt_act_freq_mhz", &gpu.CurrentFreq},
		{"gt_min_freq_mhz", &gpu.MinFreq},
		{"gt_max_freq_mhz", &gpu.MaxFreq},
	}
	for _, attr := range attrs {
		v, err := fs.ReadUint(path.Join(root, attr.name))
		if err != nil {
			return IntelGPU{}, err
		}
		*attr.dst = v
	}

	return gpu, nil
}

func (g *IntelGPU) write(fs sysfs.FS) error {
	root := cardPath(g.ID)
	return writeRange(fs,
		path.Join(root, "gt_min_freq_mhz"), g.MinFreq,
		path.Join(root, "gt_max_freq_mhz"), g.MaxFreq,
	)
}

func (g IntelGPU) String() string {
	return fmt.Sprintf("GPU %d (%d-%dMHz, %dMHz efficient): %d-%dMHz -- currently at %dMHz",
		g.ID, g.HWMinFreq, g.HWMaxFreq, g.HWEffFreq, g.MinFreq, g.MaxFreq, g.CurrentFreq)
}

func (cfg GPUConfig) apply(gpus []IntelGPU) error {
	for i := range gpus {
		if gpus[i].ID != cfg.ID {
			continue
		}
		if cfg.MinFreq != nil {
			gpus[i].MinFreq = *cfg.MinFreq
		}
		if cfg.MaxFreq != nil {
			gpus[i].MaxFreq = *cfg.MaxFreq
		}
		return nil
	}

	return errors.New().WithMessage(errors.ErrHardwareNotFound, fmt.Sprintf("failed to find gpu with id %d", cfg.ID))
}

func gpuConfigFrom(gpu IntelGPU) GPUConfig {
	minFreq, maxFreq := gpu.MinFreq, gpu.MaxFreq
	return GPUConfig{ID: gpu.ID, MinFreq: &minFreq, MaxFreq: &maxFreq}
}
