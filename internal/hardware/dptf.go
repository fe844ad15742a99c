package hardware

import (
	"fmt"
	"path"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

const (
	dptfDriverRoot = "bus/platform/drivers/int3400 thermal"
	tccOffsetPath  = "bus/pci/devices/0000:00:04.0/tcc_offset_degree_celsius"
)

var dptfDevices = []string{
	"INT3400:00",
	"INTC1040:00",
	"INTC1041:00",
	"INTC10A0:00",
	"INTC1042:00",
	"INTC1068:00",
	"INTC10D4:00",
}

// Dptf is the Intel Dynamic Platform and Thermal Framework policy selection
// plus the thermal control circuit offset.
type Dptf struct {
	Device    string
	UUID      string
	UUIDs     []string
	TccOffset *uint64
}

type DptfConfig struct {
	UUID      *string `json:"uuid,omitempty"`
	TccOffset *uint64 `json:"tcc_offset,omitempty"`
}

func readDptf(fs sysfs.FS) (*Dptf, error) {
	var device string
	for _, name := range dptfDevices {
		candidate := path.Join(dptfDriverRoot, name)
		exists, err := fs.Exists(candidate)
		if err != nil {
			return nil, err
		}
		if exists {
			device = candidate
			break
		}
	}
	if device == "" {
		return nil, nil
	}

	uuid, err := fs.ReadString(path.Join(device, "uuids/current_uuid"))
	if err != nil {
		return nil, err
	}
	available, err := fs.ReadString(path.Join(device, "uuids/available_uuids"))
	if err != nil {
		return nil, err
	}

	info := &Dptf{
		Device: device,
		UUID:   uuid,
		UUIDs:  strings.Fields(available),
	}

	if ok, err := fs.Exists(tccOffsetPath); err != nil {
		return nil, err
	} else if ok {
		offset, err := fs.ReadUint(tccOffsetPath)
		if err != nil {
			return nil, err
		}
		info.TccOffset = &offset
	}

	return info, nil
}

func (d *Dptf) write(fs sysfs.FS) error {
	if err := fs.Write(path.Join(d.Device, "uuids/current_uuid"), d.UUID); err != nil {
		return err
	}
	if d.TccOffset != nil {
		return fs.Write(tccOffsetPath, *d.TccOffset)
	}
	return nil
}

func (d Dptf) String() string {
	var b strings.Builder
	b.WriteString("DPTF:\n")
	if d.TccOffset != nil {
		fmt.Fprintf(&b, "tcc offset: %ddegC\n", *d.TccOffset)
	}
	fmt.Fprintf(&b, "available uuids: %q\n", d.UUIDs)
	fmt.Fprintf(&b, "current uuid: %q", d.UUID)
	return b.String()
}

func (cfg *DptfConfig) apply(info *Dptf) error {
	errFactory := errors.New()

	if info == nil {
		return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find intxx device")
	}

	if cfg.UUID != nil {
		found := len(info.UUIDs) == 0
		for _, uuid := range info.UUIDs {
			if uuid == *cfg.UUID {
				found = true
				break
			}
		}
		if !found {
			return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find dptf uuid "+*cfg.UUID)
		}
		info.UUID = *cfg.UUID
	}

	if cfg.TccOffset != nil {
		if info.TccOffset == nil {
			return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find tcc offset control")
		}
		offset := *cfg.TccOffset
		info.TccOffset = &offset
	}

	return nil
}

func dptfConfigFrom(info Dptf) *DptfConfig {
	uuid := info.UUID
	cfg := &DptfConfig{UUID: &uuid}
	if info.TccOffset != nil {
		offset := *info.TccOffset
		cfg.TccOffset = &offset
	}
	return cfg
}
