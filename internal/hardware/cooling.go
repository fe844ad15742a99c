package hardware

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/powerd/internal/errors"
	"codeberg.org/mutker/powerd/internal/sysfs"
)

const (
	platformProfilePath    = "firmware/acpi/platform_profile"
	platformProfileChoices = "firmware/acpi/platform_profile_choices"
)

// CoolingProfile is the ACPI platform profile selected in firmware.
type CoolingProfile struct {
	Profile string
	Choices []string
}

func readCooling(fs sysfs.FS) (*CoolingProfile, error) {
	exists, err := fs.Exists(platformProfilePath)
	if err != nil || !exists {
		return nil, err
	}

	profile, err := fs.ReadString(platformProfilePath)
	if err != nil {
		return nil, err
	}

	cooling := &CoolingProfile{Profile: profile}
	if choices, err := fs.ReadString(platformProfileChoices); err == nil {
		cooling.Choices = strings.Fields(choices)
	}

	return cooling, nil
}

func (c *CoolingProfile) write(fs sysfs.FS) error {
	return fs.Write(platformProfilePath, c.Profile)
}

func (c CoolingProfile) String() string {
	return fmt.Sprintf("Cooling profile %q", c.Profile)
}

func applyCooling(profile string, info *CoolingProfile) error {
	errFactory := errors.New()

	if info == nil {
		return errFactory.WithMessage(errors.ErrHardwareNotFound, "failed to find platform profile")
	}

	if len(info.Choices) > 0 {
		found := false
		for _, choice := range info.Choices {
			if choice == profile {
				found = true
				break
			}
		}
		if !found {
			return errFactory.WithMessage(errors.ErrHardwareNotFound,
				fmt.Sprintf("failed to find cooling profile %q, available: %s", profile, strings.Join(info.Choices, ", ")))
		}
	}

	info.Profile = profile
	return nil
}
