package oui

import "strings"

// Device type hints returned by ClassifyByManufacturer.
const (
	DeviceTypeCamera      = "camera"
	DeviceTypeAccessPoint = "access_point"
	DeviceTypeRouter      = "router"
	DeviceTypeSwitch      = "switch"
	DeviceTypeNAS         = "nas"
	DeviceTypeIoT         = "iot"
	DeviceTypeVirtual     = "virtual"
	DeviceTypeDesktop     = "desktop"
	DeviceTypeUnknown     = "unknown"
)

// classificationRule maps a set of manufacturer name patterns to a device type.
type classificationRule struct {
	deviceType string
	patterns   []string
}

// classificationRules are matched case-insensitively with strings.Contains.
// The first matching rule wins, so the camera vendors that dominate PoE
// ports come before the broad networking and desktop patterns.
var classificationRules = []classificationRule{
	{DeviceTypeCamera, []string{
		"(camera)", "axis communications", "bosch security", "geovision",
		"hanwha", "wisenet", "hikvision", "dahua", "vcs video", "speco",
		"reolink", "amcrest",
	}},
	{DeviceTypeAccessPoint, []string{
		"ubiquiti", "ruckus", "aruba",
	}},
	{DeviceTypeRouter, []string{
		"cisco", "netgear", "tp-link", "mikrotik",
	}},
	{DeviceTypeNAS, []string{
		"synology", "qnap",
	}},
	{DeviceTypeVirtual, []string{
		"vmware", "virtualbox", "hyper-v", "parallels",
	}},
	{DeviceTypeIoT, []string{
		"raspberry pi", "espressif", "atheros",
	}},
	{DeviceTypeDesktop, []string{
		"apple", "intel corporate", "dell", "lenovo",
	}},
}

// ClassifyByManufacturer returns a device type hint for a manufacturer name
// from Lookup. Returns DeviceTypeUnknown if no rule matches.
func ClassifyByManufacturer(manufacturer string) string {
	if manufacturer == "" || manufacturer == Unknown {
		return DeviceTypeUnknown
	}

	lower := strings.ToLower(manufacturer)
	for i := range classificationRules {
		for _, pattern := range classificationRules[i].patterns {
			if strings.Contains(lower, pattern) {
				return classificationRules[i].deviceType
			}
		}
	}
	return DeviceTypeUnknown
}
