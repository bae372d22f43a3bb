package mqtt

import (
	"github.com/nugget/matomo-bridge/internal/buildinfo"
	"github.com/nugget/matomo-bridge/internal/sensor"
)

// DeviceInfo is the HA device registry block. All entities of one
// config entry share it so HA groups them under one device page.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	SWVersion        string   `json:"sw_version"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// SensorConfig is the retained discovery payload for one sensor.
type SensorConfig struct {
	Name              string         `json:"name"`
	ObjectID          string         `json:"object_id,omitempty"`
	HasEntityName     bool           `json:"has_entity_name,omitempty"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	Availability      []Availability `json:"availability"`
	AvailabilityMode  string         `json:"availability_mode"`
	Device            DeviceInfo     `json:"device"`
	Icon              string         `json:"icon,omitempty"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	StateClass        string         `json:"state_class,omitempty"`
	ValueTemplate     string         `json:"value_template,omitempty"`
}

// NewDeviceInfo builds the device block for a config entry. The entry
// ID is the identifier, so renaming the site in Matomo does not create
// a second device.
func NewDeviceInfo(owner sensor.Owner, baseURL string) DeviceInfo {
	return DeviceInfo{
		Identifiers:      []string{"matomo_" + owner.EntryID},
		Name:             owner.DeviceName(),
		Manufacturer:     "Matomo",
		Model:            "Matomo Analytics",
		SWVersion:        buildinfo.Version,
		ConfigurationURL: baseURL,
	}
}
