package mqtt

import (
	"github.com/magicstartrace/micloud-bridge/internal/buildinfo"
	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across the MQTT discovery config payloads of one device. All
// entities of a phone reference the same device block so HA groups
// them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// TrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message. The tracker carries no state topic; HA derives
// the position from the latitude/longitude attributes.
type TrackerConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic"`
	Device              DeviceInfo `json:"device"`
	SourceType          string     `json:"source_type"`
	Icon                string     `json:"icon,omitempty"`
}

// BridgeDeviceInfo creates the hub device block. The instance ID is
// the primary HA device identifier (stable across renames); the device
// name appears in the HA UI.
func BridgeDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "MagicStarTrace",
		Model:        "Mi Cloud Bridge",
		SWVersion:    buildinfo.Version,
	}
}

// PhoneDeviceInfo creates the device block for one tracked phone,
// linked to the bridge through via_device.
func PhoneDeviceInfo(instanceID string, snap micloud.Snapshot) DeviceInfo {
	name := snap.Model
	if name == "" {
		name = snap.IMEI
	}
	return DeviceInfo{
		Identifiers:  []string{"micloud-" + snap.IMEI},
		Name:         name,
		Manufacturer: "Xiaomi",
		Model:        snap.Model,
		SWVersion:    snap.Version,
		ViaDevice:    instanceID,
	}
}
