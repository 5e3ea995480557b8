package meter

import (
	"encoding/json"
	"fmt"
)

// DeviceInfo holds the stable identifiers of one physical meter.
// Created once during hardware identification; immutable afterward.
// Endpoints reference it for discovery-payload enrichment.
type DeviceInfo struct {
	// LFDI is the meter's Long-Form Device Identifier.
	LFDI string

	// Name is the display name, including the LFDI suffix.
	Name string

	// Model is the manufacturer id reported by the meter.
	Model string

	// SWVersion is the firmware version reported by the meter.
	SWVersion string
}

// block returns the "device" object merged into every discovery payload.
func (d DeviceInfo) block() map[string]any {
	return map[string]any{
		"identifiers": []string{d.LFDI},
		"name":        d.Name,
		"model":       d.Model,
		"sw_version":  d.SWVersion,
	}
}

// discoveryConfig is one retained (topic, payload) discovery pair.
type discoveryConfig struct {
	topic      string
	stateTopic string
	payload    []byte
}

// buildSensorConfig produces the discovery config for a single leaf
// sensor. The payload carries the schema's passthrough entity fields
// plus name, unique_id, state_topic, and the device identity block.
func buildSensorConfig(namer TopicNamer, device DeviceInfo, meterName, sensorName string, entity EntityMeta) (discoveryConfig, error) {
	stateTopic := namer.StateTopic(entity.Type, meterName, sensorName)

	payload := make(map[string]any, len(entity.Extra)+4)
	for k, v := range entity.Extra {
		payload[k] = v
	}
	payload["name"] = meterName + " " + sensorName
	payload["unique_id"] = UniqueID(device.LFDI, entity.Type, sensorName)
	payload["state_topic"] = stateTopic
	payload["device"] = device.block()

	data, err := json.Marshal(payload)
	if err != nil {
		return discoveryConfig{}, fmt.Errorf("encoding discovery payload for %s: %w", sensorName, err)
	}

	return discoveryConfig{
		topic:      namer.ConfigTopic(entity.Type, meterName, sensorName),
		stateTopic: stateTopic,
		payload:    data,
	}, nil
}

// buildDeviceConfig produces the meter's own retained discovery config,
// published before any endpoint is constructed.
func buildDeviceConfig(namer TopicNamer, device DeviceInfo) (discoveryConfig, error) {
	topic := namer.DeviceTopic(device.Name)

	payload := map[string]any{
		"name":         device.Name,
		"device_class": "energy",
		"state_topic":  topic,
		"unique_id":    device.LFDI,
		"device":       device.block(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return discoveryConfig{}, fmt.Errorf("encoding device discovery payload: %w", err)
	}

	return discoveryConfig{topic: topic, stateTopic: topic, payload: data}, nil
}
