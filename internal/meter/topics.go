package meter

import "strings"

// Topic path segments.
const (
	stateSuffix  = "state"
	configSuffix = "config"
	deviceKind   = "device/energy"
)

// TopicNamer composes MQTT topic strings for discovery and state
// publishes. Pure and deterministic: identical inputs always produce
// byte-identical topics.
type TopicNamer struct {
	prefix string
}

// NewTopicNamer returns a namer for the given topic prefix.
// A trailing slash on the prefix is stripped before composition.
func NewTopicNamer(prefix string) TopicNamer {
	return TopicNamer{prefix: strings.TrimSuffix(prefix, "/")}
}

// StateTopic returns the topic carrying a sensor's live value:
// {prefix}/{entity_kind}/{meter_name}/{sensor_name}/state.
func (n TopicNamer) StateTopic(entityType, meterName, sensorName string) string {
	return n.prefix + "/" + entityType + "/" + SanitizeName(meterName) + "/" + sensorName + "/" + stateSuffix
}

// ConfigTopic returns the retained discovery topic for a sensor:
// {prefix}/{entity_kind}/{meter_name}/{sensor_name}/config.
func (n TopicNamer) ConfigTopic(entityType, meterName, sensorName string) string {
	return n.prefix + "/" + entityType + "/" + SanitizeName(meterName) + "/" + sensorName + "/" + configSuffix
}

// DeviceTopic returns the device-level discovery topic for a meter.
func (n TopicNamer) DeviceTopic(meterName string) string {
	return n.prefix + "/" + deviceKind + "/" + SanitizeName(meterName)
}

// UniqueID builds the discovery unique_id field: the device unique
// identifier, entity kind, and sensor name lower-cased and
// underscore-joined.
func UniqueID(lfdi, entityType, sensorName string) string {
	id := lfdi + "_" + entityType + "_" + sensorName
	return strings.ToLower(strings.ReplaceAll(id, " ", "_"))
}

// SanitizeName converts a display name into a topic-safe segment:
// lower-cased, spaces replaced with underscores, and every other
// character outside [a-z0-9_-] dropped.
//
// "Meter A (123)" becomes "meter_a_123".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
