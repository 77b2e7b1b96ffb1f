package mqtt

import "strings"

// Topic roots.
const (
	// TopicPrefix is the root of every topic HomeDash publishes.
	TopicPrefix = "homedash"

	// TopicPrefixSystem carries process status.
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for HomeDash MQTT topics.
//
//	topics := mqtt.Topics{}
//	cmd := topics.DeviceCommand("switch.garage_fan")
//	// Returns: "homedash/command/switch.garage_fan"
type Topics struct{}

// DeviceCommand is where commands for a locally controlled device go.
//
// Example: homedash/command/switch.garage_fan
func (Topics) DeviceCommand(entityID string) string {
	return TopicPrefix + "/command/" + entityID
}

// AutomationFired carries a summary of each automation run.
//
// Example: homedash/automation/12/fired
func (Topics) AutomationFired(automationID string) string {
	return TopicPrefix + "/automation/" + automationID + "/fired"
}

// SystemStatus is the retained online/offline status topic, also used as
// the Last Will topic.
//
// Example: homedash/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ZWaveNode is where a Z-Wave gateway publishes events for one node,
// under the configured prefix.
//
// Example: zwave/sensor.hall_motion
func (Topics) ZWaveNode(prefix, entityID string) string {
	return strings.TrimRight(prefix, "/") + "/" + entityID
}

// ZWaveEntity extracts the entity ID from a ZWaveNode topic. ok is false
// when topic is not under prefix.
func (Topics) ZWaveEntity(prefix, topic string) (entityID string, ok bool) {
	root := strings.TrimRight(prefix, "/") + "/"
	if !strings.HasPrefix(topic, root) || len(topic) == len(root) {
		return "", false
	}
	return topic[len(root):], true
}

// AllDeviceCommands matches every local device command.
//
// Pattern: homedash/command/#
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/#"
}

// Matches reports whether topic matches an MQTT subscription filter,
// honouring the + and # wildcards.
func Matches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
