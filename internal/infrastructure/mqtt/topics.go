package mqtt

import "strings"

// Topic prefixes.
const (
	// TopicPrefix is the root of every NOC Core topic.
	TopicPrefix = "noc"

	// TopicEventsStatus is where monitoring systems publish device status
	// events. The payload matches the status webhook body.
	TopicEventsStatus = TopicPrefix + "/events/status"
)

// Topics builds NOC Core topic names.
//
//	topics := mqtt.Topics{}
//	topics.DeviceStatus("NODO PICHIL") // "noc/status/NODO_PICHIL"
type Topics struct{}

// EventsStatus returns the inbound status event topic.
func (Topics) EventsStatus() string {
	return TopicEventsStatus
}

// IncidentCreated returns the topic for newly opened incidents.
func (Topics) IncidentCreated() string {
	return TopicPrefix + "/incidents/created"
}

// IncidentClosed returns the topic for closed incidents.
func (Topics) IncidentClosed() string {
	return TopicPrefix + "/incidents/closed"
}

// DeviceStatus returns the retained status topic of one device.
func (Topics) DeviceStatus(device string) string {
	return TopicPrefix + "/status/" + topicSegment(device)
}

// AllDeviceStatus matches every device status topic.
func (Topics) AllDeviceStatus() string {
	return TopicPrefix + "/status/+"
}

// SystemStatus returns the service online/offline topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// topicSegment makes a device name safe as one topic level: spaces become
// underscores and MQTT wildcard or separator characters are replaced.
func topicSegment(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '+', '#':
			return '_'
		case 0:
			return -1
		}
		return r
	}, name)
}
