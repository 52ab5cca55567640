package mqtt

import "fmt"

// Topic prefixes for the tsrd MQTT hierarchy.
//
//	tsr/timeline/{state,clear}           ingress from the playout gateway
//	tsr/device/{device_id}/...           output of mqttsend devices
//	tsr/event/{device_id}/{kind}         device events (errors, slow commands)
//	tsr/system/{status,health}           daemon liveness
const (
	// TopicPrefix is the base for all tsrd topics.
	TopicPrefix = "tsr"

	// TopicPrefixTimeline is the base for timeline ingress topics.
	TopicPrefixTimeline = "tsr/timeline"

	// TopicPrefixDevice is the base for device output topics.
	TopicPrefixDevice = "tsr/device"

	// TopicPrefixEvent is the base for device event topics.
	TopicPrefixEvent = "tsr/event"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "tsr/system"
)

// Topics provides builders for tsrd MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceOutput("lights0", "dmx/1")
//	// Returns: "tsr/device/lights0/dmx/1"
type Topics struct{}

// TimelineState is where resolved timeline states arrive.
//
// Example: tsr/timeline/state
func (Topics) TimelineState() string {
	return TopicPrefixTimeline + "/state"
}

// TimelineClear is where clear-future requests arrive.
//
// Example: tsr/timeline/clear
func (Topics) TimelineClear() string {
	return TopicPrefixTimeline + "/clear"
}

// DeviceOutput returns the topic an mqttsend device publishes a command to.
// A leading slash in sub is ignored.
//
// Example: tsr/device/lights0/dmx/1
func (Topics) DeviceOutput(deviceID, sub string) string {
	for len(sub) > 0 && sub[0] == '/' {
		sub = sub[1:]
	}
	if sub == "" {
		return fmt.Sprintf("%s/%s", TopicPrefixDevice, deviceID)
	}
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevice, deviceID, sub)
}

// DeviceEvent returns the topic for a device event.
//
// Example: tsr/event/lights0/error
func (Topics) DeviceEvent(deviceID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixEvent, deviceID, kind)
}

// SystemStatus returns the retained online/offline topic.
//
// Example: tsr/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// SystemHealth returns the periodic health topic.
//
// Example: tsr/system/health
func (Topics) SystemHealth() string {
	return TopicPrefixSystem + "/health"
}

// AllDeviceEvents matches every device event.
//
// Pattern: tsr/event/+/+
func (Topics) AllDeviceEvents() string {
	return TopicPrefixEvent + "/+/+"
}

// AllTimeline matches every timeline ingress topic.
//
// Pattern: tsr/timeline/+
func (Topics) AllTimeline() string {
	return TopicPrefixTimeline + "/+"
}

// AllTopics returns a pattern matching all tsrd topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: tsr/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
