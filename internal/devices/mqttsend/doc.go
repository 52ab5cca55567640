// Package mqttsend is a device adapter that drives MQTT subscribers from the
// timeline.
//
// Each mapped layer carries one retained or transient message. The device
// state is the set of messages that should currently be on the wire; a
// transition publishes the messages that were added or changed and, for
// layers that went away, an optional clear payload.
//
// # Timeline Content
//
//	{
//	  "topic":        "studio/tally/cam1",  // relative to the topic prefix
//	  "payload":      "on",                 // string as-is, anything else as JSON
//	  "qos":          1,                    // optional, 0-2
//	  "retain":       true,                 // optional
//	  "clearPayload": "off"                 // optional, sent when the layer empties
//	}
//
// The topic prefix defaults to tsr/device/{deviceID} and can be overridden
// per layer with the mapping option "topicPrefix".
package mqttsend
