// Package timeline defines the contract between the external timeline
// resolver and the device pipelines.
//
// The resolver flattens overlapping timed objects into a State (what every
// layer should be doing at one instant) and ships it together with the
// Mappings table that routes layers to devices. Nothing in this repository
// resolves timelines; these types are only consumed.
//
// # Wire Format
//
// States travel as JSON with the time in epoch milliseconds:
//
//	{
//	  "state": {"time": 1700000000000, "layers": {"gfx": {"id": "obj1", "content": {...}}}},
//	  "mappings": {"gfx": {"deviceId": "caspar0", "options": {...}}}
//	}
package timeline
