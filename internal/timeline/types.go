package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// State is a point-in-time flattening of the timeline: what every layer
// should be doing at Time.
type State struct {
	Time   time.Time                 `json:"-"`
	Layers map[string]ResolvedObject `json:"layers"`
}

// ResolvedObject is the object occupying a layer once the timeline is resolved.
type ResolvedObject struct {
	// ID is the timeline object id, carried into command contexts.
	ID string `json:"id"`

	// Layer is the layer the object was resolved onto.
	Layer string `json:"layer"`

	// Content is the device-specific payload of the object.
	Content map[string]any `json:"content,omitempty"`

	// IsLookahead marks objects placed on a layer ahead of their time.
	IsLookahead bool `json:"isLookahead,omitempty"`
}

// Mapping routes a layer to a device.
type Mapping struct {
	DeviceID   string         `json:"deviceId"`
	DeviceType string         `json:"deviceType,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Mappings is the layer → device routing table.
type Mappings map[string]Mapping

// stateJSON is the wire form of State; time travels as epoch milliseconds.
type stateJSON struct {
	Time   int64                     `json:"time"`
	Layers map[string]ResolvedObject `json:"layers"`
}

// MarshalJSON renders Time as epoch milliseconds.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{Time: s.Time.UnixMilli(), Layers: s.Layers})
}

// UnmarshalJSON parses Time from epoch milliseconds.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding timeline state: %w", err)
	}
	s.Time = time.UnixMilli(raw.Time).UTC()
	s.Layers = raw.Layers
	if s.Layers == nil {
		s.Layers = make(map[string]ResolvedObject)
	}
	return nil
}

// ForDevice returns the subset of mappings routed to deviceID.
func (m Mappings) ForDevice(deviceID string) Mappings {
	out := make(Mappings)
	for layer, mapping := range m {
		if mapping.DeviceID == deviceID {
			out[layer] = mapping
		}
	}
	return out
}

// DeviceIDs returns the distinct device ids referenced by the mappings, sorted.
func (m Mappings) DeviceIDs() []string {
	seen := make(map[string]struct{})
	for _, mapping := range m {
		if mapping.DeviceID != "" {
			seen[mapping.DeviceID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LayersFor returns the resolved objects of s whose layer is present in
// mappings, sorted by layer name so adapters iterate deterministically.
func (s State) LayersFor(mappings Mappings) []ResolvedObject {
	layers := make([]string, 0, len(s.Layers))
	for layer := range s.Layers {
		if _, ok := mappings[layer]; ok {
			layers = append(layers, layer)
		}
	}
	sort.Strings(layers)

	objects := make([]ResolvedObject, 0, len(layers))
	for _, layer := range layers {
		obj := s.Layers[layer]
		if obj.Layer == "" {
			obj.Layer = layer
		}
		objects = append(objects, obj)
	}
	return objects
}

// OptionString returns a string option of the mapping, or def.
func (m Mapping) OptionString(key, def string) string {
	if v, ok := m.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}
