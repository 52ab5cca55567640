package mqttsend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/mqtt"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// DeviceType is the config type name of this adapter.
const DeviceType = "mqttsend"

// DefaultTimeout bounds a single publish.
const DefaultTimeout = 5 * time.Second

// Mapping option keys.
const (
	OptionTopicPrefix = "topicPrefix"
)

// Command contexts.
const (
	ContextAdded   = "added"
	ContextChanged = "changed"
	ContextRemoved = "removed"
)

var (
	// ErrInvalidContent is returned when a layer's content cannot be
	// turned into a message.
	ErrInvalidContent = errors.New("mqttsend: invalid content")

	// ErrNoPublisher is returned by SendCommand when no publisher is set.
	ErrNoPublisher = errors.New("mqttsend: no publisher")
)

// Publisher sends one MQTT message. *mqtt.Client implements it.
type Publisher interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

var _ Publisher = (*mqtt.Client)(nil)

// Message is what one layer puts on the wire.
type Message struct {
	Topic        string `json:"topic"`
	Payload      []byte `json:"payload"`
	QoS          byte   `json:"qos"`
	Retain       bool   `json:"retain,omitempty"`
	ClearPayload []byte `json:"clearPayload,omitempty"`

	// ObjectID is the timeline object that produced the message. It is not
	// part of the message identity.
	ObjectID string `json:"objectId,omitempty"`
}

func (m Message) equal(o Message) bool {
	return m.Topic == o.Topic &&
		m.QoS == o.QoS &&
		m.Retain == o.Retain &&
		bytes.Equal(m.Payload, o.Payload) &&
		bytes.Equal(m.ClearPayload, o.ClearPayload)
}

// State is the device state: one message per layer.
type State map[string]Message

// Command is a single publish.
type Command struct {
	Layer   string `json:"layer"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain,omitempty"`
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-publish timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithDefaultQoS sets the QoS used when content does not name one.
func WithDefaultQoS(qos byte) Option {
	return func(a *Adapter) {
		if qos <= 2 {
			a.defaultQoS = qos
		}
	}
}

// Adapter implements device.Adapter for MQTT output.
//
// Thread Safety: Convert and Diff are pure; SendCommand is safe for
// concurrent use if the Publisher is.
type Adapter struct {
	deviceID   string
	publisher  Publisher
	timeout    time.Duration
	defaultQoS byte
}

var _ device.Adapter[State, Command] = (*Adapter)(nil)

// New creates an adapter publishing through pub.
func New(deviceID string, pub Publisher, opts ...Option) *Adapter {
	a := &Adapter{
		deviceID:   deviceID,
		publisher:  pub,
		timeout:    DefaultTimeout,
		defaultQoS: 1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ConvertTimelineStateToDeviceState builds one message per mapped layer.
// Lookahead objects are skipped; a message cannot be pre-loaded.
func (a *Adapter) ConvertTimelineStateToDeviceState(state timeline.State, mappings timeline.Mappings) (State, error) {
	out := make(State)
	for _, obj := range state.LayersFor(mappings) {
		if obj.IsLookahead {
			continue
		}
		msg, err := a.message(obj, mappings[obj.Layer])
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", obj.Layer, obj.ID, err)
		}
		out[obj.Layer] = msg
	}
	return out, nil
}

func (a *Adapter) message(obj timeline.ResolvedObject, mapping timeline.Mapping) (Message, error) {
	sub, _ := obj.Content["topic"].(string)
	if sub == "" {
		sub = obj.Layer
	}
	msg := Message{
		Topic:    a.topic(mapping, sub),
		QoS:      a.defaultQoS,
		ObjectID: obj.ID,
	}

	payload, err := encode(obj.Content["payload"])
	if err != nil {
		return Message{}, err
	}
	msg.Payload = payload

	if raw, ok := obj.Content["qos"]; ok {
		qos, err := parseQoS(raw)
		if err != nil {
			return Message{}, err
		}
		msg.QoS = qos
	}
	if raw, ok := obj.Content["retain"]; ok {
		retain, ok := raw.(bool)
		if !ok {
			return Message{}, fmt.Errorf("%w: retain must be a boolean", ErrInvalidContent)
		}
		msg.Retain = retain
	}
	if raw, ok := obj.Content["clearPayload"]; ok && raw != nil {
		clearPayload, err := encode(raw)
		if err != nil {
			return Message{}, err
		}
		msg.ClearPayload = clearPayload
	}
	return msg, nil
}

func (a *Adapter) topic(mapping timeline.Mapping, sub string) string {
	prefix := mapping.OptionString(OptionTopicPrefix, "")
	if prefix == "" {
		return mqtt.Topics{}.DeviceOutput(a.deviceID, sub)
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(sub, "/")
}

// encode turns content into bytes: strings verbatim, nil as empty, anything
// else as JSON.
func encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidContent, err)
		}
		return b, nil
	}
}

// parseQoS accepts the numeric types a decoded JSON or YAML document yields.
func parseQoS(v any) (byte, error) {
	var n int
	switch q := v.(type) {
	case float64:
		if q != float64(int(q)) {
			return 0, fmt.Errorf("%w: qos %v", ErrInvalidContent, q)
		}
		n = int(q)
	case int:
		n = q
	case int64:
		n = int(q)
	case json.Number:
		i, err := q.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: qos %v", ErrInvalidContent, q)
		}
		n = int(i)
	default:
		return 0, fmt.Errorf("%w: qos must be a number", ErrInvalidContent)
	}
	if n < 0 || n > 2 {
		return 0, fmt.Errorf("%w: qos %d out of range", ErrInvalidContent, n)
	}
	return byte(n), nil
}

// DiffStates publishes clear payloads for layers that went away, then every
// added or changed message, each group in layer order. A nil old state is
// treated as empty.
func (a *Adapter) DiffStates(oldState *State, newState State, _ timeline.Mappings) ([]device.CommandWithContext[Command], error) {
	var prev State
	if oldState != nil {
		prev = *oldState
	}

	var cmds []device.CommandWithContext[Command]

	for _, layer := range sortedLayers(prev) {
		old := prev[layer]
		next, still := newState[layer]
		if old.ClearPayload == nil {
			continue
		}
		// A layer that moved to another topic leaves the old one behind.
		if still && next.Topic == old.Topic {
			continue
		}
		cmds = append(cmds, device.CommandWithContext[Command]{
			Command:          Command{Layer: layer, Topic: old.Topic, Payload: old.ClearPayload, QoS: old.QoS, Retain: old.Retain},
			Context:          ContextRemoved,
			TimelineObjectID: old.ObjectID,
		})
	}

	for _, layer := range sortedLayers(newState) {
		next := newState[layer]
		old, existed := prev[layer]
		kind := ContextAdded
		if existed {
			if old.equal(next) {
				continue
			}
			kind = ContextChanged
		}
		cmds = append(cmds, device.CommandWithContext[Command]{
			Command:          Command{Layer: layer, Topic: next.Topic, Payload: next.Payload, QoS: next.QoS, Retain: next.Retain},
			Context:          kind,
			TimelineObjectID: next.ObjectID,
		})
	}
	return cmds, nil
}

// SendCommand publishes one message within the adapter's timeout.
func (a *Adapter) SendCommand(ctx context.Context, cmd device.CommandWithContext[Command]) error {
	if a.publisher == nil {
		return ErrNoPublisher
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	c := cmd.Command
	if err := a.publisher.PublishContext(ctx, c.Topic, c.Payload, c.QoS, c.Retain); err != nil {
		return fmt.Errorf("mqttsend: publish %s: %w", c.Topic, err)
	}
	return nil
}

func sortedLayers(s State) []string {
	layers := make([]string, 0, len(s))
	for layer := range s {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	return layers
}
