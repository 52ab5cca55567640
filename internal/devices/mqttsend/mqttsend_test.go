package mqttsend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/device"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

type published struct {
	topic    string
	payload  string
	qos      byte
	retained bool
	deadline bool
}

// mockPublisher records publishes and optionally blocks until the context
// expires.
type mockPublisher struct {
	mu    sync.Mutex
	got   []published
	err   error
	block bool
}

func (p *mockPublisher) PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	_, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	p.got = append(p.got, published{topic, string(payload), qos, retained, hasDeadline})
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func testMappings() timeline.Mappings {
	return timeline.Mappings{
		"tally":  {DeviceID: "mqtt0", DeviceType: DeviceType},
		"lights": {DeviceID: "mqtt0", DeviceType: DeviceType, Options: map[string]any{OptionTopicPrefix: "studio/lights/"}},
	}
}

func stateWith(layers map[string]map[string]any) timeline.State {
	s := timeline.State{Time: time.UnixMilli(1000), Layers: make(map[string]timeline.ResolvedObject)}
	for layer, content := range layers {
		s.Layers[layer] = timeline.ResolvedObject{ID: "obj_" + layer, Layer: layer, Content: content}
	}
	return s
}

func TestConvert(t *testing.T) {
	a := New("mqtt0", nil)

	tests := []struct {
		name    string
		content map[string]any
		layer   string
		want    Message
		wantErr bool
	}{
		{
			name:    "string payload under device prefix",
			layer:   "tally",
			content: map[string]any{"topic": "cam1", "payload": "on"},
			want:    Message{Topic: "tsr/device/mqtt0/cam1", Payload: []byte("on"), QoS: 1, ObjectID: "obj_tally"},
		},
		{
			name:    "layer name as topic",
			layer:   "tally",
			content: map[string]any{"payload": "on"},
			want:    Message{Topic: "tsr/device/mqtt0/tally", Payload: []byte("on"), QoS: 1, ObjectID: "obj_tally"},
		},
		{
			name:    "mapping prefix and JSON payload",
			layer:   "lights",
			content: map[string]any{"topic": "/dmx", "payload": map[string]any{"level": 0.5}, "qos": float64(2), "retain": true, "clearPayload": "off"},
			want: Message{
				Topic: "studio/lights/dmx", Payload: []byte(`{"level":0.5}`), QoS: 2, Retain: true,
				ClearPayload: []byte("off"), ObjectID: "obj_lights",
			},
		},
		{name: "qos out of range", layer: "tally", content: map[string]any{"qos": float64(3)}, wantErr: true},
		{name: "qos not integral", layer: "tally", content: map[string]any{"qos": 1.5}, wantErr: true},
		{name: "qos wrong type", layer: "tally", content: map[string]any{"qos": "1"}, wantErr: true},
		{name: "retain wrong type", layer: "tally", content: map[string]any{"retain": "yes"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ConvertTimelineStateToDeviceState(stateWith(map[string]map[string]any{tt.layer: tt.content}), testMappings())
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidContent) {
					t.Fatalf("error = %v, want ErrInvalidContent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			msg, ok := got[tt.layer]
			if !ok {
				t.Fatalf("layer %s missing from %v", tt.layer, got)
			}
			if !msg.equal(tt.want) || msg.ObjectID != tt.want.ObjectID {
				t.Errorf("message = %+v, want %+v", msg, tt.want)
			}
		})
	}
}

func TestConvertSkipsUnmappedAndLookahead(t *testing.T) {
	a := New("mqtt0", nil)
	s := stateWith(map[string]map[string]any{
		"tally": {"payload": "on"},
		"other": {"payload": "x"},
	})
	s.Layers["lights"] = timeline.ResolvedObject{ID: "la", Layer: "lights", IsLookahead: true, Content: map[string]any{"payload": "next"}}

	got, err := a.ConvertTimelineStateToDeviceState(s, testMappings())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("state = %v, want only the tally layer", got)
	}
}

func TestDiffStates(t *testing.T) {
	a := New("mqtt0", nil)
	on := Message{Topic: "t/tally", Payload: []byte("on"), QoS: 1, ClearPayload: []byte("off"), ObjectID: "a"}
	level := Message{Topic: "t/level", Payload: []byte("10"), QoS: 1, ObjectID: "b"}
	levelMoved := Message{Topic: "t/level2", Payload: []byte("10"), QoS: 1, ObjectID: "b"}

	tests := []struct {
		name string
		old  *State
		new  State
		want []string // context:topic:payload
	}{
		{"from unknown", nil, State{"tally": on}, []string{"added:t/tally:on"}},
		{"no change", &State{"tally": on, "level": level}, State{"tally": on, "level": level}, nil},
		{"object id ignored", &State{"level": level}, State{"level": func() Message { m := level; m.ObjectID = "c"; return m }()}, nil},
		{"changed payload", &State{"level": level}, State{"level": func() Message { m := level; m.Payload = []byte("20"); return m }()}, []string{"changed:t/level:20"}},
		{"removed with clear", &State{"tally": on, "level": level}, State{"level": level}, []string{"removed:t/tally:off"}},
		{"removed without clear", &State{"level": level}, State{}, nil},
		{"clears before publishes", &State{"tally": on}, State{"level": level}, []string{"removed:t/tally:off", "added:t/level:10"}},
		{"moved topic", &State{"level": level}, State{"level": levelMoved}, []string{"changed:t/level2:10"}},
		{"layer order", nil, State{"tally": on, "level": level}, []string{"added:t/level:10", "added:t/tally:on"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := a.DiffStates(tt.old, tt.new, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(cmds) != len(tt.want) {
				t.Fatalf("got %d commands %+v, want %v", len(cmds), cmds, tt.want)
			}
			for i, c := range cmds {
				got := c.Context + ":" + c.Command.Topic + ":" + string(c.Command.Payload)
				if got != tt.want[i] {
					t.Errorf("command %d = %s, want %s", i, got, tt.want[i])
				}
				if c.TimelineObjectID == "" {
					t.Errorf("command %d has no timeline object id", i)
				}
			}
		})
	}
}

func TestDiffMovedTopicClearsOld(t *testing.T) {
	a := New("mqtt0", nil)
	old := State{"tally": {Topic: "t/cam1", Payload: []byte("on"), ClearPayload: []byte("off")}}
	next := State{"tally": {Topic: "t/cam2", Payload: []byte("on"), ClearPayload: []byte("off")}}

	cmds, err := a.DiffStates(&old, next, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 || cmds[0].Command.Topic != "t/cam1" || string(cmds[0].Command.Payload) != "off" || cmds[1].Command.Topic != "t/cam2" {
		t.Errorf("commands = %+v", cmds)
	}
}

func TestSendCommand(t *testing.T) {
	pub := &mockPublisher{}
	a := New("mqtt0", pub)

	cmd := device.CommandWithContext[Command]{Command: Command{Topic: "t/x", Payload: []byte("1"), QoS: 2, Retain: true}}
	if err := a.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if len(pub.got) != 1 {
		t.Fatalf("published %d messages", len(pub.got))
	}
	got := pub.got[0]
	if got.topic != "t/x" || got.payload != "1" || got.qos != 2 || !got.retained || !got.deadline {
		t.Errorf("published = %+v", got)
	}
}

func TestSendCommandErrors(t *testing.T) {
	cmd := device.CommandWithContext[Command]{Command: Command{Topic: "t/x"}}

	if err := New("mqtt0", nil).SendCommand(context.Background(), cmd); !errors.Is(err, ErrNoPublisher) {
		t.Errorf("nil publisher error = %v", err)
	}

	brokerDown := errors.New("not connected")
	if err := New("mqtt0", &mockPublisher{err: brokerDown}).SendCommand(context.Background(), cmd); !errors.Is(err, brokerDown) {
		t.Errorf("publish error = %v, want wrapped %v", err, brokerDown)
	}

	slow := New("mqtt0", &mockPublisher{block: true}, WithTimeout(10*time.Millisecond))
	start := time.Now()
	if err := slow.SendCommand(context.Background(), cmd); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("SendCommand did not honour its timeout")
	}
}

func TestOptions(t *testing.T) {
	a := New("mqtt0", nil, WithTimeout(0), WithDefaultQoS(5))
	if a.timeout != DefaultTimeout || a.defaultQoS != 1 {
		t.Errorf("invalid options applied: timeout=%v qos=%d", a.timeout, a.defaultQoS)
	}
	a = New("mqtt0", nil, WithTimeout(time.Second), WithDefaultQoS(0))
	if a.timeout != time.Second || a.defaultQoS != 0 {
		t.Errorf("options not applied: timeout=%v qos=%d", a.timeout, a.defaultQoS)
	}
}
