package conductor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/mqtt"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/timeline"
)

// StateMessage is a resolved timeline state with its routing table, as
// received on tsr/timeline/state or POST /api/v1/timeline.
type StateMessage struct {
	State    timeline.State    `json:"state"`
	Mappings timeline.Mappings `json:"mappings"`
}

// ClearMessage asks every device to drop its future. With After set, only
// states and commands after that epoch-millisecond time are dropped.
type ClearMessage struct {
	After *int64 `json:"after,omitempty"`
}

// Subscriber registers MQTT handlers. *mqtt.Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

var _ Subscriber = (*mqtt.Client)(nil)

// SubscribeIngress subscribes to the timeline topics.
func (c *Conductor) SubscribeIngress(sub Subscriber, qos byte) error {
	topics := mqtt.Topics{}
	if err := sub.Subscribe(topics.TimelineState(), qos, c.handleStateMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topics.TimelineState(), err)
	}
	if err := sub.Subscribe(topics.TimelineClear(), qos, c.handleClearMessage); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topics.TimelineClear(), err)
	}
	c.logger.Info("timeline ingress subscribed", "state", topics.TimelineState(), "clear", topics.TimelineClear())
	return nil
}

func (c *Conductor) handleStateMessage(_ string, payload []byte) error {
	var msg StateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding timeline state: %w", err)
	}
	return c.HandleState(msg.State, msg.Mappings)
}

func (c *Conductor) handleClearMessage(_ string, payload []byte) error {
	var msg ClearMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding clear request: %w", err)
		}
	}
	c.ApplyClear(msg)
	return nil
}

// ApplyClear executes a clear request.
func (c *Conductor) ApplyClear(msg ClearMessage) {
	if msg.After == nil {
		c.ClearFutureStates()
		return
	}
	c.ClearFutureAfterTimestamp(time.UnixMilli(*msg.After))
}
