package services

import (
	"context"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
	"github.com/rowanlabs/syncboard-backend/internal/realtime/bus"
)

// Emitter publishes one realtime event to every interested subscriber without
// the caller knowing whether delivery is local or distributed.
type Emitter interface {
	Emit(ctx context.Context, topic realtime.Topic, topicID, event string, data interface{})
}

// RegistryEmitter delivers straight through the in-process registry; used when
// no bus is configured and this instance is the only one.
type RegistryEmitter struct{ Registry *realtime.Registry }

func (e *RegistryEmitter) Emit(ctx context.Context, topic realtime.Topic, topicID, event string, data interface{}) {
	e.Registry.Publish(topic, topicID, event, data)
}

// BusEmitter hands the event to the bus; delivery happens when the forwarder
// on each instance (this one included) replays it into its local registry.
type BusEmitter struct {
	Log *logger.Logger
	Bus bus.Bus
}

func (e *BusEmitter) Emit(ctx context.Context, topic realtime.Topic, topicID, event string, data interface{}) {
	ev := realtime.Event{Event: event, Topic: topic, TopicID: topicID, Data: data}
	if err := e.Bus.Publish(ctx, ev); err != nil {
		e.Log.Warn("bus publish failed", "topic", topic, "topic_id", topicID, "event", event, "error", err)
	}
}
