package bus

import (
	"context"

	"github.com/rowanlabs/syncboard-backend/internal/realtime"
)

// Bus carries publish envelopes between processes so a fan-out initiated on
// one instance reaches subscribers connected to another.
type Bus interface {
	Publish(ctx context.Context, ev realtime.Event) error
	StartForwarder(ctx context.Context, onEvent func(ev realtime.Event)) error
	Close() error
}

// Replay adapts a registry into a forwarder callback: events arriving over the
// bus fan out to the local subscribers. Events whose topic id is not a single
// non-empty string are not publishes and are skipped.
func Replay(registry *realtime.Registry) func(ev realtime.Event) {
	return func(ev realtime.Event) {
		topicID, ok := ev.TopicID.(string)
		if !ok || topicID == "" {
			return
		}
		registry.Publish(ev.Topic, topicID, ev.Event, ev.Data)
	}
}
