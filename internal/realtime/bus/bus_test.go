package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
)

type captureClient struct {
	id     uuid.UUID
	userID uuid.UUID

	mu     sync.Mutex
	events []realtime.Event
}

func newCaptureClient() *captureClient {
	return &captureClient{id: uuid.New(), userID: uuid.New()}
}

func (c *captureClient) ID() uuid.UUID     { return c.id }
func (c *captureClient) UserID() uuid.UUID { return c.userID }

func (c *captureClient) Send(ev realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureClient) SendError(code, message string, fatal bool) {}

func (c *captureClient) recorded() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestReplayFansOutToLocalSubscribers(t *testing.T) {
	reg := realtime.NewRegistry(logger.NewNop())
	c := newCaptureClient()
	reg.Subscribe(context.Background(), c, realtime.TopicBoard, []string{"b1"})

	replay := Replay(reg)
	replay(realtime.Event{
		Event:   "board:card:moved",
		Topic:   realtime.TopicBoard,
		TopicID: "b1",
		Data:    map[string]interface{}{"card_id": "c1"},
	})

	var got []realtime.Event
	for _, ev := range c.recorded() {
		if ev.Event == "board:card:moved" {
			got = append(got, ev)
		}
	}
	if len(got) != 1 {
		t.Fatalf("want 1 delivery, got %d", len(got))
	}
	if got[0].TopicID != "b1" {
		t.Fatalf("want delivery for b1, got %v", got[0].TopicID)
	}
}

func TestReplaySkipsEventsWithoutStringTopicID(t *testing.T) {
	reg := realtime.NewRegistry(logger.NewNop())
	c := newCaptureClient()
	reg.Subscribe(context.Background(), c, realtime.TopicBoard, []string{"b1"})

	replay := Replay(reg)
	// Acks carry id lists, not a single instance id; they must not fan out.
	replay(realtime.Event{Event: "subscribed", Topic: realtime.TopicBoard, TopicID: []string{"b1"}})
	replay(realtime.Event{Event: "x", Topic: realtime.TopicBoard, TopicID: ""})
	replay(realtime.Event{Event: "x", Topic: realtime.TopicBoard})

	for _, ev := range c.recorded() {
		if ev.Event == "subscribed" || ev.Event == "x" {
			t.Fatalf("event without a string topic id was fanned out: %v", ev)
		}
	}
}
