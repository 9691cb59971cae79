package realtime

// Topic is a named category of realtime events. The set is closed: anything
// outside it is rejected at the transport boundary and ignored by the registry.
type Topic string

const (
	// TopicBoard carries board activity fan-out (card moves, column edits).
	TopicBoard Topic = "board"
	// TopicProject carries project-scoped chat channel events.
	TopicProject Topic = "project"
)

func ParseTopic(s string) (Topic, bool) {
	switch Topic(s) {
	case TopicBoard, TopicProject:
		return Topic(s), true
	default:
		return "", false
	}
}

func (t Topic) Valid() bool {
	_, ok := ParseTopic(string(t))
	return ok
}

// Event is the wire envelope for everything this service pushes to a client.
// TopicID holds a single instance id on publishes and a list on acks.
type Event struct {
	Event   string      `json:"event"`
	Topic   Topic       `json:"topic,omitempty"`
	TopicID interface{} `json:"topic_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Outbound event names.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"

	EventChatAvailable    = "project:chat:available"
	EventChatSent         = "project:chat:sent"
	EventChatStreamStart  = "project:chat:stream:start"
	EventChatStreamBuffer = "project:chat:stream:buffer"
	EventChatStreamEnd    = "project:chat:stream:end"
)

// Inbound event names.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventChatSend    = "project:chat:send"
	EventChatCancel  = "project:chat:cancel"
)

// Terminal statuses for a streaming task. Exactly one of these is emitted per
// task in its stream end event.
const (
	StreamStatusSuccess = "success"
	StreamStatusFailed  = "failed"
	StreamStatusAborted = "aborted"
)
