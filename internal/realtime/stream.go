package realtime

import "sync/atomic"

// Stream is a start/buffer/end event sequence addressed to one client. The
// same envelope shape is used whether the audience is a single requester or a
// whole topic instance, so a Stream is just an ordered view over Send.
//
// End is latched: the first call wins and every later one is dropped, which
// is what guarantees at most one terminal event per stream.
type Stream struct {
	c       Client
	topic   Topic
	topicID string
	ended   atomic.Bool
}

func NewStream(c Client, topic Topic, topicID string) *Stream {
	return &Stream{c: c, topic: topic, topicID: topicID}
}

func (s *Stream) Start(data interface{}) {
	if s.ended.Load() {
		return
	}
	s.c.Send(Event{Event: EventChatStreamStart, Topic: s.topic, TopicID: s.topicID, Data: data})
}

func (s *Stream) Buffer(data interface{}) {
	if s.ended.Load() {
		return
	}
	s.c.Send(Event{Event: EventChatStreamBuffer, Topic: s.topic, TopicID: s.topicID, Data: data})
}

func (s *Stream) End(data interface{}) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.c.Send(Event{Event: EventChatStreamEnd, Topic: s.topic, TopicID: s.topicID, Data: data})
}

// Ended reports whether the terminal event has been emitted.
func (s *Stream) Ended() bool { return s.ended.Load() }
