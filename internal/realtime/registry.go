package realtime

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
)

// AdmitFunc decides whether a client may subscribe to one topic instance.
// A returned error counts as a denial; it is never surfaced to the client.
type AdmitFunc func(ctx context.Context, c Client, topicID string) (bool, error)

type memberKey struct {
	Topic   Topic
	TopicID string
}

// Registry tracks which clients are subscribed to which topic instances and
// fans published events out to them.
//
// Membership is held in two coupled views: the per-instance subscriber map
// (iterated on publish) and the per-client membership set (walked on
// disconnect). The two must agree; Publish treats a client present in the
// instance map but absent from its own membership set as stale, removes it
// from both, and skips delivery to it.
type Registry struct {
	mu         sync.RWMutex
	log        *logger.Logger
	validators map[Topic]AdmitFunc
	topics     map[Topic]map[string]map[uuid.UUID]Client
	members    map[uuid.UUID]map[memberKey]struct{}
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		log:        log.With("component", "Registry"),
		validators: make(map[Topic]AdmitFunc),
		topics:     make(map[Topic]map[string]map[uuid.UUID]Client),
		members:    make(map[uuid.UUID]map[memberKey]struct{}),
	}
}

// RegisterValidator installs the admission validator for a topic. At most one
// validator per topic; a later registration overwrites the earlier one. Topics
// without a validator admit every subscribe request.
func (r *Registry) RegisterValidator(topic Topic, admit AdmitFunc) {
	if !topic.Valid() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if admit == nil {
		delete(r.validators, topic)
		return
	}
	r.validators[topic] = admit
}

// Subscribe admits the client to each named topic instance and acks with the
// ids that were actually admitted, first-seen order. Denied, empty and
// duplicate ids are silently excluded from both membership and the ack.
func (r *Registry) Subscribe(ctx context.Context, c Client, topic Topic, topicIDs []string) {
	if c == nil || !topic.Valid() {
		return
	}

	r.mu.RLock()
	admit := r.validators[topic]
	r.mu.RUnlock()

	seen := make(map[string]struct{}, len(topicIDs))
	admitted := make([]string, 0, len(topicIDs))
	for _, raw := range topicIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if admit != nil {
			ok, err := admit(ctx, c, id)
			if err != nil {
				r.log.Debug("admission validator error, skipping id", "topic", topic, "topic_id", id, "error", err)
				continue
			}
			if !ok {
				r.log.Debug("admission denied", "topic", topic, "topic_id", id, "client_id", c.ID())
				continue
			}
		}
		admitted = append(admitted, id)
	}

	r.mu.Lock()
	for _, id := range admitted {
		instances, ok := r.topics[topic]
		if !ok {
			instances = make(map[string]map[uuid.UUID]Client)
			r.topics[topic] = instances
		}
		subs, ok := instances[id]
		if !ok {
			subs = make(map[uuid.UUID]Client)
			instances[id] = subs
		}
		subs[c.ID()] = c

		keys, ok := r.members[c.ID()]
		if !ok {
			keys = make(map[memberKey]struct{})
			r.members[c.ID()] = keys
		}
		keys[memberKey{Topic: topic, TopicID: id}] = struct{}{}
	}
	r.mu.Unlock()

	c.Send(Event{Event: EventSubscribed, Topic: topic, TopicID: admitted})
}

// Unsubscribe removes the client from each named instance if present and
// always acks with the requested ids. Unknown ids are ignored. Emptied
// instances are deliberately left in place; only a topic whose instance map
// is entirely empty is pruned.
func (r *Registry) Unsubscribe(c Client, topic Topic, topicIDs []string) {
	if c == nil || !topic.Valid() {
		return
	}

	requested := make([]string, 0, len(topicIDs))
	for _, raw := range topicIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		requested = append(requested, id)
	}

	r.mu.Lock()
	if instances, ok := r.topics[topic]; ok {
		for _, id := range requested {
			if subs, ok := instances[id]; ok {
				delete(subs, c.ID())
			}
			if keys, ok := r.members[c.ID()]; ok {
				delete(keys, memberKey{Topic: topic, TopicID: id})
				if len(keys) == 0 {
					delete(r.members, c.ID())
				}
			}
		}
		if len(instances) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	c.Send(Event{Event: EventUnsubscribed, Topic: topic, TopicID: requested})
}

// UnsubscribeAll drops the client from every subscriber set. Called by the
// transport on disconnect; calling it again for an already-removed client is
// a no-op.
func (r *Registry) UnsubscribeAll(c Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.members[c.ID()]
	for key := range keys {
		instances, ok := r.topics[key.Topic]
		if !ok {
			continue
		}
		if subs, ok := instances[key.TopicID]; ok {
			delete(subs, c.ID())
			if len(subs) == 0 {
				delete(instances, key.TopicID)
			}
		}
		if len(instances) == 0 {
			delete(r.topics, key.Topic)
		}
	}
	delete(r.members, c.ID())
}

// Publish fans one event out to the live subscribers of a topic instance.
// Unknown topics and instances are a no-op. Stale entries (present in the
// instance map but missing from the client's own membership set) are removed
// from both views and skipped. Fan-out order across subscribers is
// unspecified; per-subscriber ordering is the responsibility of Client.Send.
func (r *Registry) Publish(topic Topic, topicID string, event string, data interface{}) {
	if !topic.Valid() || strings.TrimSpace(topicID) == "" {
		return
	}

	r.mu.Lock()
	instances, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs, ok := instances[topicID]
	if !ok {
		r.mu.Unlock()
		return
	}
	key := memberKey{Topic: topic, TopicID: topicID}
	live := make([]Client, 0, len(subs))
	for id, c := range subs {
		if keys, ok := r.members[id]; ok {
			if _, ok := keys[key]; ok {
				live = append(live, c)
				continue
			}
		}
		// Divergence between the two views: self-heal by dropping the
		// stale entry from both.
		r.log.Warn("stale subscriber removed during publish", "topic", topic, "topic_id", topicID, "client_id", id)
		delete(subs, id)
		if keys, ok := r.members[id]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(r.members, id)
			}
		}
	}
	r.mu.Unlock()

	ev := Event{Event: event, Topic: topic, TopicID: topicID, Data: data}
	for _, c := range live {
		c.Send(ev)
	}
}

// Subscribed reports whether the client is currently a member of the given
// topic instance.
func (r *Registry) Subscribed(c Client, topic Topic, topicID string) bool {
	if c == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys, ok := r.members[c.ID()]
	if !ok {
		return false
	}
	_, ok = keys[memberKey{Topic: topic, TopicID: topicID}]
	return ok
}
