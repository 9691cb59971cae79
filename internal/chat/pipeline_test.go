package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowanlabs/syncboard-backend/internal/domain"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/apperr"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
)

// fakeClient records every event and signals arrivals so tests can
// synchronize with the pipeline goroutine.
type fakeClient struct {
	id     uuid.UUID
	userID uuid.UUID

	mu     sync.Mutex
	events []realtime.Event
	notify chan realtime.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		id:     uuid.New(),
		userID: uuid.New(),
		notify: make(chan realtime.Event, 128),
	}
}

func (c *fakeClient) ID() uuid.UUID     { return c.id }
func (c *fakeClient) UserID() uuid.UUID { return c.userID }

func (c *fakeClient) Send(ev realtime.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.notify <- ev:
	default:
	}
}

func (c *fakeClient) SendError(code, message string, fatal bool) {
	c.Send(realtime.Event{Event: realtime.EventError, Data: map[string]interface{}{"code": code, "message": message, "fatal": fatal}})
}

func (c *fakeClient) recorded() []realtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeClient) byName(name string) []realtime.Event {
	var out []realtime.Event
	for _, ev := range c.recorded() {
		if ev.Event == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeClient) waitFor(t *testing.T, name string) realtime.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.notify:
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q; got %v", name, eventNames(c.recorded()))
		}
	}
}

func eventNames(events []realtime.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

// memRepo is an in-memory ChatMessageRepo.
type memRepo struct {
	mu      sync.Mutex
	msgs    map[uuid.UUID]*domain.ChatMessage
	order   []uuid.UUID
	deleted []uuid.UUID
}

func newMemRepo() *memRepo {
	return &memRepo{msgs: make(map[uuid.UUID]*domain.ChatMessage)}
}

func (r *memRepo) Create(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	cp := *msg
	r.msgs[msg.ID] = &cp
	r.order = append(r.order, msg.ID)
	return msg, nil
}

func (r *memRepo) UpdateContent(ctx context.Context, id uuid.UUID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[id]
	if !ok {
		return apperr.ErrNotFound
	}
	msg.Content = content
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *memRepo) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ChatMessage
	for _, id := range r.order {
		if msg, ok := r.msgs[id]; ok && msg.ProjectID == projectID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *memRepo) get(id uuid.UUID) *domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, ok := r.msgs[id]; ok {
		cp := *msg
		return &cp
	}
	return nil
}

// fakeResponder drives the pipeline from tests.
type fakeResponder struct {
	meta   ResponderMeta
	invoke func(ctx context.Context, req Request) (*Result, error)
}

func (f *fakeResponder) Meta() ResponderMeta { return f.meta }
func (f *fakeResponder) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f.invoke(ctx, req)
}

func newTestPipeline(t *testing.T, responder Responder) (*Pipeline, *memRepo, *realtime.AbortRegistry) {
	t.Helper()
	repo := newMemRepo()
	aborts := realtime.NewAbortRegistry(logger.NewNop())
	var resolver ResponderResolver = StaticResolver{Responder: responder}
	return NewPipeline(logger.NewNop(), repo, resolver, aborts), repo, aborts
}

func terminalStatus(t *testing.T, ev realtime.Event) string {
	t.Helper()
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok, "terminal event data must be a map")
	status, _ := data["status"].(string)
	return status
}

func TestSendFullValueSuccess(t *testing.T) {
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Content: "Hello!"}, nil
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	err := p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"})
	require.NoError(t, err)

	names := eventNames(c.recorded())
	assert.Equal(t, []string{
		realtime.EventChatSent,
		realtime.EventChatStreamStart,
		realtime.EventChatStreamBuffer,
		realtime.EventChatStreamEnd,
	}, names)

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusSuccess, terminalStatus(t, ends[0]))

	// User message plus finalized AI message.
	msgs, err := repo.ListByProject(context.Background(), projectID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Nil(t, msgs[1].SenderID)
	assert.Equal(t, "Hello!", msgs[1].Content)
}

func TestSendStreamingCumulativeSnapshots(t *testing.T) {
	events := make(chan StreamEvent, 8)
	events <- StreamEvent{Chunk: "Hi"}
	events <- StreamEvent{Chunk: "Hi there"}
	events <- StreamEvent{Chunk: "Hi there!"}
	events <- StreamEvent{End: true}
	close(events)

	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"}))

	buffers := c.byName(realtime.EventChatStreamBuffer)
	require.Len(t, buffers, 3)
	var deltas string
	for _, ev := range buffers {
		data := ev.Data.(map[string]interface{})
		deltas += data["delta"].(string)
	}
	assert.Equal(t, "Hi there!", deltas)

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusSuccess, terminalStatus(t, ends[0]))

	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there!", msgs[1].Content)
}

func TestSendRepeatedSnapshotNotRebroadcast(t *testing.T) {
	events := make(chan StreamEvent, 8)
	events <- StreamEvent{Chunk: "Hi"}
	events <- StreamEvent{Chunk: "Hi"}
	events <- StreamEvent{End: true}
	close(events)

	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, _, _ := newTestPipeline(t, responder)
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	assert.Len(t, c.byName(realtime.EventChatStreamBuffer), 1)
}

func TestSendStreamErrorDeletesPlaceholder(t *testing.T) {
	events := make(chan StreamEvent, 8)
	events <- StreamEvent{Chunk: "partial"}
	events <- StreamEvent{Err: errors.New("model exploded")}
	close(events)

	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"}))

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusFailed, terminalStatus(t, ends[0]))
	data := ends[0].Data.(map[string]interface{})
	assert.Equal(t, "model exploded", data["error"])

	// Only the user message survives; no partial content is kept.
	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].SenderID)
}

func TestSendEmptyStreamFails(t *testing.T) {
	events := make(chan StreamEvent, 1)
	events <- StreamEvent{End: true}
	close(events)

	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"}))

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusFailed, terminalStatus(t, ends[0]))

	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 1)
}

func TestSendNoResponderConfigured(t *testing.T) {
	p, repo, _ := newTestPipeline(t, nil)
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	require.Len(t, c.byName(realtime.EventError), 1)
	avail := c.byName(realtime.EventChatAvailable)
	require.Len(t, avail, 1)
	data := avail[0].Data.(map[string]interface{})
	assert.Equal(t, false, data["available"])

	assert.Zero(t, repo.count())
	assert.Empty(t, c.byName(realtime.EventChatStreamEnd))
}

func TestSendNoOutputYetReannouncesAvailability(t *testing.T) {
	responder := &fakeResponder{
		meta:   ResponderMeta{Name: "assistant", Model: "m1"},
		invoke: func(ctx context.Context, req Request) (*Result, error) { return nil, nil },
	}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	avail := c.byName(realtime.EventChatAvailable)
	require.Len(t, avail, 1)
	data := avail[0].Data.(map[string]interface{})
	assert.Equal(t, true, data["available"])

	assert.Zero(t, repo.count())
	assert.Empty(t, c.byName(realtime.EventChatSent))
	assert.Empty(t, c.byName(realtime.EventChatStreamEnd))
}

func TestSendResponderInvocationError(t *testing.T) {
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return nil, errors.New("bot unreachable")
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	require.Len(t, c.byName(realtime.EventError), 1)
	assert.Zero(t, repo.count())
}

func TestSendAbortBeforeAnyChunk(t *testing.T) {
	events := make(chan StreamEvent)
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, repo, aborts := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	done := make(chan error, 1)
	go func() {
		done <- p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"})
	}()

	c.waitFor(t, realtime.EventChatStreamStart)
	aborts.Abort(realtime.TaskKindChatSend, "t1", c.UserID())
	events <- StreamEvent{End: true}
	close(events)
	require.NoError(t, <-done)

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusAborted, terminalStatus(t, ends[0]))

	// Placeholder deleted; only the user message survives.
	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].SenderID)
}

func TestSendAbortAfterChunksKeepsContent(t *testing.T) {
	events := make(chan StreamEvent)
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, repo, aborts := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	done := make(chan error, 1)
	go func() {
		done <- p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"})
	}()

	c.waitFor(t, realtime.EventChatStreamStart)
	events <- StreamEvent{Chunk: "Hello"}
	c.waitFor(t, realtime.EventChatStreamBuffer)
	events <- StreamEvent{Chunk: " world"}
	c.waitFor(t, realtime.EventChatStreamBuffer)

	aborts.Abort(realtime.TaskKindChatSend, "t1", c.UserID())
	events <- StreamEvent{End: true}
	close(events)
	require.NoError(t, <-done)

	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusAborted, terminalStatus(t, ends[0]))

	// Accumulated content is persisted, not discarded.
	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestSendAbortBeforePersistenceLeavesNoTrace(t *testing.T) {
	var aborts *realtime.AbortRegistry
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		// Cancellation lands while the responder is still working.
		aborts.Abort(realtime.TaskKindChatSend, req.TaskID, uuid.Nil)
		return &Result{Content: "too late"}, nil
	}}
	p, repo, reg := newTestPipeline(t, responder)
	aborts = reg
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	assert.Zero(t, repo.count())
	assert.Empty(t, c.recorded())
}

func TestSendAbortedTaskDrainsResponderStream(t *testing.T) {
	var aborts *realtime.AbortRegistry
	events := make(chan StreamEvent)
	producerDone := make(chan struct{})
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		// Cancellation lands before the pipeline ever reads the stream; the
		// producer must still be able to finish sending and exit.
		aborts.Abort(realtime.TaskKindChatSend, req.TaskID, uuid.Nil)
		go func() {
			events <- StreamEvent{Chunk: "late"}
			close(events)
			close(producerDone)
		}()
		return &Result{Events: events}, nil
	}}
	p, repo, reg := newTestPipeline(t, responder)
	aborts = reg
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("responder stream producer still blocked after send returned")
	}
	assert.Zero(t, repo.count())
	assert.Empty(t, c.recorded())
}

func TestSendFullValueEmptyContentFails(t *testing.T) {
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Content: ""}, nil
	}}
	p, repo, _ := newTestPipeline(t, responder)
	c := newFakeClient()
	projectID := uuid.New()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: projectID, TaskID: "t1", Content: "hi"}))

	assert.Empty(t, c.byName(realtime.EventChatStreamBuffer))
	ends := c.byName(realtime.EventChatStreamEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, realtime.StreamStatusFailed, terminalStatus(t, ends[0]))

	// Placeholder deleted; only the user message survives.
	msgs, _ := repo.ListByProject(context.Background(), projectID, 50)
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].SenderID)
}

func TestSendTaskIDConflict(t *testing.T) {
	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Content: "ok"}, nil
	}}
	p, _, aborts := newTestPipeline(t, responder)
	c := newFakeClient()

	_, err := aborts.Register(realtime.TaskKindChatSend, "t1", c.UserID())
	require.NoError(t, err)

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))
	require.Len(t, c.byName(realtime.EventError), 1)
	assert.Empty(t, c.byName(realtime.EventChatSent))
}

func TestBufferEventsNeverFollowTerminal(t *testing.T) {
	events := make(chan StreamEvent, 8)
	events <- StreamEvent{Chunk: "a"}
	events <- StreamEvent{End: true}
	close(events)

	responder := &fakeResponder{invoke: func(ctx context.Context, req Request) (*Result, error) {
		return &Result{Events: events}, nil
	}}
	p, _, _ := newTestPipeline(t, responder)
	c := newFakeClient()

	require.NoError(t, p.Send(context.Background(), c, SendInput{ProjectID: uuid.New(), TaskID: "t1", Content: "hi"}))

	sawEnd := false
	for _, ev := range c.recorded() {
		if ev.Event == realtime.EventChatStreamEnd {
			sawEnd = true
			continue
		}
		if sawEnd && ev.Event == realtime.EventChatStreamBuffer {
			t.Fatalf("buffer event after terminal event")
		}
	}
	require.True(t, sawEnd)
}
