package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/domain"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
	"github.com/rowanlabs/syncboard-backend/internal/repos"
)

// Pipeline drives one chat-send request end to end: resolve the responder,
// invoke it abortably, persist the user message, stream the reply back and
// reconcile the persisted AI message with the terminal status.
//
// Cancellation is cooperative: the abort flag is polled at fixed checkpoints
// (after the responder returns, after the user-message write, before the sent
// emit, before stream start, and at each terminal branch). Work already in
// flight at a checkpoint is allowed to finish; nothing is torn down mid-write.
type Pipeline struct {
	log      *logger.Logger
	messages repos.ChatMessageRepo
	resolver ResponderResolver
	aborts   *realtime.AbortRegistry
}

func NewPipeline(log *logger.Logger, messages repos.ChatMessageRepo, resolver ResponderResolver, aborts *realtime.AbortRegistry) *Pipeline {
	return &Pipeline{
		log:      log.With("service", "ChatPipeline"),
		messages: messages,
		resolver: resolver,
		aborts:   aborts,
	}
}

// SendInput is one inbound chat-send request. TaskID is client-chosen so the
// client can cancel; a blank one gets generated server-side.
type SendInput struct {
	ProjectID uuid.UUID
	TaskID    string
	Content   string
}

// AnnounceAvailability tells one client whether a responder currently backs
// the project scope.
func (p *Pipeline) AnnounceAvailability(ctx context.Context, c realtime.Client, projectID uuid.UUID) {
	data := map[string]interface{}{
		"project_id": projectID,
		"available":  false,
	}
	if responder, ok := p.resolver.Resolve(ctx, projectID); ok {
		data["available"] = true
		data["responder"] = responder.Meta()
	}
	c.Send(realtime.Event{
		Event:   realtime.EventChatAvailable,
		Topic:   realtime.TopicProject,
		TopicID: projectID.String(),
		Data:    data,
	})
}

// Send runs the chat-send state machine for one request. A returned error is
// fatal to the request only; mid-stream responder failures are converted into
// a terminal failed stream event and never surface here.
func (p *Pipeline) Send(ctx context.Context, c realtime.Client, in SendInput) error {
	if c == nil {
		return fmt.Errorf("missing client")
	}
	if in.ProjectID == uuid.Nil {
		c.SendError("bad_request", "missing project_id", false)
		return nil
	}

	responder, ok := p.resolver.Resolve(ctx, in.ProjectID)
	if !ok {
		c.SendError("no_responder", "no responder available for this project", false)
		p.AnnounceAvailability(ctx, c, in.ProjectID)
		return nil
	}

	taskID := strings.TrimSpace(in.TaskID)
	if taskID == "" {
		taskID = uuid.New().String()
	}
	task, err := p.aborts.Register(realtime.TaskKindChatSend, taskID, c.UserID())
	if err != nil {
		c.SendError("task_conflict", "a task with this id is already running", false)
		return nil
	}
	defer task.Finish()

	log := p.log.With("task_id", taskID, "project_id", in.ProjectID)

	result, err := responder.Invoke(ctx, Request{
		TaskID:    taskID,
		ProjectID: in.ProjectID,
		UserID:    c.UserID(),
		Content:   in.Content,
	})
	if err != nil {
		log.Warn("responder invocation failed", "error", err)
		c.SendError("responder_error", err.Error(), false)
		return nil
	}
	if result == nil {
		// "No output yet": re-announce availability, leave no side effects.
		p.AnnounceAvailability(ctx, c, in.ProjectID)
		return nil
	}

	if task.Aborted() {
		discardStream(result.Events)
		return nil
	}

	senderID := c.UserID()
	userMsg, err := p.messages.Create(ctx, &domain.ChatMessage{
		ProjectID: in.ProjectID,
		SenderID:  &senderID,
		Content:   in.Content,
	})
	if err != nil {
		discardStream(result.Events)
		return fmt.Errorf("persist user message: %w", err)
	}
	// The write above may have taken a while; bail before the emit if the
	// client cancelled in the meantime. The persisted user message stays.
	if task.Aborted() {
		discardStream(result.Events)
		return nil
	}
	c.Send(realtime.Event{
		Event:   realtime.EventChatSent,
		Topic:   realtime.TopicProject,
		TopicID: in.ProjectID.String(),
		Data: map[string]interface{}{
			"task_id": taskID,
			"message": userMsg,
		},
	})

	placeholder, err := p.messages.Create(ctx, &domain.ChatMessage{
		ProjectID:   in.ProjectID,
		RecipientID: &senderID,
		Content:     "",
	})
	if err != nil {
		discardStream(result.Events)
		return fmt.Errorf("persist assistant placeholder: %w", err)
	}
	if task.Aborted() {
		discardStream(result.Events)
		p.deletePlaceholder(ctx, log, placeholder.ID)
		return nil
	}

	stream := realtime.NewStream(c, realtime.TopicProject, in.ProjectID.String())
	stream.Start(map[string]interface{}{
		"task_id": taskID,
		"message": placeholder,
	})

	if result.Events == nil {
		return p.finishFull(ctx, log, stream, task, taskID, placeholder.ID, result.Content)
	}
	return p.consumeStream(ctx, log, stream, task, taskID, placeholder.ID, result.Events)
}

// discardStream drains an abandoned responder stream in the background so the
// producer can send its remaining events and release whatever transport sits
// underneath it.
func discardStream(events <-chan StreamEvent) {
	if events == nil {
		return
	}
	go func() {
		for range events {
		}
	}()
}

// finishFull handles a responder that answered with a single complete value:
// one buffer event, then the same terminal reconciliation a stream goes
// through. An empty value counts as no output and fails like an empty stream.
func (p *Pipeline) finishFull(ctx context.Context, log *logger.Logger, stream *realtime.Stream, task *realtime.TaskHandle, taskID string, messageID uuid.UUID, content string) error {
	canonical, delta := Accumulate("", content)
	if delta != "" {
		stream.Buffer(map[string]interface{}{
			"task_id":    taskID,
			"message_id": messageID,
			"delta":      delta,
		})
	}
	chunks := 0
	if canonical != "" {
		chunks = 1
	}
	return p.finishStream(ctx, log, stream, task, taskID, messageID, canonical, chunks)
}

// consumeStream relays responder stream events until the error/end variant,
// then reconciles persisted state with the terminal status.
func (p *Pipeline) consumeStream(ctx context.Context, log *logger.Logger, stream *realtime.Stream, task *realtime.TaskHandle, taskID string, messageID uuid.UUID, events <-chan StreamEvent) error {
	var (
		canonical     string
		lastBroadcast string
		chunks        int
	)

	for ev := range events {
		switch {
		case ev.Err != nil:
			log.Warn("responder stream error", "error", ev.Err)
			p.deletePlaceholder(ctx, log, messageID)
			stream.End(map[string]interface{}{
				"task_id":    taskID,
				"message_id": messageID,
				"status":     realtime.StreamStatusFailed,
				"error":      ev.Err.Error(),
			})
			return nil
		case ev.End:
			return p.finishStream(ctx, log, stream, task, taskID, messageID, canonical, chunks)
		default:
			next, delta := Accumulate(canonical, ev.Chunk)
			canonical = next
			if ev.Chunk != "" {
				chunks++
			}
			if canonical != lastBroadcast && delta != "" {
				stream.Buffer(map[string]interface{}{
					"task_id":    taskID,
					"message_id": messageID,
					"delta":      delta,
				})
				lastBroadcast = canonical
			}
		}
	}
	// Channel closed without an explicit end marker; treat it as one.
	return p.finishStream(ctx, log, stream, task, taskID, messageID, canonical, chunks)
}

func (p *Pipeline) finishStream(ctx context.Context, log *logger.Logger, stream *realtime.Stream, task *realtime.TaskHandle, taskID string, messageID uuid.UUID, canonical string, chunks int) error {
	if chunks == 0 {
		p.deletePlaceholder(ctx, log, messageID)
		if task.Aborted() {
			// Aborted before anything arrived: terminal is "aborted", not a
			// visible failure.
			stream.End(map[string]interface{}{
				"task_id":    taskID,
				"message_id": messageID,
				"status":     realtime.StreamStatusAborted,
			})
			return nil
		}
		stream.End(map[string]interface{}{
			"task_id":    taskID,
			"message_id": messageID,
			"status":     realtime.StreamStatusFailed,
			"error":      "responder produced no output",
		})
		return nil
	}

	status := realtime.StreamStatusSuccess
	if task.Aborted() {
		status = realtime.StreamStatusAborted
	}
	return p.finalizeWithContent(ctx, log, stream, taskID, messageID, canonical, status)
}

// finalizeWithContent persists the accumulated content and emits the terminal
// event. Content produced before an abort is kept, never discarded.
func (p *Pipeline) finalizeWithContent(ctx context.Context, log *logger.Logger, stream *realtime.Stream, taskID string, messageID uuid.UUID, content, status string) error {
	if err := p.messages.UpdateContent(ctx, messageID, content); err != nil {
		log.Error("failed to persist final content", "message_id", messageID, "error", err)
		stream.End(map[string]interface{}{
			"task_id":    taskID,
			"message_id": messageID,
			"status":     realtime.StreamStatusFailed,
			"error":      "failed to persist message content",
		})
		return fmt.Errorf("persist final content: %w", err)
	}
	stream.End(map[string]interface{}{
		"task_id":    taskID,
		"message_id": messageID,
		"status":     status,
		"content":    content,
	})
	return nil
}

func (p *Pipeline) deletePlaceholder(ctx context.Context, log *logger.Logger, id uuid.UUID) {
	if err := p.messages.Delete(ctx, id); err != nil {
		log.Warn("failed to delete assistant placeholder", "message_id", id, "error", err)
	}
}
