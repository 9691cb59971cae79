package chat

import (
	"context"

	"github.com/google/uuid"
)

// StreamEvent is one variant in a responder's event stream: a content chunk,
// a mid-stream error, or the end marker. Exactly one field is set.
type StreamEvent struct {
	Chunk string
	Err   error
	End   bool
}

// Request is the input handed to a responder for one chat-send task. TaskID
// lets the responder observe cancellation on its side.
type Request struct {
	TaskID    string
	ProjectID uuid.UUID
	UserID    uuid.UUID
	Content   string
}

// Result is what a responder produced. Either Content carries a complete
// answer, or Events carries an incremental stream; never both. A nil *Result
// with a nil error means "no output yet, try again later".
type Result struct {
	Content string
	Events  <-chan StreamEvent
}

type ResponderMeta struct {
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
}

// Responder is the external collaborator that produces chat output.
type Responder interface {
	Meta() ResponderMeta
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// ResponderResolver looks up the responder configured for a project scope.
type ResponderResolver interface {
	Resolve(ctx context.Context, projectID uuid.UUID) (Responder, bool)
}

// StaticResolver serves one responder for every project; used at startup when
// a single assistant backs all scopes, and by tests.
type StaticResolver struct {
	Responder Responder
}

func (s StaticResolver) Resolve(ctx context.Context, projectID uuid.UUID) (Responder, bool) {
	if s.Responder == nil {
		return nil, false
	}
	return s.Responder, true
}
