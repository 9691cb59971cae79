package realtime

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/apperr"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
)

// TaskKind names a category of cancellable work.
type TaskKind string

const TaskKindChatSend TaskKind = "chat:send"

type taskKey struct {
	Kind TaskKind
	ID   string
}

type taskState struct {
	owner   uuid.UUID
	aborted *atomic.Bool
}

// AbortRegistry tracks in-flight cancellable tasks. A task's abort flag
// outlives its registry entry: the checker handed out at registration keeps
// working after the task finished or was aborted, so a long pipeline can poll
// it at any checkpoint without caring whether the entry is still present.
type AbortRegistry struct {
	mu    sync.Mutex
	log   *logger.Logger
	tasks map[taskKey]*taskState
}

func NewAbortRegistry(log *logger.Logger) *AbortRegistry {
	return &AbortRegistry{
		log:   log.With("component", "AbortRegistry"),
		tasks: make(map[taskKey]*taskState),
	}
}

// TaskHandle is one registered task. Aborted is cheap and safe to call at any
// checkpoint; Finish removes the registry entry and is idempotent.
type TaskHandle struct {
	reg  *AbortRegistry
	key  taskKey
	flag *atomic.Bool
	done atomic.Bool
}

func (h *TaskHandle) Aborted() bool { return h.flag.Load() }

func (h *TaskHandle) Finish() {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	h.reg.mu.Lock()
	if st, ok := h.reg.tasks[h.key]; ok && st.aborted == h.flag {
		delete(h.reg.tasks, h.key)
	}
	h.reg.mu.Unlock()
}

// Register creates the task. Only one task per (kind, id) may be active at a
// time; a duplicate registration is rejected.
func (r *AbortRegistry) Register(kind TaskKind, id string, owner uuid.UUID) (*TaskHandle, error) {
	id = strings.TrimSpace(id)
	if kind == "" || id == "" {
		return nil, fmt.Errorf("missing task kind or id: %w", apperr.ErrInvalidArgument)
	}
	key := taskKey{Kind: kind, ID: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[key]; exists {
		return nil, fmt.Errorf("task %s/%s already active: %w", kind, id, apperr.ErrInvalidArgument)
	}
	flag := &atomic.Bool{}
	r.tasks[key] = &taskState{owner: owner, aborted: flag}
	return &TaskHandle{reg: r, key: key, flag: flag}, nil
}

// Abort marks the task aborted and drops its entry. Aborting an unknown or
// already-finished task is a no-op, as is aborting twice. A non-nil requester
// that does not match the task owner is refused; uuid.Nil acts as the system
// principal and may abort anything.
func (r *AbortRegistry) Abort(kind TaskKind, id string, requester uuid.UUID) {
	id = strings.TrimSpace(id)
	if kind == "" || id == "" {
		return
	}
	key := taskKey{Kind: kind, ID: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tasks[key]
	if !ok {
		return
	}
	if requester != uuid.Nil && st.owner != uuid.Nil && requester != st.owner {
		r.log.Warn("abort refused, requester does not own task", "kind", kind, "task_id", id, "requester", requester)
		return
	}
	st.aborted.Store(true)
	delete(r.tasks, key)
}

// Active reports whether a task is currently registered.
func (r *AbortRegistry) Active(kind TaskKind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[taskKey{Kind: kind, ID: strings.TrimSpace(id)}]
	return ok
}
