package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rowanlabs/syncboard-backend/internal/chat"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/realtime"
	"github.com/rowanlabs/syncboard-backend/internal/requestdata"
)

// stringList accepts a JSON string or array of strings; non-string array
// entries are dropped rather than rejected.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			var one string
			if err := json.Unmarshal(item, &one); err == nil {
				out = append(out, one)
			}
		}
		*s = out
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = []string{one}
	return nil
}

// inboundEvent mirrors the outbound envelope for client-to-server traffic.
type inboundEvent struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	TopicID stringList      `json:"topic_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type chatSendPayload struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Content   string `json:"content"`
}

type chatCancelPayload struct {
	TaskID string `json:"task_id"`
}

// Handler owns the websocket endpoint: it upgrades authenticated requests,
// decodes the inbound protocol, and routes operations to the registry, the
// abort registry and the chat pipeline.
type Handler struct {
	log      *logger.Logger
	upgrader websocket.Upgrader
	registry *realtime.Registry
	aborts   *realtime.AbortRegistry
	pipeline *chat.Pipeline
}

func NewHandler(log *logger.Logger, registry *realtime.Registry, aborts *realtime.AbortRegistry, pipeline *chat.Pipeline) *Handler {
	return &Handler{
		log: log.With("handler", "WSHandler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checks are the edge proxy's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: registry,
		aborts:   aborts,
		pipeline: pipeline,
	}
}

func (h *Handler) Serve(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := newClient(conn, rd.UserID, h.log)
	h.log.Info("websocket client connected", "ws_client_id", cl.ID(), "user_id", rd.UserID)

	go cl.writePump()
	h.readLoop(c.Request.Context(), cl)

	h.registry.UnsubscribeAll(cl)
	cl.close()
	h.log.Info("websocket client disconnected", "ws_client_id", cl.ID())
}

func (h *Handler) readLoop(ctx context.Context, cl *client) {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-cl.done:
			return
		default:
		}

		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read error", "error", err)
			}
			return
		}

		var in inboundEvent
		if err := json.Unmarshal(raw, &in); err != nil {
			cl.SendError("bad_payload", "malformed event payload", true)
			return
		}
		h.dispatch(ctx, cl, in)
	}
}

func (h *Handler) dispatch(ctx context.Context, cl *client, in inboundEvent) {
	switch in.Event {
	case realtime.EventSubscribe:
		topic, ok := realtime.ParseTopic(in.Topic)
		if !ok {
			cl.SendError("bad_topic", "unknown topic", false)
			return
		}
		h.registry.Subscribe(ctx, cl, topic, in.TopicID)

	case realtime.EventUnsubscribe:
		topic, ok := realtime.ParseTopic(in.Topic)
		if !ok {
			cl.SendError("bad_topic", "unknown topic", false)
			return
		}
		h.registry.Unsubscribe(cl, topic, in.TopicID)

	case realtime.EventChatSend:
		var payload chatSendPayload
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			cl.SendError("bad_request", "malformed chat send payload", false)
			return
		}
		projectID, err := uuid.Parse(payload.ProjectID)
		if err != nil {
			cl.SendError("bad_request", "invalid project_id", false)
			return
		}
		// Detached from the connection context: the pipeline finishes the
		// smallest safe unit of work even if the socket drops, and
		// cancellation travels through the abort registry instead.
		go func() {
			err := h.pipeline.Send(context.Background(), cl, chat.SendInput{
				ProjectID: projectID,
				TaskID:    payload.TaskID,
				Content:   payload.Content,
			})
			if err != nil {
				h.log.Error("chat send failed", "project_id", projectID, "error", err)
				cl.SendError("chat_failed", "failed to process chat message", false)
			}
		}()

	case realtime.EventChatCancel:
		var payload chatCancelPayload
		if err := json.Unmarshal(in.Data, &payload); err != nil || strings.TrimSpace(payload.TaskID) == "" {
			cl.SendError("bad_request", "cancel requires a task_id", false)
			return
		}
		h.aborts.Abort(realtime.TaskKindChatSend, payload.TaskID, cl.UserID())

	default:
		cl.SendError("unknown_event", "unsupported event: "+in.Event, false)
	}
}
