package bot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rowanlabs/syncboard-backend/internal/chat"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/utils"
)

// Client invokes the external bot subsystem over HTTP. The bot answers one of
// three ways: 204 for "no output yet", a JSON body with the complete answer,
// or a text/event-stream of content chunks. All three map onto chat.Result.
//
// There is deliberately no client-side timeout on the streaming call; a stuck
// bot blocks only its own task, which the user can cancel.
type Client struct {
	log   *logger.Logger
	httpc *http.Client
	url   string
	token string
	meta  chat.ResponderMeta
}

func NewClient(log *logger.Logger) (*Client, error) {
	url := strings.TrimSpace(os.Getenv("BOT_URL"))
	if url == "" {
		return nil, fmt.Errorf("missing BOT_URL")
	}
	return &Client{
		log:   log.With("client", "BotClient"),
		httpc: &http.Client{},
		url:   url,
		token: utils.GetEnv("BOT_TOKEN", "", log),
		meta: chat.ResponderMeta{
			Name:  utils.GetEnv("BOT_NAME", "assistant", log),
			Model: utils.GetEnv("BOT_MODEL", "", log),
		},
	}, nil
}

func (c *Client) Meta() chat.ResponderMeta { return c.meta }

type invokePayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

type fullResponse struct {
	Content string `json:"content"`
}

func (c *Client) Invoke(ctx context.Context, req chat.Request) (*chat.Result, error) {
	raw, err := json.Marshal(invokePayload{
		TaskID:    req.TaskID,
		ProjectID: req.ProjectID.String(),
		UserID:    req.UserID.String(),
		Content:   req.Content,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bot request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_ = resp.Body.Close()
		return nil, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("bot returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		events := make(chan chat.StreamEvent)
		go c.relayStream(resp.Body, events)
		return &chat.Result{Events: events}, nil
	}

	defer resp.Body.Close()
	var full fullResponse
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		return nil, fmt.Errorf("decode bot response: %w", err)
	}
	return &chat.Result{Content: full.Content}, nil
}

// errStreamDone stops the SSE parse loop once a terminal variant went out.
var errStreamDone = errors.New("stream done")

// relayStream converts the bot's SSE frames into StreamEvent variants. A
// "data: [DONE]" frame or EOF ends the stream; an "event: error" frame turns
// into the error variant. Exactly one terminal variant is sent.
func (c *Client) relayStream(body io.ReadCloser, events chan<- chat.StreamEvent) {
	defer close(events)
	defer body.Close()

	terminal := false
	err := parseSSE(body, func(event, data string) error {
		switch {
		case event == "error":
			terminal = true
			events <- chat.StreamEvent{Err: errors.New(data)}
			return errStreamDone
		case data == "[DONE]":
			terminal = true
			events <- chat.StreamEvent{End: true}
			return errStreamDone
		default:
			events <- chat.StreamEvent{Chunk: data}
			return nil
		}
	})
	if terminal {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.log.Warn("bot stream terminated abnormally", "error", err)
		events <- chat.StreamEvent{Err: err}
		return
	}
	events <- chat.StreamEvent{End: true}
}

func parseSSE(r io.Reader, onEvent func(event, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = flush()
				return io.EOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends one event.
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		// Comment.
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}
}
