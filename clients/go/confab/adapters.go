package confab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/eldtechnologies/confab/internal/chat"
	"github.com/eldtechnologies/confab/internal/models"
)

const (
	feedBuffer = 64
	pingWait   = 90 * time.Second
	writeWait  = 10 * time.Second
)

// InsertMessage posts a row. Errors are classified for the chat engine's
// retry policy: conflicts and rejected input are final, outages are transient.
func (c *Client) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	req := struct {
		ID               string    `json:"id,omitempty"`
		Content          string    `json:"content"`
		SequenceNumber   int64     `json:"sequence_number"`
		IsAssistantReply bool      `json:"is_assistant_reply"`
		CreatedAt        time.Time `json:"created_at"`
	}{
		ID:               msg.ID,
		Content:          msg.Content,
		SequenceNumber:   msg.SequenceNumber,
		IsAssistantReply: msg.IsAssistantReply,
		CreatedAt:        msg.CreatedAt,
	}

	var saved models.Message
	if err := c.postJSON(ctx, "/sessions/"+msg.SessionID.String()+"/messages", req, &saved); err != nil {
		return nil, classify(ctx, "insert message", err)
	}
	return &saved, nil
}

// QueryMessages loads one page of rows plus the session's total.
func (c *Client) QueryMessages(ctx context.Context, sessionID uuid.UUID, offset, limit int) ([]models.Message, int, error) {
	if limit <= 0 {
		limit = 1
	}
	page, err := c.GetMessages(ctx, sessionID, offset, limit)
	if err != nil {
		return nil, 0, classify(ctx, "query messages", err)
	}
	return page.Messages, page.Total, nil
}

// GetMessage fetches one row by ID. A missing row returns nil.
func (c *Client) GetMessage(ctx context.Context, sessionID uuid.UUID, id string) (*models.Message, error) {
	var msg models.Message
	err := c.getJSON(ctx, "/sessions/"+sessionID.String()+"/messages/"+id, true, &msg)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classify(ctx, "get message", err)
	}
	return &msg, nil
}

func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return &models.StorageError{Op: op, Transient: true, Err: err}
	}
	switch {
	case apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%w: %s", models.ErrConstraintViolation, apiErr.Message)
	case apiErr.Status == http.StatusUnprocessableEntity || apiErr.Status == http.StatusBadRequest:
		return &chat.ValidationError{Field: "message", Reason: apiErr.Message}
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
		return &models.StorageError{Op: op, Transient: true, Err: err}
	}
	return &models.StorageError{Op: op, Transient: false, Err: err}
}

// Subscribe opens the session's realtime feed. The channel closes when ctx
// ends or the connection drops.
func (c *Client) Subscribe(ctx context.Context, sessionID uuid.UUID) (<-chan models.Message, error) {
	path := "/sessions/" + sessionID.String() + "/feed"
	if c.PrivateKey == nil || c.UserID == "" {
		return nil, errors.New("not registered: run register first")
	}

	conn, resp, err := c.Dialer.DialContext(ctx, wsURL(c.BaseURL)+path, c.signRequest(http.MethodGet, path, nil))
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, apiError(resp.StatusCode, body)
		}
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	rows := make(chan models.Message, feedBuffer)
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	go func() {
		defer close(rows)
		defer close(stop)
		defer conn.Close()
		for {
			var row models.Message
			if err := conn.ReadJSON(&row); err != nil {
				return
			}
			select {
			case rows <- row:
			case <-ctx.Done():
				return
			}
		}
	}()
	return rows, nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

// CompletionStream requests assistant replies for one session.
type CompletionStream struct {
	client  *Client
	session uuid.UUID
}

// Completions returns the completion provider for a session.
func (c *Client) Completions(sessionID uuid.UUID) *CompletionStream {
	return &CompletionStream{client: c, session: sessionID}
}

// Name identifies the provider in logs.
func (s *CompletionStream) Name() string {
	return "remote"
}

type completionEvent struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Stream posts the prompt and relays the NDJSON token stream.
func (s *CompletionStream) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		err := s.run(ctx, turns, tokens)
		close(tokens)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		errs <- err
	}()
	return tokens, errs
}

func (s *CompletionStream) run(ctx context.Context, turns []models.Turn, tokens chan<- string) error {
	body, err := json.Marshal(map[string]any{"turns": turns})
	if err != nil {
		return err
	}
	req, err := s.client.newRequest(ctx, http.MethodPost, "/sessions/"+s.session.String()+"/completions", body, true)
	if err != nil {
		return err
	}

	resp, err := s.client.StreamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apiError(resp.StatusCode, respBody)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev completionEvent
		if err := dec.Decode(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		switch {
		case ev.Error != "":
			return errors.New(ev.Error)
		case ev.Done:
			return nil
		case ev.Token != "":
			select {
			case tokens <- ev.Token:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
