package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/crypto"
	"github.com/eldtechnologies/confab/internal/models"
)

// Realtime connection timing.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 512
)

// CloseResync is sent when the server ends a feed the client should
// recover from by reloading history.
const CloseResync = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Requests are authenticated by signature, not by cookie.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedConn pumps one session subscription onto one websocket.
type feedConn struct {
	conn    *websocket.Conn
	session uuid.UUID
	rows    <-chan models.Message
	sealer  *crypto.Sealer
	logger  zerolog.Logger
	done    chan struct{}
}

// Feed upgrades to a websocket and streams every row stored in the session
// from now on. History is loaded separately through GetMessages.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	session, user := h.sessionAccess(w, r)
	if session == nil {
		return
	}
	if h.feed == nil {
		h.Error(w, http.StatusServiceUnavailable, "realtime feed not configured")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before upgrading so a failure can still be reported as JSON.
	rows, err := h.feed.Subscribe(ctx, session.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", session.ID.String()).Msg("feed subscribe failed")
		h.Error(w, http.StatusServiceUnavailable, "realtime feed unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	fc := &feedConn{
		conn:    conn,
		session: session.ID,
		rows:    rows,
		sealer:  h.sealer,
		logger: h.logger.With().
			Str("session_id", session.ID.String()).
			Str("user", user.ID.String()).
			Logger(),
		done: make(chan struct{}),
	}
	fc.logger.Debug().Msg("feed connected")

	go fc.readPump()
	fc.writePump()
	fc.logger.Debug().Msg("feed disconnected")
}

// readPump only services control frames; clients never send data.
func (c *feedConn) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("feed read error")
			}
			return
		}
	}
}

func (c *feedConn) writePump() {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case row, ok := <-c.rows:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				// Subscription ended server side: tell the client to resync.
				msg := websocket.FormatCloseMessage(CloseResync, "resync required")
				c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
				return
			}

			content, err := c.sealer.Open(c.session, row.Content)
			if err != nil {
				c.logger.Error().Err(err).Str("message_id", row.ID).Msg("feed row could not be opened")
				continue
			}
			row.Content = content

			if err := c.conn.WriteJSON(row); err != nil {
				c.logger.Debug().Err(err).Msg("feed write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
