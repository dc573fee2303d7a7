package websocket

import (
	"context"
	"time"

	"groupchat/internal/models"
	"groupchat/internal/session"
	"groupchat/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultMaxMessageSize = 8192
	historyLimit          = 10
)

// Dispatcher is the side of the realtime core a socket talks to.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *session.Conn, raw []byte)
	Disconnect(conn *session.Conn)
}

// HistoryStore loads recent room history for a fresh connection.
type HistoryStore interface {
	LoadRecentMessages(ctx context.Context, roomID, limit int) ([]*models.Message, error)
}

// Client pumps frames between one websocket and its session handle.
type Client struct {
	conn           *websocket.Conn
	handle         *session.Conn
	dispatcher     Dispatcher
	maxMessageSize int64
}

func NewClient(conn *websocket.Conn, handle *session.Conn, dispatcher Dispatcher, maxMessageSize int64) *Client {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Client{
		conn:           conn,
		handle:         handle,
		dispatcher:     dispatcher,
		maxMessageSize: maxMessageSize,
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.dispatcher.Disconnect(c.handle)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket error for user %d: %v", c.handle.IdentityID(), err)
			}
			break
		}
		c.dispatcher.Dispatch(c.handle.Context(), c.handle, message)
	}
}

// WritePump drains the handle's outbound queue until the handle is closed,
// then writes the final notice if any and a close frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.handle.MarkTerminated()
	}()

	for {
		// A closed handle wins over queued deliveries.
		select {
		case <-c.handle.Done():
			c.finish()
			return
		default:
		}

		select {
		case <-c.handle.Done():
			c.finish()
			return

		case msg := <-c.handle.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Write error for connection %s: %v", c.handle.ID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) finish() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	code, text := websocket.CloseNormalClosure, ""
	if notice := c.handle.FinalNotice(); notice != nil {
		if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
			logger.Debug("Final notice for connection %s not written: %v", c.handle.ID, err)
		}
		code, text = websocket.ClosePolicyViolation, "suspended"
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// SendHistory queues the last few messages of each room the handle is
// subscribed to, one history event per room.
func (c *Client) SendHistory(ctx context.Context, store HistoryStore) {
	for _, roomID := range c.handle.Rooms() {
		messages, err := store.LoadRecentMessages(ctx, roomID, historyLimit)
		if err != nil {
			logger.Error("Error loading recent messages for room %d: %v", roomID, err)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		data, err := models.Event{Type: models.EventHistory, RoomID: roomID, History: messages}.Encode()
		if err != nil {
			logger.Error("Error marshaling history: %v", err)
			continue
		}
		if err := c.handle.Send(data); err != nil {
			return
		}
	}
}

// Reject tells a client why it was not admitted and closes the socket.
func Reject(conn *websocket.Conn, ev models.Event, code int) {
	defer conn.Close()

	data, err := ev.Encode()
	if err != nil {
		logger.Error("Error marshaling rejection: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ev.Code))
}
