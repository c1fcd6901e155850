package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"snippet-sync/internal/auth"
	"snippet-sync/internal/models"
	"snippet-sync/internal/services"
	"snippet-sync/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotInRoom        = errors.New("connection is not in room")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// Options are the per-connection timings.
type Options struct {
	// EditDebounce is the quiescence delay before an edit is written and fanned out.
	EditDebounce time.Duration
	// CursorThrottle spaces cursor relays; zero relays every move immediately.
	CursorThrottle time.Duration
	// OpTimeout bounds each store and bus call made for this connection.
	OpTimeout time.Duration
}

// Client is one authenticated connection. It is in at most one room at a
// time; joining another room leaves the current one first.
type Client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	rooms    *services.RoomService
	identity *auth.Identity
	opts     Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	joined map[string]string // room -> display name

	editTimer *time.Timer
	editRoom  string
	editSeq   uint64

	cursorTimer   *time.Timer
	pendingCursor *models.CursorUpdated
	lastCursor    time.Time
}

func NewClient(conn *websocket.Conn, hub *Hub, rooms *services.RoomService, identity *auth.Identity, opts Options) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		hub:      hub,
		rooms:    rooms,
		identity: identity,
		opts:     opts,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		joined:   make(map[string]string),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) subject() string {
	if c.identity == nil {
		return "-"
	}
	return c.identity.Subject
}

// Rooms returns the rooms the connection is currently in.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.joined))
	for r := range c.joined {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// ReadPump handles inbound events until the transport fails, then runs
// disconnect cleanup. Join, leave and disconnect all run on this goroutine.
func (c *Client) ReadPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("[Gateway] conn %s read error: %v", c.id, err)
			}
			return
		}

		if err := c.handleMessage(message); err != nil {
			logger.Warn("[Gateway] conn %s dropped event: %v", c.id, err)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("[Gateway] conn %s write error: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) handleMessage(raw []byte) error {
	var msg models.WebSocketMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch msg.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return err
		}
		if p.Room == "" {
			return fmt.Errorf("%w: join without room", ErrMalformedPayload)
		}
		c.join(p.Room, models.NormalizeDisplayName(p.DisplayName))

	case models.EventLeave:
		var p models.LeavePayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return err
		}
		if p.Room == "" {
			return fmt.Errorf("%w: leave without room", ErrMalformedPayload)
		}
		c.leave(p.Room)

	case models.EventEdit:
		var p models.EditPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return err
		}
		cs := models.CodeStateFromValues(p.HTML, p.CSS, p.JS)
		if p.Room == "" || cs.IsEmpty() {
			return fmt.Errorf("%w: edit needs a room and at least one field", ErrMalformedPayload)
		}
		return c.scheduleEdit(p.Room, cs)

	case models.EventCursor:
		var p models.CursorPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return err
		}
		if p.Room == "" {
			return fmt.Errorf("%w: cursor without room", ErrMalformedPayload)
		}
		return c.relayCursor(models.CursorUpdated{
			Room:        p.Room,
			DisplayName: models.NormalizeDisplayName(p.DisplayName),
			Color:       models.NormalizeColor(p.Color),
			Position:    p.Position,
			OriginID:    c.id,
		})

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, msg.Type)
	}

	return nil
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func (c *Client) opContext() (context.Context, context.CancelFunc) {
	if c.opts.OpTimeout > 0 {
		return context.WithTimeout(context.Background(), c.opts.OpTimeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Client) join(room, displayName string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var prior []string
	for r := range c.joined {
		if r != room {
			prior = append(prior, r)
		}
	}
	c.mu.Unlock()

	for _, r := range prior {
		c.leave(r)
	}

	c.mu.Lock()
	c.joined[room] = displayName
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()

	c.hub.Attach(ctx, room, c)
	doc := c.rooms.Join(ctx, room, c.id, displayName)
	logger.Info("[Gateway] %s joined room %s (conn %s, user %s)", displayName, room, c.id, c.subject())

	if doc == nil {
		return
	}
	msg, err := models.NewMessage(models.EventDocumentUpdated, models.DocumentUpdated{Room: room, CodeState: *doc})
	if err != nil {
		logger.Error("[Gateway] encode cached document: %v", err)
		return
	}
	c.sendMessage(msg)
}

func (c *Client) leave(room string) {
	c.mu.Lock()
	if _, ok := c.joined[room]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.joined, room)
	c.cancelPendingLocked(room)
	c.mu.Unlock()

	c.cleanupRoom(room)
	logger.Info("[Gateway] conn %s left room %s", c.id, room)
}

// cleanupRoom detaches the connection from room and rebroadcasts presence.
// A panic here is contained so the remaining rooms still get cleaned up.
func (c *Client) cleanupRoom(room string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Gateway] cleanup of room %s for conn %s failed: %v", room, c.id, r)
		}
	}()

	ctx, cancel := c.opContext()
	defer cancel()

	c.hub.Detach(ctx, room, c)
	c.rooms.Leave(ctx, room, c.id)
}

// disconnect runs once the transport is gone: pending work is cancelled and
// every room the connection was in gets the same cleanup as an explicit leave.
func (c *Client) disconnect() {
	c.mu.Lock()
	c.closed = true
	c.cancelPendingLocked("")
	rooms := make([]string, 0, len(c.joined))
	for r := range c.joined {
		rooms = append(rooms, r)
	}
	c.joined = make(map[string]string)
	c.mu.Unlock()

	for _, room := range rooms {
		c.cleanupRoom(room)
	}

	c.close()
	logger.Info("[Gateway] conn %s disconnected", c.id)
}

// cancelPendingLocked drops the scheduled edit and cursor relay for room,
// or for every room when room is empty.
func (c *Client) cancelPendingLocked(room string) {
	if c.editTimer != nil && (room == "" || c.editRoom == room) {
		c.editTimer.Stop()
		c.editTimer = nil
		c.editSeq++
	}
	if c.pendingCursor != nil && (room == "" || c.pendingCursor.Room == room) {
		c.pendingCursor = nil
	}
	if room == "" && c.cursorTimer != nil {
		c.cursorTimer.Stop()
		c.cursorTimer = nil
	}
}

// scheduleEdit replaces any pending edit with cs and restarts the quiescence
// timer. Only the last edit of a burst reaches the cache.
func (c *Client) scheduleEdit(room string, cs models.CodeState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if _, ok := c.joined[room]; !ok {
		return fmt.Errorf("%w: edit for %s", ErrNotInRoom, room)
	}

	if c.editTimer != nil {
		c.editTimer.Stop()
	}
	c.editSeq++
	seq := c.editSeq
	c.editRoom = room
	c.editTimer = time.AfterFunc(c.opts.EditDebounce, func() {
		c.flushEdit(seq, room, cs)
	})
	return nil
}

func (c *Client) flushEdit(seq uint64, room string, cs models.CodeState) {
	c.mu.Lock()
	if c.closed || seq != c.editSeq {
		c.mu.Unlock()
		return
	}
	if _, ok := c.joined[room]; !ok {
		c.mu.Unlock()
		return
	}
	c.editTimer = nil
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()
	c.rooms.PublishEdit(ctx, room, c.id, cs)
}

func (c *Client) relayCursor(cursor models.CursorUpdated) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.joined[cursor.Room]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: cursor for %s", ErrNotInRoom, cursor.Room)
	}

	if c.opts.CursorThrottle > 0 {
		now := time.Now()
		elapsed := now.Sub(c.lastCursor)
		if c.cursorTimer != nil || elapsed < c.opts.CursorThrottle {
			c.pendingCursor = &cursor
			if c.cursorTimer == nil {
				c.cursorTimer = time.AfterFunc(c.opts.CursorThrottle-elapsed, c.flushCursor)
			}
			c.mu.Unlock()
			return nil
		}
		c.lastCursor = now
	}
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()
	c.rooms.RelayCursor(ctx, cursor)
	return nil
}

// flushCursor sends the trailing cursor position of a throttle window.
func (c *Client) flushCursor() {
	c.mu.Lock()
	c.cursorTimer = nil
	cursor := c.pendingCursor
	c.pendingCursor = nil
	if c.closed || cursor == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.joined[cursor.Room]; !ok {
		c.mu.Unlock()
		return
	}
	c.lastCursor = time.Now()
	c.mu.Unlock()

	ctx, cancel := c.opContext()
	defer cancel()
	c.rooms.RelayCursor(ctx, *cursor)
}

func (c *Client) sendMessage(msg *models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", msg.Type, err)
		return
	}
	c.enqueue(data)
}

// enqueue never blocks. A connection whose buffer is full is closed and
// goes through normal disconnect cleanup.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("[Gateway] conn %s send buffer full, closing", c.id)
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
