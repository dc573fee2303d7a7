// Package session defines the handle for one live transport session.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"

	"github.com/google/uuid"
)

// Transport is the hard-close hook of the underlying socket. Close must be
// safe to call concurrently with an in-progress write.
type Transport interface {
	Close() error
}

// Conn is one live connection. Its lifecycle is owned by the realtime
// supervisor; outbound delivery goes through Send and the transport writer
// drains Outbound until Done is closed.
type Conn struct {
	ID          string
	Identity    models.User
	Addr        string
	ConnectedAt time.Time

	send       chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	terminated chan struct{}
	termOnce   sync.Once
	teardown   sync.Once
	transport  Transport

	mu           sync.Mutex
	closed       bool
	notice       []byte
	rooms        map[int]struct{}
	lastActivity time.Time
}

func NewConn(identity models.User, addr string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Conn{
		ID:           uuid.NewString(),
		Identity:     identity,
		Addr:         addr,
		ConnectedAt:  now,
		send:         make(chan []byte, buffer),
		ctx:          ctx,
		cancel:       cancel,
		terminated:   make(chan struct{}),
		rooms:        make(map[int]struct{}),
		lastActivity: now,
	}
}

func (c *Conn) IdentityID() int {
	return c.Identity.ID
}

// AttachTransport registers the socket hard-close hook.
func (c *Conn) AttachTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// Send enqueues data without blocking.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errs.ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errs.ErrSendBufferFull
	}
}

func (c *Conn) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection is closed or evicted. Queued deliveries
// that were not yet written are abandoned.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) Context() context.Context {
	return c.ctx
}

// Close marks the connection closed and stores an optional final notice for
// the writer. Only the first call has effect; it reports whether it won.
func (c *Conn) Close(notice []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.notice = notice
	c.mu.Unlock()

	c.cancel()
	return true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FinalNotice returns the notice recorded by Close, if any.
func (c *Conn) FinalNotice() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notice
}

// Abort hard-closes the transport.
func (c *Conn) Abort() error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		c.MarkTerminated()
		return nil
	}
	return t.Close()
}

// MarkTerminated is called by the transport writer once it has stopped.
func (c *Conn) MarkTerminated() {
	c.termOnce.Do(func() { close(c.terminated) })
}

func (c *Conn) Terminated() <-chan struct{} {
	return c.terminated
}

// WaitTerminated waits up to d for the writer to stop.
func (c *Conn) WaitTerminated(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.terminated:
		return true
	case <-timer.C:
		return false
	}
}

// RunTeardown runs fn at most once for the lifetime of the handle.
func (c *Conn) RunTeardown(fn func()) bool {
	ran := false
	c.teardown.Do(func() {
		ran = true
		fn()
	})
	return ran
}

// Subscribe adds roomID to the handle's rooms. It reports false when the
// room was already present or the handle is closed.
func (c *Conn) Subscribe(roomID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Conn) Unsubscribe(roomID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

func (c *Conn) Subscribed(roomID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the subscribed room ids in ascending order.
func (c *Conn) Rooms() []int {
	c.mu.Lock()
	rooms := make([]int, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	sort.Ints(rooms)
	return rooms
}

func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
