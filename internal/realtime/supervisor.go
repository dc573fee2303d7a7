// Package realtime owns the lifecycle of live connections: admission,
// subscription, inbound command dispatch, teardown and eviction.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/fanout"
	"groupchat/internal/membership"
	"groupchat/internal/models"
	"groupchat/internal/presence"
	"groupchat/internal/session"
	"groupchat/internal/shard"
	"groupchat/internal/suspension"
	"groupchat/internal/typing"
	"groupchat/pkg/logger"

	"golang.org/x/sync/errgroup"
)

var ErrShuttingDown = errors.New("server is shutting down")

type Resolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

type Ledger interface {
	IsSuspended(identityID int, address string) (*models.Suspension, bool)
}

type Options struct {
	SendBuffer        int
	EvictGrace        time.Duration
	RateLimitBurst    int
	RateLimitInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.EvictGrace <= 0 {
		o.EvictGrace = 2 * time.Second
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 20
	}
	if o.RateLimitInterval <= 0 {
		o.RateLimitInterval = 10 * time.Second
	}
}

type Supervisor struct {
	resolver Resolver
	ledger   Ledger
	presence *presence.Registry
	members  *membership.Index
	fanout   *fanout.Engine
	typing   *typing.Coordinator
	opts     Options

	subscribers *shard.Map[int, map[string]*session.Conn]
	limiters    *shard.Map[string, *rateLimiter]
	closing     atomic.Bool
	now         func() time.Time
}

func NewSupervisor(
	resolver Resolver,
	ledger Ledger,
	reg *presence.Registry,
	members *membership.Index,
	engine *fanout.Engine,
	typingCoord *typing.Coordinator,
	opts Options,
) *Supervisor {
	opts.setDefaults()
	s := &Supervisor{
		resolver:    resolver,
		ledger:      ledger,
		presence:    reg,
		members:     members,
		fanout:      engine,
		typing:      typingCoord,
		opts:        opts,
		subscribers: shard.NewMap[int, map[string]*session.Conn](shard.DefaultShards),
		limiters:    shard.NewMap[string, *rateLimiter](shard.DefaultShards),
		now:         time.Now,
	}
	members.OnInvalidate(s.resyncRoom)
	return s
}

// Connect admits a new connection. On rejection nothing is registered and
// the error is errs.ErrAuthRejected or *errs.SuspendedError.
func (s *Supervisor) Connect(ctx context.Context, token, address string, transport session.Transport) (*session.Conn, error) {
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	address = suspension.CanonicalAddress(address)

	user, err := s.resolver.Resolve(ctx, token)
	if err != nil {
		logger.Info("Rejected connection from %s: %v", address, err)
		return nil, err
	}
	if rec, ok := s.ledger.IsSuspended(user.ID, address); ok {
		logger.Info("Rejected suspended user %d from %s", user.ID, address)
		return nil, &errs.SuspendedError{Reason: rec.Reason, ExpiresAt: rec.ExpiresAt}
	}

	rooms, err := s.members.RoomsOf(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}

	conn := session.NewConn(*user, address, s.opts.SendBuffer)
	if transport != nil {
		conn.AttachTransport(transport)
	}
	s.send(conn, models.Event{Type: models.EventReady, UserID: user.ID, Username: user.Name(), Rooms: rooms})
	first := s.presence.Add(conn)

	// A suspension applied after the first check either evicted this conn
	// already or is visible now.
	if rec, ok := s.ledger.IsSuspended(user.ID, address); ok {
		conn.Close(nil)
		conn.RunTeardown(func() { s.presence.Remove(conn) })
		logger.Info("Rejected suspended user %d from %s after registration", user.ID, address)
		return nil, &errs.SuspendedError{Reason: rec.Reason, ExpiresAt: rec.ExpiresAt}
	}

	for _, roomID := range rooms {
		s.subscribe(conn, roomID)
	}
	s.limiters.Store(conn.ID, newRateLimiter(s.opts.RateLimitBurst, s.opts.RateLimitInterval, s.now))

	// An eviction that raced the recheck has already torn conn down and
	// announced its offline status; the writer still delivers the notice.
	if conn.Closed() {
		s.limiters.Delete(conn.ID)
		logger.Info("Connection %s of user %d evicted during admission", conn.ID, user.ID)
		return conn, nil
	}

	if first {
		s.announcePresence(ctx, conn.Identity, rooms, models.StatusOnline)
	}

	logger.Info("User %s (%d) connected from %s as %s, %d rooms", user.Username, user.ID, address, conn.ID, len(rooms))
	return conn, nil
}

// Disconnect tears conn down. It is safe to call more than once and
// concurrently with an eviction of the same connection.
func (s *Supervisor) Disconnect(conn *session.Conn) {
	s.teardown(conn)
}

func (s *Supervisor) teardown(conn *session.Conn) {
	conn.RunTeardown(func() {
		conn.Close(nil)

		rooms := conn.Rooms()
		for _, roomID := range rooms {
			s.unsubscribe(conn, roomID)
		}
		s.limiters.Delete(conn.ID)

		if !s.presence.Remove(conn) {
			logger.Debug("Connection %s of user %d closed", conn.ID, conn.IdentityID())
			return
		}

		ctx := context.Background()
		s.typing.ClearIdentity(ctx, conn.IdentityID())
		s.announcePresence(ctx, conn.Identity, rooms, s.presence.StatusOf(conn.IdentityID()))
		logger.Info("User %s (%d) went offline", conn.Identity.Username, conn.IdentityID())
	})
}

// EvictIdentity terminates every live connection of identityID.
func (s *Supervisor) EvictIdentity(ctx context.Context, identityID int, record *models.Suspension) int {
	return s.evict(ctx, s.presence.ConnectionsOf(identityID), suspendedNotice(record))
}

// EvictAddress terminates every live connection opened from address.
func (s *Supervisor) EvictAddress(ctx context.Context, address string, record *models.Suspension) int {
	return s.evict(ctx, s.presence.ConnectionsFrom(suspension.CanonicalAddress(address)), suspendedNotice(record))
}

// ForceEvict terminates every live connection of identityID with reason.
func (s *Supervisor) ForceEvict(ctx context.Context, identityID int, reason string) int {
	return s.EvictIdentity(ctx, identityID, &models.Suspension{Scope: models.ScopeAccount, IdentityID: identityID, Reason: reason})
}

func suspendedNotice(record *models.Suspension) []byte {
	ev := models.Event{Type: models.EventSuspended, Code: errs.ReasonSuspended}
	if record != nil {
		ev.Text = record.Reason
		ev.ExpiresAt = record.ExpiresAt
		ev.UserID = record.IdentityID
	}
	data, err := ev.Encode()
	if err != nil {
		logger.Error("Encode suspended notice: %v", err)
		return nil
	}
	return data
}

// evict closes conns in parallel and returns once each has been torn down
// and its transport has stopped or been abandoned.
func (s *Supervisor) evict(ctx context.Context, conns []*session.Conn, notice []byte) int {
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return s.evictOne(c, notice)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("Eviction: %v", err)
	}
	return len(conns)
}

func (s *Supervisor) evictOne(c *session.Conn, notice []byte) error {
	c.Close(notice)
	s.teardown(c)

	if c.WaitTerminated(s.opts.EvictGrace) {
		return nil
	}
	logger.Warn("Connection %s of user %d did not stop in %s, aborting", c.ID, c.IdentityID(), s.opts.EvictGrace)
	if err := c.Abort(); err != nil {
		logger.Warn("Abort connection %s: %v", c.ID, err)
	}
	if c.WaitTerminated(s.opts.EvictGrace) {
		return nil
	}
	return fmt.Errorf("%w: connection %s of user %d", errs.ErrEvictionIncomplete, c.ID, c.IdentityID())
}

// resyncRoom aligns live subscriptions with a reloaded member list.
func (s *Supervisor) resyncRoom(_ context.Context, roomID int, members []int) {
	memberSet := make(map[int]struct{}, len(members))
	for _, id := range members {
		memberSet[id] = struct{}{}
	}

	var stale []*session.Conn
	s.subscribers.View(roomID, func(rooms map[int]map[string]*session.Conn) {
		for _, c := range rooms[roomID] {
			if _, ok := memberSet[c.IdentityID()]; !ok {
				stale = append(stale, c)
			}
		}
	})
	for _, c := range stale {
		if s.unsubscribe(c, roomID) {
			s.send(c, models.Event{Type: models.EventRoomLeft, RoomID: roomID})
		}
	}

	for _, id := range members {
		for _, c := range s.presence.ConnectionsOf(id) {
			if s.subscribe(c, roomID) {
				s.send(c, models.Event{Type: models.EventRoomJoined, RoomID: roomID})
			}
		}
	}
}

// subscribe reports whether conn was newly subscribed. Closed connections are
// never subscribed; conn.Subscribe checks that under the conn mutex, so a
// teardown either sees the room in conn.Rooms or the insert never happens.
func (s *Supervisor) subscribe(conn *session.Conn, roomID int) bool {
	added := false
	s.subscribers.Update(roomID, func(rooms map[int]map[string]*session.Conn) {
		if !conn.Subscribe(roomID) {
			return
		}
		set := rooms[roomID]
		if set == nil {
			set = make(map[string]*session.Conn)
			rooms[roomID] = set
		}
		set[conn.ID] = conn
		added = true
	})
	return added
}

func (s *Supervisor) unsubscribe(conn *session.Conn, roomID int) bool {
	removed := false
	s.subscribers.Update(roomID, func(rooms map[int]map[string]*session.Conn) {
		removed = conn.Unsubscribe(roomID)
		if set := rooms[roomID]; set != nil {
			delete(set, conn.ID)
			if len(set) == 0 {
				delete(rooms, roomID)
			}
		}
	})
	return removed
}

// Subscribers counts the live connections subscribed to roomID.
func (s *Supervisor) Subscribers(roomID int) int {
	n := 0
	s.subscribers.View(roomID, func(rooms map[int]map[string]*session.Conn) {
		n = len(rooms[roomID])
	})
	return n
}

func (s *Supervisor) announcePresence(ctx context.Context, user models.User, rooms []int, status models.PresenceStatus) {
	ev := models.Event{Type: models.EventPresence, UserID: user.ID, Username: user.Name(), Status: status}
	for _, roomID := range rooms {
		if err := s.fanout.Broadcast(ctx, roomID, ev, user.ID); err != nil {
			logger.Debug("Presence of user %d in room %d: %v", user.ID, roomID, err)
		}
	}
}

func (s *Supervisor) send(conn *session.Conn, ev models.Event) {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("Encode %s event: %v", ev.Type, err)
		return
	}
	if err := conn.Send(data); err != nil {
		logger.Debug("Drop %s event for connection %s: %v", ev.Type, conn.ID, err)
	}
}

// Run prunes lapsed away markers every interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.presence.PruneAway(); n > 0 {
				logger.Debug("Pruned %d away markers", n)
			}
		}
	}
}

// Shutdown refuses new connections and closes every live one, waiting for
// their writers until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.closing.Store(true)

	var conns []*session.Conn
	for _, id := range s.presence.OnlineIdentities() {
		conns = append(conns, s.presence.ConnectionsOf(id)...)
	}
	logger.Info("Closing %d live connections", len(conns))

	for _, c := range conns {
		s.teardown(c)
	}
	for _, c := range conns {
		select {
		case <-c.Terminated():
		case <-ctx.Done():
			logger.Warn("Shutdown deadline reached with connections still open")
			return
		}
	}
}
