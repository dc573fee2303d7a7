// Package presence tracks which identities are connected, through which
// connections, and their coarse status.
package presence

import (
	"sort"
	"time"

	"groupchat/internal/models"
	"groupchat/internal/session"
	"groupchat/internal/shard"
)

type entry struct {
	conns     map[string]*session.Conn
	role      models.Role
	away      bool
	awayUntil time.Time
}

// Registry maps identity -> live connections. Mutations for one identity are
// serialized by its shard lock, which also guards the identity's entries in
// the address and staff indices (identity shard is always taken first).
type Registry struct {
	identities *shard.Map[int, *entry]
	addresses  *shard.Map[string, map[string]*session.Conn]
	staff      *shard.Map[int, struct{}]
	awayTTL    time.Duration
	now        func() time.Time
}

func NewRegistry(awayTTL time.Duration) *Registry {
	return &Registry{
		identities: shard.NewMap[int, *entry](shard.DefaultShards),
		addresses:  shard.NewMap[string, map[string]*session.Conn](shard.DefaultShards),
		staff:      shard.NewMap[int, struct{}](shard.DefaultShards),
		awayTTL:    awayTTL,
		now:        time.Now,
	}
}

// SetClock replaces the wall clock; used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Add registers c and reports whether it is the identity's first live
// connection.
func (r *Registry) Add(c *session.Conn) bool {
	id := c.IdentityID()
	first := false

	r.identities.Update(id, func(entries map[int]*entry) {
		e := entries[id]
		if e == nil {
			e = &entry{conns: make(map[string]*session.Conn)}
			entries[id] = e
		}
		if _, dup := e.conns[c.ID]; dup {
			return
		}
		first = len(e.conns) == 0
		e.conns[c.ID] = c
		e.role = c.Identity.Role
		if first {
			e.away = false
			e.awayUntil = time.Time{}
			if e.role.IsStaff() {
				r.staff.Store(id, struct{}{})
			}
		}
		if c.Addr != "" {
			r.addresses.Update(c.Addr, func(byAddr map[string]map[string]*session.Conn) {
				set := byAddr[c.Addr]
				if set == nil {
					set = make(map[string]*session.Conn)
					byAddr[c.Addr] = set
				}
				set[c.ID] = c
			})
		}
	})

	return first
}

// Remove deregisters c and reports whether this removal drained the identity
// to zero connections. Concurrent removals race on the shard lock, so exactly
// one of them observes the transition.
func (r *Registry) Remove(c *session.Conn) bool {
	id := c.IdentityID()
	last := false

	r.identities.Update(id, func(entries map[int]*entry) {
		e := entries[id]
		if e == nil {
			return
		}
		if _, ok := e.conns[c.ID]; !ok {
			return
		}
		delete(e.conns, c.ID)
		if c.Addr != "" {
			r.addresses.Update(c.Addr, func(byAddr map[string]map[string]*session.Conn) {
				if set := byAddr[c.Addr]; set != nil {
					delete(set, c.ID)
					if len(set) == 0 {
						delete(byAddr, c.Addr)
					}
				}
			})
		}
		if len(e.conns) > 0 {
			return
		}

		last = true
		r.staff.Delete(id)
		if e.away && r.awayTTL > 0 {
			e.awayUntil = r.now().Add(r.awayTTL)
			return
		}
		delete(entries, id)
	})

	return last
}

// StatusOf: online while connected (away if the identity said so), away for
// a disconnected identity with a live away marker, offline otherwise.
func (r *Registry) StatusOf(id int) models.PresenceStatus {
	status := models.StatusOffline
	now := r.now()

	r.identities.View(id, func(entries map[int]*entry) {
		e := entries[id]
		switch {
		case e == nil:
		case len(e.conns) > 0 && e.away:
			status = models.StatusAway
		case len(e.conns) > 0:
			status = models.StatusOnline
		case now.Before(e.awayUntil):
			status = models.StatusAway
		}
	})

	return status
}

// SetAway toggles the away flag of a connected identity. It reports whether
// the visible status changed.
func (r *Registry) SetAway(id int, away bool) bool {
	changed := false
	r.identities.Update(id, func(entries map[int]*entry) {
		e := entries[id]
		if e == nil || len(e.conns) == 0 || e.away == away {
			return
		}
		e.away = away
		changed = true
	})
	return changed
}

func (r *Registry) IsOnline(id int) bool {
	online := false
	r.identities.View(id, func(entries map[int]*entry) {
		if e := entries[id]; e != nil && len(e.conns) > 0 {
			online = true
		}
	})
	return online
}

// OnlineIdentities returns identities with at least one live connection.
func (r *Registry) OnlineIdentities() []int {
	var ids []int
	r.identities.Range(func(id int, e *entry) bool {
		if len(e.conns) > 0 {
			ids = append(ids, id)
		}
		return true
	})
	sort.Ints(ids)
	return ids
}

func (r *Registry) ConnectionsOf(id int) []*session.Conn {
	var conns []*session.Conn
	r.identities.View(id, func(entries map[int]*entry) {
		if e := entries[id]; e != nil {
			conns = make([]*session.Conn, 0, len(e.conns))
			for _, c := range e.conns {
				conns = append(conns, c)
			}
		}
	})
	return conns
}

// ConnectionsFrom returns live connections originating from addr.
func (r *Registry) ConnectionsFrom(addr string) []*session.Conn {
	var conns []*session.Conn
	r.addresses.View(addr, func(byAddr map[string]map[string]*session.Conn) {
		for _, c := range byAddr[addr] {
			conns = append(conns, c)
		}
	})
	return conns
}

// OnlineStaff returns the online moderator and admin identities.
func (r *Registry) OnlineStaff() []int {
	var ids []int
	r.staff.Range(func(id int, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	sort.Ints(ids)
	return ids
}

// ConnectionCount is the number of live connections across identities.
func (r *Registry) ConnectionCount() int {
	n := 0
	r.identities.Range(func(_ int, e *entry) bool {
		n += len(e.conns)
		return true
	})
	return n
}

// PruneAway drops disconnected identities whose away marker has lapsed.
func (r *Registry) PruneAway() int {
	now := r.now()
	return r.identities.Sweep(func(_ int, e *entry) bool {
		return len(e.conns) == 0 && !now.Before(e.awayUntil)
	})
}
