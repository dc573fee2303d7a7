// Package membership caches which identities belong to which rooms.
package membership

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"groupchat/internal/shard"
	"groupchat/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Loader is the durable source of membership.
type Loader interface {
	GetRoomMemberIDs(ctx context.Context, roomID int) ([]int, error)
	ListMemberRoomIDs(ctx context.Context, userID int) ([]int, error)
}

// InvalidateFunc observes a room's membership after a reload.
type InvalidateFunc func(ctx context.Context, roomID int, members []int)

type roomState struct {
	gen     uint64
	members map[int]struct{} // nil until loaded; replaced, never mutated
}

type Index struct {
	loader Loader
	rooms  *shard.Map[int, *roomState]
	group  singleflight.Group

	mu        sync.RWMutex
	callbacks []InvalidateFunc
}

func NewIndex(loader Loader) *Index {
	return &Index{
		loader: loader,
		rooms:  shard.NewMap[int, *roomState](shard.DefaultShards),
	}
}

// OnInvalidate registers fn to run synchronously at the end of every
// Invalidate.
func (ix *Index) OnInvalidate(fn InvalidateFunc) {
	ix.mu.Lock()
	ix.callbacks = append(ix.callbacks, fn)
	ix.mu.Unlock()
}

// RoomsOf lists the rooms identityID belongs to, in ascending order.
func (ix *Index) RoomsOf(ctx context.Context, identityID int) ([]int, error) {
	rooms, err := ix.loader.ListMemberRoomIDs(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("list rooms of identity %d: %w", identityID, err)
	}
	sort.Ints(rooms)
	return rooms, nil
}

// MembersOf returns the room's members in ascending order.
func (ix *Index) MembersOf(ctx context.Context, roomID int) ([]int, error) {
	set, err := ix.members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return sortedIDs(set), nil
}

func (ix *Index) IsMember(ctx context.Context, roomID, identityID int) (bool, error) {
	set, err := ix.members(ctx, roomID)
	if err != nil {
		return false, err
	}
	_, ok := set[identityID]
	return ok, nil
}

// Invalidate drops the cached membership of roomID, reloads it and runs the
// registered callbacks before returning.
func (ix *Index) Invalidate(ctx context.Context, roomID int) error {
	ix.rooms.Update(roomID, func(rooms map[int]*roomState) {
		st := rooms[roomID]
		if st == nil {
			st = &roomState{}
			rooms[roomID] = st
		}
		st.gen++
		st.members = nil
	})

	set, err := ix.members(ctx, roomID)
	if err != nil {
		return err
	}
	members := sortedIDs(set)

	ix.mu.RLock()
	callbacks := append([]InvalidateFunc(nil), ix.callbacks...)
	ix.mu.RUnlock()

	for _, fn := range callbacks {
		fn(ctx, roomID, members)
	}
	logger.Debug("Membership of room %d reloaded: %d members", roomID, len(members))
	return nil
}

// members returns the cached set, loading it on first use. Concurrent first
// loads share one query; a load that started before an invalidation is
// returned to its callers but not cached.
func (ix *Index) members(ctx context.Context, roomID int) (map[int]struct{}, error) {
	var (
		set map[int]struct{}
		gen uint64
	)
	ix.rooms.View(roomID, func(rooms map[int]*roomState) {
		if st := rooms[roomID]; st != nil {
			set, gen = st.members, st.gen
		}
	})
	if set != nil {
		return set, nil
	}

	key := strconv.Itoa(roomID) + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := ix.group.Do(key, func() (any, error) {
		ids, err := ix.loader.GetRoomMemberIDs(context.WithoutCancel(ctx), roomID)
		if err != nil {
			return nil, fmt.Errorf("load members of room %d: %w", roomID, err)
		}
		loaded := make(map[int]struct{}, len(ids))
		for _, id := range ids {
			loaded[id] = struct{}{}
		}

		ix.rooms.Update(roomID, func(rooms map[int]*roomState) {
			st := rooms[roomID]
			if st == nil {
				st = &roomState{}
				rooms[roomID] = st
			}
			if st.gen == gen {
				st.members = loaded
			}
		})
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int]struct{}), nil
}

func sortedIDs(set map[int]struct{}) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
