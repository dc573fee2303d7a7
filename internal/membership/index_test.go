package membership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu      sync.Mutex
	members map[int][]int
	loads   atomic.Int32
	delay   time.Duration
	err     error
}

func (f *fakeLoader) GetRoomMemberIDs(_ context.Context, roomID int) ([]int, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]int(nil), f.members[roomID]...), nil
}

func (f *fakeLoader) ListMemberRoomIDs(_ context.Context, userID int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []int
	for room, ids := range f.members {
		for _, id := range ids {
			if id == userID {
				rooms = append(rooms, room)
			}
		}
	}
	return rooms, nil
}

func (f *fakeLoader) set(roomID int, ids ...int) {
	f.mu.Lock()
	f.members[roomID] = ids
	f.mu.Unlock()
}

func TestLazyLoadIsCached(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{members: map[int][]int{1: {3, 2}}}
	ix := NewIndex(loader)

	members, err := ix.MembersOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, members)

	ok, err := ix.IsMember(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestConcurrentFirstLoadsCollapse(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{members: map[int][]int{1: {1}}, delay: 20 * time.Millisecond}
	ix := NewIndex(loader)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ix.IsMember(ctx, 1, 1)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestInvalidateReloadsAndNotifies(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{members: map[int][]int{5: {1, 2}}}
	ix := NewIndex(loader)

	var seen []int
	ix.OnInvalidate(func(_ context.Context, roomID int, members []int) {
		assert.Equal(t, 5, roomID)
		seen = members
	})

	ok, _ := ix.IsMember(ctx, 5, 3)
	require.False(t, ok)

	loader.set(5, 1, 3)
	require.NoError(t, ix.Invalidate(ctx, 5))

	assert.Equal(t, []int{1, 3}, seen, "callbacks run before Invalidate returns")
	ok, _ = ix.IsMember(ctx, 5, 3)
	assert.True(t, ok)
	ok, _ = ix.IsMember(ctx, 5, 2)
	assert.False(t, ok)
}

func TestLoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{members: map[int][]int{1: {1}}, err: errors.New("db down")}
	ix := NewIndex(loader)

	_, err := ix.MembersOf(ctx, 1)
	require.Error(t, err)

	loader.mu.Lock()
	loader.err = nil
	loader.mu.Unlock()

	members, err := ix.MembersOf(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, members)
}

func TestRoomsOfIsSorted(t *testing.T) {
	loader := &fakeLoader{members: map[int][]int{9: {1}, 2: {1}, 4: {2}}}
	ix := NewIndex(loader)

	rooms, err := ix.RoomsOf(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 9}, rooms)
}
