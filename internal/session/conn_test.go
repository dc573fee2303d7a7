package session

import (
	"sync"
	"testing"
	"time"

	"groupchat/internal/errs"
	"groupchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	conn   *Conn
	closes int
}

func (f *fakeTransport) Close() error {
	f.closes++
	f.conn.MarkTerminated()
	return nil
}

func TestSendAfterCloseFails(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "127.0.0.1", 4)

	require.NoError(t, c.Send([]byte("a")))
	assert.True(t, c.Close([]byte("bye")))
	assert.False(t, c.Close(nil), "second close must not win")

	assert.ErrorIs(t, c.Send([]byte("b")), errs.ErrConnClosed)
	assert.Equal(t, []byte("bye"), c.FinalNotice())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestSendBufferFull(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 1)

	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), errs.ErrSendBufferFull)
}

func TestConcurrentSendAndClose(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 8)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Send([]byte("x"))
		}()
	}
	c.Close(nil)
	wg.Wait()
}

func TestRunTeardownOnce(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 1)
	calls := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RunTeardown(func() { calls++ })
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestRooms(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 1)

	assert.True(t, c.Subscribe(3))
	assert.True(t, c.Subscribe(1))
	assert.False(t, c.Subscribe(3))
	assert.Equal(t, []int{1, 3}, c.Rooms())
	assert.True(t, c.Subscribed(1))

	assert.True(t, c.Unsubscribe(1))
	assert.False(t, c.Unsubscribe(1))
	assert.Equal(t, []int{3}, c.Rooms())
}

func TestAbortUsesTransport(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 1)
	ft := &fakeTransport{conn: c}
	c.AttachTransport(ft)

	assert.False(t, c.WaitTerminated(10*time.Millisecond))
	require.NoError(t, c.Abort())
	assert.Equal(t, 1, ft.closes)
	assert.True(t, c.WaitTerminated(10*time.Millisecond))
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	c := NewConn(models.User{ID: 1}, "", 4)
	require.True(t, c.Subscribe(1))

	c.Close(nil)
	assert.False(t, c.Subscribe(2))
	assert.Equal(t, []int{1}, c.Rooms())
	assert.True(t, c.Unsubscribe(1))
	assert.Empty(t, c.Rooms())
}
