package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	var a, b int
	subA := h.Subscribe(func() { a++ })
	h.Subscribe(func() { b++ })

	h.Publish()
	subA.Unsubscribe()
	subA.Unsubscribe()
	h.Publish()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, h.Len())
}

func TestHub_CallbackMayUnsubscribeItself(t *testing.T) {
	h := NewHub()
	var sub Subscription
	calls := 0
	sub = h.Subscribe(func() {
		calls++
		sub.Unsubscribe()
	})

	h.Publish()
	h.Publish()

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.Len())
}

type fakeConn struct {
	notes  chan *pgconn.Notification
	closed atomic.Bool
}

func (c *fakeConn) Wait(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case n, ok := <-c.notes:
		if !ok {
			return nil, errors.New("connection lost")
		}
		return n, nil
	}
}

func (c *fakeConn) Close() { c.closed.Store(true) }

func TestListener_ReconnectsAndPublishes(t *testing.T) {
	conn := &fakeConn{notes: make(chan *pgconn.Notification, 2)}
	conn.notes <- &pgconn.Notification{Channel: Channel, Payload: "INSERT"}
	conn.notes <- &pgconn.Notification{Channel: Channel, Payload: "UPDATE"}

	var dials atomic.Int32
	dial := func(ctx context.Context, channel string) (Conn, error) {
		assert.Equal(t, Channel, channel)
		if dials.Add(1) == 1 {
			return nil, errors.New("dial refused")
		}
		return conn, nil
	}

	l := NewListener(zerolog.Nop(), dial, ListenerOptions{BaseBackoff: time.Millisecond}, nil)

	var mu sync.Mutex
	published := 0
	done := make(chan struct{})
	sub := l.Subscribe(func() {
		mu.Lock()
		defer mu.Unlock()
		published++
		// One resync on connect plus two notifications.
		if published == 3 {
			close(done)
		}
	})
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not publish notifications")
	}
	cancel()
	<-stopped

	require.GreaterOrEqual(t, dials.Load(), int32(2))
	assert.True(t, conn.closed.Load())
}

func TestBackoffDuration(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoffDuration(100*time.Millisecond, 0))
	assert.Equal(t, 400*time.Millisecond, backoffDuration(100*time.Millisecond, 2))
	assert.Equal(t, 10*time.Second, backoffDuration(time.Second, 20))
}
