package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(time.Second):
		t.Fatal("no notification received")
		return ""
	}
}

func TestHub_FansOutToEverySubscriber(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := h.Subscribe(ctx)
	require.NoError(t, err)
	b, err := h.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, "evt-1"))

	assert.Equal(t, "evt-1", receive(t, a))
	assert.Equal(t, "evt-1", receive(t, b))
}

func TestHub_NoRetroactiveDelivery(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.Publish(ctx, "before"))
	ch, err := h.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Publish(ctx, "after"))

	assert.Equal(t, "after", receive(t, ch))
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := h.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_FullSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = h.Publish(ctx, "evt")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	h.Close()

	assert.ErrorIs(t, h.Publish(context.Background(), "evt"), ErrClosed)
	_, err := h.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
