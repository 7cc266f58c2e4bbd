package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
	return Notification{}
}

func TestHub_fansOutToAllSubscribers(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe(context.Background())
	defer cancelA()
	b, cancelB := h.Subscribe(context.Background())
	defer cancelB()

	h.Publish(Notification{Kind: KindIncident, Meter: "F20"})

	na, nb := receive(t, a), receive(t, b)
	assert.Equal(t, "F20", na.Meter)
	assert.Equal(t, na.ID, nb.ID)
	assert.NotEmpty(t, na.ID)
	assert.False(t, na.At.IsZero())
}

func TestHub_slowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Notification{Kind: KindCommissioning})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, int64(9), h.Dropped())
}

func TestHub_cancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx)
	cancel()

	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestRedisBridge_sharesNotificationsAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, remote := NewHub(4), NewHub(4)
	localBridge := NewRedisBridge(newClient(), "operator.notifications", local)
	remoteBridge := NewRedisBridge(newClient(), "operator.notifications", remote)
	go localBridge.Run(ctx)
	go remoteBridge.Run(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("operator.notifications")["operator.notifications"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	localCh, c1 := local.Subscribe(ctx)
	defer c1()
	remoteCh, c2 := remote.Subscribe(ctx)
	defer c2()

	local.Publish(Notification{Kind: KindIncident, Meter: "F20"})

	got := receive(t, remoteCh)
	assert.Equal(t, "F20", got.Meter)
	assert.Equal(t, local.Origin(), got.Origin)

	receive(t, localCh)
	select {
	case n := <-localCh:
		t.Fatalf("local hub received its own notification twice: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}
