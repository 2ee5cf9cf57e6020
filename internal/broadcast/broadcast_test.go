package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/schemapilot/schemapilot/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	b := New(log.NewNop())
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish([]byte(`{"table":"film"}`))

	for _, ch := range []<-chan Message{ch1, ch2} {
		msg := <-ch
		assert.Equal(t, KindEvent, msg.Kind)
		assert.JSONEq(t, `{"table":"film"}`, string(msg.Data))
	}
}

func TestPublish_DropsFullSubscriber(t *testing.T) {
	b := New(log.NewNop(), WithBuffer(1))
	_, full := b.Subscribe()
	_, live := b.Subscribe()

	b.Publish([]byte("first"))
	assert.Equal(t, "first", string((<-live).Data))

	// full never drained, so this overflow removes it from the active set.
	b.Publish([]byte("second"))

	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, uint64(1), b.Dropped())

	// The removed subscriber keeps what was buffered, then sees close.
	assert.Equal(t, "first", string((<-full).Data))
	_, open := <-full
	assert.False(t, open)

	// The healthy subscriber is unaffected, now and on later publishes.
	assert.Equal(t, "second", string((<-live).Data))
	b.Publish([]byte("third"))
	assert.Equal(t, "third", string((<-live).Data))
}

func TestPublish_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(log.NewNop(), WithBuffer(1))
	_, slow := b.Subscribe()
	_, fast := b.Subscribe()
	_ = slow // never read

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish([]byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
	// Both stalled subscribers were cut loose after their first overflow;
	// each still holds the one message it had room for.
	assert.Equal(t, 0, b.SubscriberCount())
	assert.Equal(t, "x", string((<-fast).Data))
	_, open := <-fast
	assert.False(t, open)
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(log.NewNop())
	id, ch := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	b.Unsubscribe(id) // unknown handle is a no-op
	b.Publish([]byte("after"))
}

func TestRun_EmitsHeartbeatWhenIdle(t *testing.T) {
	b := New(log.NewNop(), WithHeartbeatInterval(20*time.Millisecond))
	_, ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	select {
	case msg := <-ch:
		assert.Equal(t, KindHeartbeat, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat on an idle stream")
	}

	cancel()
	<-done
}

func TestRun_ShutdownClosesSubscribers(t *testing.T) {
	b := New(log.NewNop(), WithHeartbeatInterval(time.Hour))
	_, ch := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	cancel()
	<-done

	_, open := <-ch
	assert.False(t, open)

	// Late subscribers and publishes after shutdown must not panic.
	_, late := b.Subscribe()
	_, stillOpen := <-late
	assert.False(t, stillOpen)
	b.Publish([]byte("late"))
}
