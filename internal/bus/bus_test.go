package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New[int](4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Send(42)

	select {
	case v := <-sub1.C():
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive")
	}
	select {
	case v := <-sub2.C():
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("sub2 did not receive")
	}
}

func TestSendWithNoSubscribersIsNoop(t *testing.T) {
	b := New[int](4)
	assert.NotPanics(t, func() { b.Send(1) })
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := New[int](4)
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestFullSubscriberChannelDropsRatherThanBlocks(t *testing.T) {
	b := New[int](1)
	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		b.Send(1)
		b.Send(2) // sub's buffer (cap 1) is already full; must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full subscriber channel")
	}
	assert.Equal(t, 1, <-sub.C())
}
