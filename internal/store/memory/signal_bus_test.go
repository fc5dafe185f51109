package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalBus_PublishSubscribe(t *testing.T) {
	bus := NewSignalBus(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "challenges")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "challenges", []byte("hello")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("ignored")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSignalBus_Stream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus(2)
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "ledger", []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, "ledger", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, "ledger", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))
}
