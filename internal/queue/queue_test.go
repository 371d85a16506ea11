package queue

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() SelectionEvent {
	return SelectionEvent{
		ID:         "evt-1",
		Date:       "2025-01-01",
		Slot:       "lunch",
		UserID:     "u1",
		UserName:   "Asha",
		Selected:   true,
		Outcome:    "added",
		OccurredAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msg, err := NewSelectionMessage(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	got, err := DecodeSelection(receive(t, ch))
	require.NoError(t, err)
	assert.Equal(t, sampleEvent(), got)
}

func TestRedisQueuePublishConsume(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewRedisQueue(client, "test:selections")
	msg, err := NewSelectionMessage(sampleEvent())
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	got, err := DecodeSelection(receive(t, ch))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.OccurredAt.Equal(sampleEvent().OccurredAt))
}

func TestDecodeSelectionRejectsOtherTypes(t *testing.T) {
	_, err := DecodeSelection(Message{Type: "checkin", Body: []byte(`{}`)})
	require.Error(t, err)

	_, err = DecodeSelection(Message{Type: TypeSelection, Body: []byte(`not json`)})
	require.Error(t, err)
}
