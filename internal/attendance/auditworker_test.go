package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messmeal/internal/logger"
	"messmeal/internal/queue"
)

type recordingRepo struct {
	mu   sync.Mutex
	seen map[string]bool
	got  []queue.SelectionEvent
}

func (r *recordingRepo) InsertEvent(ctx context.Context, evt queue.SelectionEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[evt.ID] {
		return false, nil
	}
	r.seen[evt.ID] = true
	r.got = append(r.got, evt)
	return true, nil
}

func (r *recordingRepo) events() []queue.SelectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.SelectionEvent(nil), r.got...)
}

func TestConsumeAudit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewInMemory(8)
	repo := &recordingRepo{seen: map[string]bool{}}

	evt := queue.SelectionEvent{ID: "e1", Date: "2025-01-01", Slot: "lunch", UserID: "userA", Selected: true, Outcome: "added"}
	msg, err := queue.NewSelectionMessage(evt)
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "junk", Body: []byte(`{}`)}))
	require.NoError(t, q.Publish(ctx, msg))
	require.NoError(t, q.Publish(ctx, msg))

	done := make(chan error, 1)
	go func() { done <- ConsumeAudit(ctx, q, repo, logger.Nop()) }()

	assert.Eventually(t, func() bool { return len(repo.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, "userA", repo.events()[0].UserID)
}
