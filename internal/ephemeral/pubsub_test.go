package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
)

func TestResetNotificationsReachSubscribers(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan boards.BoardID, 1)
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.store.SubscribeResets(ctx, ready, func(boardID boards.BoardID) {
			received <- boardID
		})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription was not confirmed")
	}

	if err := env.store.PublishReset(ctx, "board-7"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case boardID := <-received:
		if boardID != "board-7" {
			t.Fatalf("unexpected board id %q", boardID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reset notification was not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop after cancellation")
	}
}
