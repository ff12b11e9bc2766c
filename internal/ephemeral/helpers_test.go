package ephemeral

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testEnv struct {
	store  *RedisStore
	server *miniredis.Miniredis
	clock  *manualClock
}

// advance moves the injected clock and the redis server clock together.
func (e *testEnv) advance(d time.Duration) {
	e.clock.mu.Lock()
	e.clock.now = e.clock.now.Add(d)
	e.clock.mu.Unlock()
	e.server.FastForward(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	store, err := NewRedisStore(RedisStoreConfig{
		Client:        client,
		PresenceTTL:   30 * time.Second,
		CursorTTL:     10 * time.Second,
		EditLockTTL:   5 * time.Minute,
		BoardCacheTTL: time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return &testEnv{store: store, server: server, clock: clock}
}

func sticky(id, text string) boards.Object {
	return boards.Object{
		boards.FieldID:   id,
		boards.FieldType: string(boards.ObjectTypeSticky),
		"x":              float64(1),
		"y":              float64(2),
		"text":           text,
	}
}
