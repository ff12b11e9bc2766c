package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	miniredis "github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// faultyStore wraps a durable store and injects failures on demand.
type faultyStore struct {
	boards.Store

	mu           sync.Mutex
	swapErr      error
	snapshotErr  error
	snapshotCall int
}

func (s *faultyStore) CompareAndSwapObjects(ctx context.Context, boardID boards.BoardID, expectedVersion int64, objects []boards.Object, deletedIDs []string) (bool, error) {
	s.mu.Lock()
	err := s.swapErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.Store.CompareAndSwapObjects(ctx, boardID, expectedVersion, objects, deletedIDs)
}

func (s *faultyStore) CreateSnapshot(ctx context.Context, boardID boards.BoardID, boardVersion int64, objects []boards.Object, maxRetained int) (boards.Snapshot, error) {
	s.mu.Lock()
	s.snapshotCall++
	err := s.snapshotErr
	s.mu.Unlock()
	if err != nil {
		return boards.Snapshot{}, err
	}
	return s.Store.CreateSnapshot(ctx, boardID, boardVersion, objects, maxRetained)
}

func (s *faultyStore) failSwaps(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapErr = err
}

func (s *faultyStore) failSnapshots(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotErr = err
}

func (s *faultyStore) snapshotCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotCall
}

type durableEnv struct {
	store *faultyStore
	db    *gorm.DB
}

func newDurableEnv(t *testing.T) *durableEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:reconciler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(boards.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := boards.NewGormStore(boards.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return &durableEnv{store: &faultyStore{Store: store}, db: db}
}

func (d *durableEnv) createBoard(t *testing.T, boardID string, objects ...boards.Object) boards.BoardState {
	t.Helper()
	state, err := d.store.CreateBoard(context.Background(), boards.NewBoard{
		ID:      boards.BoardID(boardID),
		OwnerID: "owner",
		Objects: objects,
	})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	return state
}

func (d *durableEnv) load(t *testing.T, boardID boards.BoardID) boards.BoardState {
	t.Helper()
	state, err := d.store.LoadBoard(context.Background(), boardID)
	if err != nil {
		t.Fatalf("failed to load board: %v", err)
	}
	return state
}

func (d *durableEnv) snapshots(t *testing.T, boardID boards.BoardID) []boards.Snapshot {
	t.Helper()
	snapshots, err := d.store.ListSnapshots(context.Background(), boardID, 0)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	return snapshots
}

func newCache(t *testing.T) *ephemeral.RedisStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	cache, err := ephemeral.NewRedisStore(ephemeral.RedisStoreConfig{Client: client, BoardCacheTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	return cache
}

func newReconciler(t *testing.T, cache *ephemeral.RedisStore, durable *durableEnv, snapshotEvery int, logger *zap.Logger) *Reconciler {
	t.Helper()
	reconciler, err := New(Config{
		Cache:         cache,
		Resets:        cache,
		Boards:        durable.store,
		Interval:      time.Hour,
		BatchSize:     2,
		SnapshotEvery: snapshotEvery,
		MaxSnapshots:  10,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to construct reconciler: %v", err)
	}
	return reconciler
}

func seedCache(t *testing.T, cache *ephemeral.RedisStore, state boards.BoardState) {
	t.Helper()
	if _, err := cache.SeedBoard(context.Background(), state); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}
}

func addSticky(t *testing.T, cache *ephemeral.RedisStore, boardID boards.BoardID, objectID, text string) {
	t.Helper()
	object := boards.Object{boards.FieldID: objectID, boards.FieldType: "sticky", "x": 1.0, "y": 2.0, "text": text}
	if err := cache.CreateObject(context.Background(), boardID, object); err != nil {
		t.Fatalf("failed to create %s: %v", objectID, err)
	}
}

func mustTick(t *testing.T, reconciler *Reconciler) Report {
	t.Helper()
	report, err := reconciler.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	return report
}

func objectIDs(objects []boards.Object) []string {
	ids := make([]string, 0, len(objects))
	for _, object := range objects {
		ids = append(ids, object.ID())
	}
	return ids
}
