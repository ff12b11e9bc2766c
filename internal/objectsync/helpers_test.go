package objectsync

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
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("gen-%d", s.next), nil
}

type engineEnv struct {
	engine  *Engine
	cache   *ephemeral.RedisStore
	durable *boards.GormStore
	server  *miniredis.Miniredis
}

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	clock := func() time.Time { return testNow }
	cache, err := ephemeral.NewRedisStore(ephemeral.RedisStoreConfig{
		Client:        client,
		BoardCacheTTL: time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}

	dsn := fmt.Sprintf("file:objectsync_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	durable, err := boards.NewGormStore(boards.GormStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct durable store: %v", err)
	}
	t.Cleanup(func() {
		_ = durable.Close()
	})

	validator, err := boards.NewValidator()
	if err != nil {
		t.Fatalf("failed to compile schemas: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Cache:      cache,
		Boards:     durable,
		Validator:  validator,
		IDProvider: &sequentialIDs{},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &engineEnv{engine: engine, cache: cache, durable: durable, server: server}
}

func (e *engineEnv) seedBoard(t *testing.T, boardID string, objects ...boards.Object) boards.BoardID {
	t.Helper()
	state, err := e.durable.CreateBoard(context.Background(), boards.NewBoard{
		ID:      boards.BoardID(boardID),
		OwnerID: "owner",
		Title:   boardID,
		Objects: objects,
	})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	if _, err := e.engine.LoadBoard(context.Background(), state.ID); err != nil {
		t.Fatalf("failed to load board: %v", err)
	}
	return state.ID
}

func (e *engineEnv) objects(t *testing.T, boardID boards.BoardID) map[string]boards.Object {
	t.Helper()
	cached, err := e.cache.ReadBoard(context.Background(), boardID)
	if err != nil {
		t.Fatalf("failed to read cache: %v", err)
	}
	byID := make(map[string]boards.Object, len(cached.Objects))
	for _, object := range cached.Objects {
		byID[object.ID()] = object
	}
	return byID
}
