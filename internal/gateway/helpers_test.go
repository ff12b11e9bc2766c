package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/editlock"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/boardsync/internal/objectsync"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type gatewayEnv struct {
	gateway *Gateway
	cache   *ephemeral.RedisStore
	durable *boards.GormStore
	server  *miniredis.Miniredis
	clock   *testClock
}

type gatewayOption func(*Config)

func withSendBuffer(size int) gatewayOption {
	return func(cfg *Config) {
		cfg.SendBuffer = size
	}
}

func withAccess(wrap func(AccessChecker) AccessChecker) gatewayOption {
	return func(cfg *Config) {
		cfg.Access = wrap(cfg.Access)
	}
}

// gatedAccess parks one user's access check on one board until release is closed.
type gatedAccess struct {
	AccessChecker
	userID  boards.UserID
	boardID boards.BoardID
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *gatedAccess) CanAccessBoard(ctx context.Context, userID boards.UserID, boardID boards.BoardID) (bool, error) {
	if userID == a.userID && boardID == a.boardID {
		a.once.Do(func() { close(a.entered) })
		<-a.release
	}
	return a.AccessChecker.CanAccessBoard(ctx, userID, boardID)
}

func newGatewayEnv(t *testing.T, options ...gatewayOption) *gatewayEnv {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	cache, err := ephemeral.NewRedisStore(ephemeral.RedisStoreConfig{
		Client:        client,
		PresenceTTL:   30 * time.Second,
		CursorTTL:     10 * time.Second,
		EditLockTTL:   5 * time.Minute,
		BoardCacheTTL: time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}

	dsn := fmt.Sprintf("file:gateway_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	durable, err := boards.NewGormStore(boards.GormStoreConfig{Database: db, Clock: clock.Now})
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
	engine, err := objectsync.NewEngine(objectsync.EngineConfig{
		Cache:     cache,
		Boards:    durable,
		Validator: validator,
		Clock:     clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	detector, err := editlock.NewDetector(editlock.DetectorConfig{Locks: cache, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct detector: %v", err)
	}

	cfg := Config{
		Engine:   engine,
		Locks:    detector,
		Presence: cache,
		Access:   durable,
		Clock:    clock.Now,
	}
	for _, option := range options {
		option(&cfg)
	}
	gateway, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	return &gatewayEnv{gateway: gateway, cache: cache, durable: durable, server: server, clock: clock}
}

// createBoard stores a board owned by ownerID and grants every member access.
func (e *gatewayEnv) createBoard(t *testing.T, boardID, ownerID string, members []string, objects ...boards.Object) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.durable.CreateBoard(ctx, boards.NewBoard{
		ID:      boards.BoardID(boardID),
		OwnerID: boards.UserID(ownerID),
		Objects: objects,
	}); err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	for _, member := range members {
		if err := e.durable.AddMember(ctx, boards.BoardID(boardID), boards.UserID(member), ""); err != nil {
			t.Fatalf("failed to add member %s: %v", member, err)
		}
	}
}

func (e *gatewayEnv) connect(t *testing.T, userID, name string) *Session {
	t.Helper()
	session, err := e.gateway.NewSession(auth.Identity{UserID: userID, DisplayName: name})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return session
}

func (e *gatewayEnv) send(t *testing.T, session *Session, message map[string]any) {
	t.Helper()
	payload, err := sonic.ConfigStd.Marshal(message)
	if err != nil {
		t.Fatalf("failed to encode message: %v", err)
	}
	e.gateway.Handle(context.Background(), session, payload)
}

// join sends join-board and discards what the joiner receives.
func (e *gatewayEnv) join(t *testing.T, session *Session, boardID string) []map[string]any {
	t.Helper()
	e.send(t, session, map[string]any{"type": EventJoinBoard, "boardId": boardID})
	return drain(t, session)
}

// drain returns every message queued for the session.
func drain(t *testing.T, session *Session) []map[string]any {
	t.Helper()
	var messages []map[string]any
	for {
		select {
		case payload := <-session.Outbound():
			var message map[string]any
			if err := sonic.ConfigStd.Unmarshal(payload, &message); err != nil {
				t.Fatalf("failed to decode outbound payload: %v", err)
			}
			messages = append(messages, message)
		default:
			return messages
		}
	}
}

func types(messages []map[string]any) []string {
	names := make([]string, 0, len(messages))
	for _, message := range messages {
		names = append(names, fmt.Sprint(message["type"]))
	}
	return names
}

func expectTypes(t *testing.T, who string, messages []map[string]any, want ...string) {
	t.Helper()
	got := types(messages)
	if len(got) != len(want) {
		t.Fatalf("%s: expected %v, got %v", who, want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("%s: expected %v, got %v", who, want, got)
		}
	}
}

func expectError(t *testing.T, messages []map[string]any, code string) {
	t.Helper()
	if len(messages) != 1 || messages[0]["type"] != EventError || messages[0]["code"] != code {
		t.Fatalf("expected a single %s error, got %v", code, messages)
	}
}

func sticky(id string) boards.Object {
	return boards.Object{boards.FieldID: id, boards.FieldType: "sticky", "x": 1.0, "y": 2.0, "text": id}
}
