package boards

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustBoardID(t *testing.T, value string) BoardID {
	t.Helper()
	id, err := NewBoardID(value)
	if err != nil {
		t.Fatalf("unexpected board id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:boards_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewGormStore(GormStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, db
}

func seedBoard(t *testing.T, store Store, boardID, ownerID string, objects ...Object) BoardState {
	t.Helper()
	state, err := store.CreateBoard(context.Background(), NewBoard{
		ID:      mustBoardID(t, boardID),
		OwnerID: mustUserID(t, ownerID),
		Title:   "Board " + boardID,
		Objects: objects,
	})
	if err != nil {
		t.Fatalf("failed to seed board: %v", err)
	}
	return state
}

func sticky(id, text string) Object {
	return Object{
		FieldID:   id,
		FieldType: string(ObjectTypeSticky),
		"x":       float64(10),
		"y":       float64(20),
		"text":    text,
	}
}
