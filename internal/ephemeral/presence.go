package ephemeral

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	opSetPresence    = "ephemeral.set_presence"
	opRemovePresence = "ephemeral.remove_presence"
	opListPresence   = "ephemeral.list_presence"
	opActiveBoards   = "ephemeral.active_boards"
	opSetCursor      = "ephemeral.set_cursor"

	scanBatchSize = 200
)

// Presence describes one user currently on a board.
type Presence struct {
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	Avatar        string    `json:"avatar,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Cursor is the last reported pointer position of a user.
type Cursor struct {
	UserID     string    `json:"userId"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// SetPresence writes (or refreshes) the presence entry and restarts its TTL.
// Heartbeats call this with the same entry.
func (s *RedisStore) SetPresence(ctx context.Context, boardID boards.BoardID, entry Presence) (Presence, error) {
	userID, err := boards.NewUserID(entry.UserID)
	if err != nil {
		return Presence{}, err
	}
	entry.UserID = userID.String()
	entry.LastHeartbeat = s.clock().UTC()
	payload, err := encodeJSON(entry)
	if err != nil {
		return Presence{}, newStoreError(opSetPresence, reasonEncodeFailed, err)
	}
	if err := s.client.Set(ctx, presenceKey(boardID, userID), payload, s.presenceTTL).Err(); err != nil {
		s.logError(opSetPresence, reasonCommandFailed, err, zap.String("board_id", boardID.String()))
		return Presence{}, newStoreError(opSetPresence, reasonCommandFailed, err)
	}
	return entry, nil
}

// RemovePresence deletes the presence entry and cursor of a user.
func (s *RedisStore) RemovePresence(ctx context.Context, boardID boards.BoardID, userID boards.UserID) error {
	if err := s.client.Del(ctx, presenceKey(boardID, userID), cursorKey(boardID, userID)).Err(); err != nil {
		s.logError(opRemovePresence, reasonCommandFailed, err, zap.String("board_id", boardID.String()))
		return newStoreError(opRemovePresence, reasonCommandFailed, err)
	}
	return nil
}

// ListPresence returns the live presence entries of a board ordered by user id.
func (s *RedisStore) ListPresence(ctx context.Context, boardID boards.BoardID) ([]Presence, error) {
	keys, err := s.scanKeys(ctx, boardPresencePattern(boardID))
	if err != nil {
		return nil, newStoreError(opListPresence, reasonCommandFailed, err)
	}
	if len(keys) == 0 {
		return []Presence{}, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, newStoreError(opListPresence, reasonCommandFailed, err)
	}
	entries := make([]Presence, 0, len(values))
	for index, value := range values {
		payload, ok := value.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var entry Presence
		if err := decodeJSON(payload, &entry); err != nil {
			s.logger.Warn("dropping unreadable presence entry", zap.String("key", keys[index]), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

// ActiveBoards enumerates boards that currently have presence or unflushed cache changes.
func (s *RedisStore) ActiveBoards(ctx context.Context) ([]boards.BoardID, error) {
	keys, err := s.scanKeys(ctx, presencePrefix+"*")
	if err != nil {
		return nil, newStoreError(opActiveBoards, reasonCommandFailed, err)
	}
	seen := make(map[boards.BoardID]struct{}, len(keys))
	for _, key := range keys {
		if boardID, ok := parsePresenceKey(key); ok {
			seen[boardID] = struct{}{}
		}
	}
	dirty, err := s.client.SMembers(ctx, dirtyBoardsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opActiveBoards, reasonCommandFailed, err)
	}
	for _, boardID := range dirty {
		seen[boards.BoardID(boardID)] = struct{}{}
	}

	active := make([]boards.BoardID, 0, len(seen))
	for boardID := range seen {
		active = append(active, boardID)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i] < active[j]
	})
	return active, nil
}

// SetCursor records the pointer position of a user with the cursor TTL.
func (s *RedisStore) SetCursor(ctx context.Context, boardID boards.BoardID, userID boards.UserID, x, y float64) (Cursor, error) {
	cursor := Cursor{UserID: userID.String(), X: x, Y: y, LastUpdate: s.clock().UTC()}
	payload, err := encodeJSON(cursor)
	if err != nil {
		return Cursor{}, newStoreError(opSetCursor, reasonEncodeFailed, err)
	}
	if err := s.client.Set(ctx, cursorKey(boardID, userID), payload, s.cursorTTL).Err(); err != nil {
		return Cursor{}, newStoreError(opSetCursor, reasonCommandFailed, err)
	}
	return cursor, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	// SCAN may return a key more than once.
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range batch {
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
