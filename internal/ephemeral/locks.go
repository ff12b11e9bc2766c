package ephemeral

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	opAddEditor     = "ephemeral.add_editor"
	opRemoveEditor  = "ephemeral.remove_editor"
	opListEditors   = "ephemeral.list_editors"
	opLiveLocks     = "ephemeral.live_locks"
	opReleaseEditor = "ephemeral.release_editor"
	opForgetObject  = "ephemeral.forget_object"
)

// EditHolder is one participant of a multi-holder edit lock.
type EditHolder struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	StartedAt time.Time `json:"startedAt"`
}

// Edit locks are a sorted set of user ids scored by their expiry in unix milliseconds, so each
// holder has its own grace period. Holder details live in a companion hash. The keys themselves
// expire with the longest-lived holder.

// AddEditor registers holder on the object and returns the other live holders observed
// immediately before the registration.
func (s *RedisStore) AddEditor(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, holder EditHolder) ([]EditHolder, error) {
	userID, err := boards.NewUserID(holder.UserID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	holder.UserID = userID.String()
	holder.StartedAt = now
	payload, err := encodeJSON(holder)
	if err != nil {
		return nil, newStoreError(opAddEditor, reasonEncodeFailed, err)
	}

	lockKey := editKey(boardID, objectID)
	holdersKey := editHoldersKey(boardID, objectID)
	byUserKey := editedByKey(boardID, userID)
	var (
		live    *redis.StringSliceCmd
		details *redis.MapStringStringCmd
	)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, lockKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		live = pipe.ZRange(ctx, lockKey, 0, -1)
		details = pipe.HGetAll(ctx, holdersKey)
		pipe.ZAdd(ctx, lockKey, redis.Z{Score: float64(now.Add(s.editLockTTL).UnixMilli()), Member: holder.UserID})
		pipe.HSet(ctx, holdersKey, holder.UserID, payload)
		pipe.PExpire(ctx, lockKey, s.editLockTTL)
		pipe.PExpire(ctx, holdersKey, s.editLockTTL)
		pipe.SAdd(ctx, byUserKey, objectID.String())
		pipe.PExpire(ctx, byUserKey, s.editLockTTL)
		return nil
	})
	if err != nil {
		s.logError(opAddEditor, reasonCommandFailed, err,
			zap.String("board_id", boardID.String()),
			zap.String("object_id", objectID.String()))
		return nil, newStoreError(opAddEditor, reasonCommandFailed, err)
	}

	others := make([]EditHolder, 0, len(live.Val()))
	for _, member := range live.Val() {
		if member == holder.UserID {
			continue
		}
		others = append(others, s.decodeHolder(member, details.Val()))
	}
	sortHolders(others)
	return others, nil
}

// RemoveEditor drops one holder from the object's lock.
func (s *RedisStore) RemoveEditor(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, editKey(boardID, objectID), userID.String())
		pipe.HDel(ctx, editHoldersKey(boardID, objectID), userID.String())
		pipe.SRem(ctx, editedByKey(boardID, userID), objectID.String())
		return nil
	})
	if err != nil {
		return newStoreError(opRemoveEditor, reasonCommandFailed, err)
	}
	return nil
}

// Editors lists the live holders of the object's lock ordered by start time.
func (s *RedisStore) Editors(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) ([]EditHolder, error) {
	var (
		live    *redis.StringSliceCmd
		details *redis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		live = pipe.ZRangeByScore(ctx, editKey(boardID, objectID), &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(s.clock().UnixMilli(), 10),
			Max: "+inf",
		})
		details = pipe.HGetAll(ctx, editHoldersKey(boardID, objectID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opListEditors, reasonCommandFailed, err)
	}
	holders := make([]EditHolder, 0, len(live.Val()))
	for _, member := range live.Val() {
		holders = append(holders, s.decodeHolder(member, details.Val()))
	}
	sortHolders(holders)
	return holders, nil
}

// LiveLocks returns the objects on which the user still holds an unexpired lock.
func (s *RedisStore) LiveLocks(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error) {
	objectIDs, err := s.client.SMembers(ctx, editedByKey(boardID, userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opLiveLocks, reasonCommandFailed, err)
	}
	if len(objectIDs) == 0 {
		return []boards.ObjectID{}, nil
	}
	scores := make([]*redis.FloatCmd, len(objectIDs))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for index, objectID := range objectIDs {
			scores[index] = pipe.ZScore(ctx, editKey(boardID, boards.ObjectID(objectID)), userID.String())
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opLiveLocks, reasonCommandFailed, err)
	}
	nowMillis := float64(s.clock().UnixMilli())
	live := make([]boards.ObjectID, 0, len(objectIDs))
	for index, objectID := range objectIDs {
		expiry, scoreErr := scores[index].Result()
		if scoreErr != nil || expiry <= nowMillis {
			continue
		}
		live = append(live, boards.ObjectID(objectID))
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i] < live[j]
	})
	return live, nil
}

// ReleaseEditor drops every lock the user holds on the board and returns the affected objects.
func (s *RedisStore) ReleaseEditor(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error) {
	byUserKey := editedByKey(boardID, userID)
	objectIDs, err := s.client.SMembers(ctx, byUserKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newStoreError(opReleaseEditor, reasonCommandFailed, err)
	}
	released := make([]boards.ObjectID, 0, len(objectIDs))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range objectIDs {
			objectID := boards.ObjectID(raw)
			pipe.ZRem(ctx, editKey(boardID, objectID), userID.String())
			pipe.HDel(ctx, editHoldersKey(boardID, objectID), userID.String())
			released = append(released, objectID)
		}
		pipe.Del(ctx, byUserKey)
		return nil
	})
	if err != nil {
		return nil, newStoreError(opReleaseEditor, reasonCommandFailed, err)
	}
	sort.Slice(released, func(i, j int) bool {
		return released[i] < released[j]
	})
	return released, nil
}

// ForgetObject removes the lock of a deleted object.
func (s *RedisStore) ForgetObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) error {
	if err := s.client.Del(ctx, editKey(boardID, objectID), editHoldersKey(boardID, objectID)).Err(); err != nil {
		return newStoreError(opForgetObject, reasonCommandFailed, err)
	}
	return nil
}

func (s *RedisStore) decodeHolder(userID string, details map[string]string) EditHolder {
	holder := EditHolder{UserID: userID, UserName: userID}
	payload, ok := details[userID]
	if !ok {
		return holder
	}
	if err := decodeJSON(payload, &holder); err != nil {
		s.logger.Warn("unreadable edit holder", zap.String("user_id", userID), zap.Error(err))
		return EditHolder{UserID: userID, UserName: userID}
	}
	return holder
}

func sortHolders(holders []EditHolder) {
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].StartedAt.Equal(holders[j].StartedAt) {
			return holders[i].UserID < holders[j].UserID
		}
		return holders[i].StartedAt.Before(holders[j].StartedAt)
	})
}
