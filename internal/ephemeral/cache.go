package ephemeral

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	opSeedBoard    = "ephemeral.seed_board"
	opReadBoard    = "ephemeral.read_board"
	opResetBoard   = "ephemeral.reset_board"
	opDropBoard    = "ephemeral.drop_board"
	opCreateObject = "ephemeral.create_object"
	opUpdateObject = "ephemeral.update_object"
	opDeleteObject = "ephemeral.delete_object"
	opMarkFlushed  = "ephemeral.mark_flushed"
	opClearDirty   = "ephemeral.clear_dirty"
)

// CachedBoard is a consistent read of one board's object cache.
//
// Version is the durable version the cached content descends from. Revision counts cache
// mutations; Flushed is the revision last written to durable storage. Tombstones holds the
// sorted ids that may not be created again.
type CachedBoard struct {
	BoardID    boards.BoardID
	Version    int64
	Revision   int64
	Flushed    int64
	Objects    []boards.Object
	Tombstones []string
}

// Dirty reports whether the cache holds mutations that have not been flushed.
func (b CachedBoard) Dirty() bool {
	return b.Revision != b.Flushed
}

// DeleteResult describes the effect of removing an object.
type DeleteResult struct {
	Removed  boards.Object
	Orphaned []boards.Object
}

// SeedBoard populates the cache from a durable row unless another loader already did.
// It reports whether this call performed the load.
func (s *RedisStore) SeedBoard(ctx context.Context, state boards.BoardState) (bool, error) {
	keys := boardCacheKeys(state.ID)
	seeded := false
	err := s.watch(ctx, opSeedBoard, func(tx *redis.Tx) error {
		seeded = false
		exists, err := tx.Exists(ctx, keys.version).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return nil
		}
		fields, order, err := encodeObjectSet(state.Objects)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys.objects, keys.order, keys.tombstones)
			s.writeObjectSet(ctx, pipe, keys, state, fields, order)
			return nil
		})
		if err == nil {
			seeded = true
		}
		return err
	}, keys.version)
	if err != nil {
		s.logError(opSeedBoard, reasonCommandFailed, err, zap.String("board_id", state.ID.String()))
		return false, wrapStoreError(opSeedBoard, err)
	}
	return seeded, nil
}

// ReadBoard returns the cached board. ErrBoardNotCached is returned when no cache exists.
func (s *RedisStore) ReadBoard(ctx context.Context, boardID boards.BoardID) (CachedBoard, error) {
	keys := boardCacheKeys(boardID)
	var (
		version  *redis.StringCmd
		revision *redis.StringCmd
		flushed  *redis.StringCmd
		objects  *redis.MapStringStringCmd
		order    *redis.StringSliceCmd
		deleted  *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		version = pipe.Get(ctx, keys.version)
		revision = pipe.Get(ctx, keys.revision)
		flushed = pipe.Get(ctx, keys.flushed)
		objects = pipe.HGetAll(ctx, keys.objects)
		order = pipe.ZRange(ctx, keys.order, 0, -1)
		deleted = pipe.SMembers(ctx, keys.tombstones)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return CachedBoard{}, newStoreError(opReadBoard, reasonCommandFailed, err)
	}
	baseVersion, err := version.Int64()
	if errors.Is(err, redis.Nil) {
		return CachedBoard{}, ErrBoardNotCached
	}
	if err != nil {
		return CachedBoard{}, newStoreError(opReadBoard, reasonDecodeFailed, err)
	}
	decoded, err := decodeObjectSet(objects.Val(), order.Val())
	if err != nil {
		return CachedBoard{}, newStoreError(opReadBoard, reasonDecodeFailed, err)
	}
	tombstones := deleted.Val()
	sort.Strings(tombstones)
	return CachedBoard{
		BoardID:    boardID,
		Version:    baseVersion,
		Revision:   int64OrZero(revision),
		Flushed:    int64OrZero(flushed),
		Objects:    decoded,
		Tombstones: tombstones,
	}, nil
}

// ResetBoard replaces the cached object set with the durable row, discarding unflushed
// mutations. When the cache already descends from state.Version (another instance flushed it)
// nothing is discarded and false is returned.
func (s *RedisStore) ResetBoard(ctx context.Context, state boards.BoardState) (bool, error) {
	keys := boardCacheKeys(state.ID)
	replaced := false
	err := s.watch(ctx, opResetBoard, func(tx *redis.Tx) error {
		replaced = false
		current, err := tx.Get(ctx, keys.version).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && current == state.Version {
			return nil
		}
		fields, order, err := encodeObjectSet(state.Objects)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys.objects, keys.order)
			s.writeObjectSet(ctx, pipe, keys, state, fields, order)
			if len(order) > 0 {
				restored := make([]interface{}, 0, len(order))
				for _, member := range order {
					restored = append(restored, member.Member)
				}
				pipe.SRem(ctx, keys.tombstones, restored...)
			}
			pipe.SRem(ctx, dirtyBoardsKey, state.ID.String())
			return nil
		})
		if err == nil {
			replaced = true
		}
		return err
	}, keys.version, keys.revision)
	if err != nil {
		s.logError(opResetBoard, reasonCommandFailed, err, zap.String("board_id", state.ID.String()))
		return false, wrapStoreError(opResetBoard, err)
	}
	return replaced, nil
}

// DropBoard deletes every cache key of a board (used when the durable board is gone).
func (s *RedisStore) DropBoard(ctx context.Context, boardID boards.BoardID) error {
	keys := boardCacheKeys(boardID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys.all()...)
		pipe.SRem(ctx, dirtyBoardsKey, boardID.String())
		return nil
	})
	if err != nil {
		return newStoreError(opDropBoard, reasonCommandFailed, err)
	}
	return nil
}

// CreateObject appends an object to the cache. The identifier must be new to the board:
// live ids yield ErrObjectExists and deleted ids yield ErrObjectTombstoned.
func (s *RedisStore) CreateObject(ctx context.Context, boardID boards.BoardID, object boards.Object) error {
	keys := boardCacheKeys(boardID)
	objectID := object.ID()
	payload, err := encodeJSON(object)
	if err != nil {
		return newStoreError(opCreateObject, reasonEncodeFailed, err)
	}
	err = s.watch(ctx, opCreateObject, func(tx *redis.Tx) error {
		if err := requireCached(ctx, tx, keys); err != nil {
			return err
		}
		tombstoned, err := tx.SIsMember(ctx, keys.tombstones, objectID).Result()
		if err != nil {
			return err
		}
		if tombstoned {
			return ErrObjectTombstoned
		}
		exists, err := tx.HExists(ctx, keys.objects, objectID).Result()
		if err != nil {
			return err
		}
		if exists {
			return ErrObjectExists
		}
		sequence, err := tx.Get(ctx, keys.seq).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, keys.objects, objectID, payload)
			pipe.ZAdd(ctx, keys.order, redis.Z{Score: float64(sequence + 1), Member: objectID})
			pipe.Set(ctx, keys.seq, sequence+1, s.boardCacheTTL)
			s.recordMutation(ctx, pipe, boardID, keys)
			return nil
		})
		return err
	}, keys.version, keys.objects, keys.tombstones, keys.seq)
	return wrapStoreError(opCreateObject, err)
}

// UpdateObject applies fn to the cached object atomically and stores the result.
// fn may run more than once when the board is modified concurrently.
func (s *RedisStore) UpdateObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, fn func(current boards.Object) (boards.Object, error)) (boards.Object, error) {
	keys := boardCacheKeys(boardID)
	var (
		updated  boards.Object
		applyErr error
	)
	err := s.watch(ctx, opUpdateObject, func(tx *redis.Tx) error {
		if err := requireCached(ctx, tx, keys); err != nil {
			return err
		}
		current, err := readObject(ctx, tx, keys, objectID)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			applyErr = err
			return err
		}
		payload, err := encodeJSON(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, keys.objects, objectID.String(), payload)
			s.recordMutation(ctx, pipe, boardID, keys)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}, keys.version, keys.objects)
	if applyErr != nil {
		return nil, applyErr
	}
	if err != nil {
		return nil, wrapStoreError(opUpdateObject, err)
	}
	return updated, nil
}

// DeleteObject removes an object and tombstones its id. When the removed object is a frame,
// detach is applied to every object contained in it and the results are stored.
func (s *RedisStore) DeleteObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, detach func(child boards.Object) boards.Object) (DeleteResult, error) {
	keys := boardCacheKeys(boardID)
	var result DeleteResult
	err := s.watch(ctx, opDeleteObject, func(tx *redis.Tx) error {
		if err := requireCached(ctx, tx, keys); err != nil {
			return err
		}
		removed, err := readObject(ctx, tx, keys, objectID)
		if err != nil {
			return err
		}
		var orphaned []boards.Object
		if removed.Type() == boards.ObjectTypeFrame && detach != nil {
			all, err := tx.HGetAll(ctx, keys.objects).Result()
			if err != nil {
				return err
			}
			for childID, payload := range all {
				if childID == objectID.String() {
					continue
				}
				var child boards.Object
				if err := decodeJSON(payload, &child); err != nil {
					return err
				}
				if child.FrameID() != objectID.String() {
					continue
				}
				orphaned = append(orphaned, detach(child.Clone()))
			}
		}
		orphanFields := make(map[string]interface{}, len(orphaned))
		for _, child := range orphaned {
			payload, err := encodeJSON(child)
			if err != nil {
				return err
			}
			orphanFields[child.ID()] = payload
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, keys.objects, objectID.String())
			pipe.ZRem(ctx, keys.order, objectID.String())
			pipe.SAdd(ctx, keys.tombstones, objectID.String())
			if len(orphanFields) > 0 {
				pipe.HSet(ctx, keys.objects, orphanFields)
			}
			s.recordMutation(ctx, pipe, boardID, keys)
			return nil
		})
		if err == nil {
			sortObjectsByID(orphaned)
			result = DeleteResult{Removed: removed, Orphaned: orphaned}
		}
		return err
	}, keys.version, keys.objects)
	if err != nil {
		return DeleteResult{}, wrapStoreError(opDeleteObject, err)
	}
	return result, nil
}

// ObjectExists reports whether the object is currently in the board cache.
func (s *RedisStore) ObjectExists(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) (bool, error) {
	exists, err := s.client.HExists(ctx, boardCacheKeys(boardID).objects, objectID.String()).Result()
	if err != nil {
		return false, newStoreError(opReadBoard, reasonCommandFailed, err)
	}
	return exists, nil
}

// MarkFlushed records a successful durable write of the cache read at baseVersion/revision.
// It advances the cached base version to baseVersion+1 and reports false when the cache no
// longer descends from baseVersion (it was reset or dropped meanwhile).
func (s *RedisStore) MarkFlushed(ctx context.Context, boardID boards.BoardID, baseVersion, revision int64) (bool, error) {
	keys := boardCacheKeys(boardID)
	marked := false
	err := s.watch(ctx, opMarkFlushed, func(tx *redis.Tx) error {
		marked = false
		current, err := tx.Get(ctx, keys.version).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != baseVersion {
			return nil
		}
		latest, err := tx.Get(ctx, keys.revision).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keys.version, baseVersion+1, s.boardCacheTTL)
			pipe.Set(ctx, keys.flushed, revision, s.boardCacheTTL)
			if latest == revision {
				pipe.SRem(ctx, dirtyBoardsKey, boardID.String())
			}
			return nil
		})
		if err == nil {
			marked = true
		}
		return err
	}, keys.version, keys.revision)
	if err != nil {
		return false, wrapStoreError(opMarkFlushed, err)
	}
	return marked, nil
}

// ClearDirty forgets a board in the unflushed set, e.g. after its cache expired.
func (s *RedisStore) ClearDirty(ctx context.Context, boardID boards.BoardID) error {
	if err := s.client.SRem(ctx, dirtyBoardsKey, boardID.String()).Err(); err != nil {
		return newStoreError(opClearDirty, reasonCommandFailed, err)
	}
	return nil
}

func (s *RedisStore) writeObjectSet(ctx context.Context, pipe redis.Pipeliner, keys cacheKeys, state boards.BoardState, fields map[string]interface{}, order []redis.Z) {
	if len(fields) > 0 {
		pipe.HSet(ctx, keys.objects, fields)
		pipe.ZAdd(ctx, keys.order, order...)
	}
	pipe.Set(ctx, keys.seq, len(order), s.boardCacheTTL)
	pipe.Set(ctx, keys.version, state.Version, s.boardCacheTTL)
	pipe.Set(ctx, keys.revision, 0, s.boardCacheTTL)
	pipe.Set(ctx, keys.flushed, 0, s.boardCacheTTL)
	if len(state.DeletedIDs) > 0 {
		deleted := make([]interface{}, 0, len(state.DeletedIDs))
		for _, id := range state.DeletedIDs {
			deleted = append(deleted, id)
		}
		pipe.SAdd(ctx, keys.tombstones, deleted...)
	}
	s.expireCache(ctx, pipe, keys)
}

func (s *RedisStore) recordMutation(ctx context.Context, pipe redis.Pipeliner, boardID boards.BoardID, keys cacheKeys) {
	pipe.Incr(ctx, keys.revision)
	pipe.SAdd(ctx, dirtyBoardsKey, boardID.String())
	s.expireCache(ctx, pipe, keys)
}

func (s *RedisStore) expireCache(ctx context.Context, pipe redis.Pipeliner, keys cacheKeys) {
	for _, key := range keys.all() {
		pipe.PExpire(ctx, key, s.boardCacheTTL)
	}
}

func requireCached(ctx context.Context, tx *redis.Tx, keys cacheKeys) error {
	exists, err := tx.Exists(ctx, keys.version).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrBoardNotCached
	}
	return nil
}

func readObject(ctx context.Context, tx *redis.Tx, keys cacheKeys, objectID boards.ObjectID) (boards.Object, error) {
	payload, err := tx.HGet(ctx, keys.objects, objectID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	var object boards.Object
	if err := decodeJSON(payload, &object); err != nil {
		return nil, err
	}
	return object, nil
}

func encodeObjectSet(objects []boards.Object) (map[string]interface{}, []redis.Z, error) {
	fields := make(map[string]interface{}, len(objects))
	order := make([]redis.Z, 0, len(objects))
	for _, object := range objects {
		objectID := object.ID()
		if objectID == "" {
			continue
		}
		if _, duplicate := fields[objectID]; duplicate {
			continue
		}
		payload, err := encodeJSON(object)
		if err != nil {
			return nil, nil, err
		}
		fields[objectID] = payload
		order = append(order, redis.Z{Score: float64(len(order) + 1), Member: objectID})
	}
	return fields, order, nil
}

// decodeObjectSet orders objects by insertion sequence; ids missing from the order set go last.
func decodeObjectSet(fields map[string]string, order []string) ([]boards.Object, error) {
	objects := make([]boards.Object, 0, len(fields))
	placed := make(map[string]struct{}, len(order))
	for _, objectID := range order {
		payload, ok := fields[objectID]
		if !ok {
			continue
		}
		var object boards.Object
		if err := decodeJSON(payload, &object); err != nil {
			return nil, err
		}
		objects = append(objects, object)
		placed[objectID] = struct{}{}
	}
	var stragglers []boards.Object
	for objectID, payload := range fields {
		if _, ok := placed[objectID]; ok {
			continue
		}
		var object boards.Object
		if err := decodeJSON(payload, &object); err != nil {
			return nil, err
		}
		stragglers = append(stragglers, object)
	}
	sortObjectsByID(stragglers)
	return append(objects, stragglers...), nil
}

func sortObjectsByID(objects []boards.Object) {
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ID() < objects[j].ID()
	})
}

func int64OrZero(cmd *redis.StringCmd) int64 {
	value, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return value
}

// wrapStoreError keeps domain sentinels intact and wraps redis failures.
func wrapStoreError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrBoardNotCached),
		errors.Is(err, ErrObjectExists),
		errors.Is(err, ErrObjectTombstoned),
		errors.Is(err, ErrObjectNotFound):
		return err
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	return newStoreError(operation, reasonCommandFailed, err)
}
