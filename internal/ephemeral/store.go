package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultPresenceTTL   = 30 * time.Second
	defaultCursorTTL     = 10 * time.Second
	defaultEditLockTTL   = 5 * time.Minute
	defaultBoardCacheTTL = 24 * time.Hour

	maxTransactionAttempts = 8
)

var (
	// ErrBoardNotCached indicates the board object cache has not been loaded (or has expired).
	ErrBoardNotCached = errors.New("ephemeral: board not cached")
	// ErrObjectExists indicates an object with the same identifier is already on the board.
	ErrObjectExists = errors.New("ephemeral: object already exists")
	// ErrObjectTombstoned indicates the identifier belonged to a deleted object and cannot be reused.
	ErrObjectTombstoned = errors.New("ephemeral: object id was deleted")
	// ErrObjectNotFound indicates the object is not in the board cache.
	ErrObjectNotFound = errors.New("ephemeral: object not found")

	errMissingClient = errors.New("redis client is required")
)

const (
	reasonMissingClient = "missing_client"
	reasonCommandFailed = "command_failed"
	reasonEncodeFailed  = "encode_failed"
	reasonDecodeFailed  = "decode_failed"
	reasonContention    = "contention"
)

// StoreError carries an operation.reason code alongside the underlying redis failure.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: operation + "." + reason, err: cause}
}

// RedisStoreConfig describes the dependencies of the Redis-backed ephemeral store.
type RedisStoreConfig struct {
	Client        redis.UniversalClient
	PresenceTTL   time.Duration
	CursorTTL     time.Duration
	EditLockTTL   time.Duration
	BoardCacheTTL time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// RedisStore keeps presence, cursors, edit locks, and the live board object cache in Redis.
// Every entry carries a TTL; nothing here is durable.
type RedisStore struct {
	client        redis.UniversalClient
	presenceTTL   time.Duration
	cursorTTL     time.Duration
	editLockTTL   time.Duration
	boardCacheTTL time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewRedisStore validates the configuration and constructs the store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, newStoreError("ephemeral.new", reasonMissingClient, errMissingClient)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:        cfg.Client,
		presenceTTL:   durationOrDefault(cfg.PresenceTTL, defaultPresenceTTL),
		cursorTTL:     durationOrDefault(cfg.CursorTTL, defaultCursorTTL),
		editLockTTL:   durationOrDefault(cfg.EditLockTTL, defaultEditLockTTL),
		boardCacheTTL: durationOrDefault(cfg.BoardCacheTTL, defaultBoardCacheTTL),
		clock:         clock,
		logger:        logger,
	}, nil
}

// Ping verifies the Redis connection; used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return newStoreError("ephemeral.ping", reasonCommandFailed, err)
	}
	return nil
}

// watch runs fn under WATCH on keys and retries when a watched key changed before EXEC.
func (s *RedisStore) watch(ctx context.Context, operation string, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	s.logger.Warn("redis transaction contention",
		zap.String("operation", operation),
		zap.Int("attempts", maxTransactionAttempts))
	return newStoreError(operation, reasonContention, redis.TxFailedErr)
}

func (s *RedisStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ephemeral store error", attrs...)
}

func encodeJSON(value any) (string, error) {
	return sonic.ConfigStd.MarshalToString(value)
}

func decodeJSON(payload string, target any) error {
	return sonic.ConfigStd.UnmarshalFromString(payload, target)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
