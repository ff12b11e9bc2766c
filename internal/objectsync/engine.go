package objectsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"go.uber.org/zap"
)

var (
	// ErrStaleReference indicates that an update or delete targeted an object that no longer exists.
	ErrStaleReference = errors.New("objectsync: object no longer exists")
	// ErrDuplicateObject indicates that a create reused a live or deleted object id.
	ErrDuplicateObject = errors.New("objectsync: object id already used")

	errMissingCache     = errors.New("object cache is required")
	errMissingBoards    = errors.New("board loader is required")
	errMissingValidator = errors.New("object validator is required")
	errNoChanges        = errors.New("objectsync: update changes nothing")
)

const (
	opLoadBoard = "objectsync.load_board"
	opCreate    = "objectsync.create"
)

// Cache is the live board object set the engine mutates.
type Cache interface {
	SeedBoard(ctx context.Context, state boards.BoardState) (bool, error)
	ReadBoard(ctx context.Context, boardID boards.BoardID) (ephemeral.CachedBoard, error)
	CreateObject(ctx context.Context, boardID boards.BoardID, object boards.Object) error
	UpdateObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, fn func(current boards.Object) (boards.Object, error)) (boards.Object, error)
	DeleteObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, detach func(child boards.Object) boards.Object) (ephemeral.DeleteResult, error)
}

// BoardLoader reads the durable board row used to populate the cache.
type BoardLoader interface {
	LoadBoard(ctx context.Context, boardID boards.BoardID) (boards.BoardState, error)
}

// EngineConfig describes the dependencies of the object sync engine.
type EngineConfig struct {
	Cache      Cache
	Boards     BoardLoader
	Validator  *boards.Validator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine owns the cached "board right now". It is the only writer of the board object cache.
// Concurrent writers are arbitrated by the cache itself; the last applied write wins.
type Engine struct {
	cache      Cache
	boards     BoardLoader
	validator  *boards.Validator
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// Change is the result of an applied update.
type Change struct {
	ObjectID boards.ObjectID
	// Fields holds only the fields whose values changed, plus the edit stamps.
	Fields boards.Object
	Object boards.Object
}

// Deletion is the result of an applied delete.
type Deletion struct {
	ObjectID  boards.ObjectID
	Removed   boards.Object
	Orphaned  []boards.Object
	OrphanIDs []string
}

// NewEngine validates the configuration and constructs an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Boards == nil {
		return nil, errMissingBoards
	}
	if cfg.Validator == nil {
		return nil, errMissingValidator
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:      cfg.Cache,
		boards:     cfg.Boards,
		validator:  cfg.Validator,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// LoadBoard returns the cached board, populating the cache from durable storage when needed.
// boards.ErrBoardNotFound is returned for missing or deleted boards.
func (e *Engine) LoadBoard(ctx context.Context, boardID boards.BoardID) (ephemeral.CachedBoard, error) {
	cached, err := e.cache.ReadBoard(ctx, boardID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ephemeral.ErrBoardNotCached) {
		return ephemeral.CachedBoard{}, err
	}
	if err := e.seed(ctx, boardID); err != nil {
		return ephemeral.CachedBoard{}, err
	}
	return e.cache.ReadBoard(ctx, boardID)
}

// Create validates and stamps a proposed object and appends it to the board.
// A client-chosen id is kept; otherwise a new one is issued.
func (e *Engine) Create(ctx context.Context, boardID boards.BoardID, userID boards.UserID, raw []byte) (boards.Object, error) {
	object, err := e.validator.ParseObject(raw)
	if err != nil {
		return nil, err
	}
	if object.ID() == "" {
		issued, err := e.idProvider.NewID()
		if err != nil {
			e.logError(opCreate, "id_failed", err, zap.String("board_id", boardID.String()))
			return nil, err
		}
		object[boards.FieldID] = issued
	}
	if _, err := boards.NewObjectID(object.ID()); err != nil {
		return nil, fmt.Errorf("%w: %v", boards.ErrInvalidObject, err)
	}

	stamp := e.timestamp()
	object[boards.FieldCreatedBy] = userID.String()
	object[boards.FieldLastEditedBy] = userID.String()
	object[boards.FieldCreatedAt] = stamp
	object[boards.FieldUpdatedAt] = stamp

	err = e.withCache(ctx, boardID, func() error {
		return e.cache.CreateObject(ctx, boardID, object)
	})
	switch {
	case err == nil:
		return object, nil
	case errors.Is(err, ephemeral.ErrObjectExists), errors.Is(err, ephemeral.ErrObjectTombstoned):
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, object.ID())
	default:
		return nil, err
	}
}

// Update shallow-merges a partial update into the object. Only fields whose values differ
// are applied and reported. An update that changes nothing returns a Change with empty Fields.
func (e *Engine) Update(ctx context.Context, boardID boards.BoardID, userID boards.UserID, objectID boards.ObjectID, raw []byte) (Change, error) {
	patch, err := e.validator.ParsePatch(raw)
	if err != nil {
		return Change{}, err
	}
	patch = boards.StripProtected(patch)
	if len(patch) == 0 {
		return Change{}, fmt.Errorf("%w: no mutable fields", boards.ErrInvalidObject)
	}

	var changed boards.Object
	var current boards.Object
	apply := func(existing boards.Object) (boards.Object, error) {
		current = existing
		changed = boards.Object{}
		for key, value := range patch {
			if previous, ok := existing[key]; ok && reflect.DeepEqual(previous, value) {
				continue
			}
			changed[key] = value
		}
		if len(changed) == 0 {
			return nil, errNoChanges
		}
		changed[boards.FieldLastEditedBy] = userID.String()
		changed[boards.FieldUpdatedAt] = e.timestamp()
		return existing.Merge(changed), nil
	}

	var updated boards.Object
	err = e.withCache(ctx, boardID, func() error {
		var applyErr error
		updated, applyErr = e.cache.UpdateObject(ctx, boardID, objectID, apply)
		return applyErr
	})
	switch {
	case err == nil:
		return Change{ObjectID: objectID, Fields: changed, Object: updated}, nil
	case errors.Is(err, errNoChanges):
		return Change{ObjectID: objectID, Fields: boards.Object{}, Object: current}, nil
	case errors.Is(err, ephemeral.ErrObjectNotFound):
		return Change{}, ErrStaleReference
	default:
		return Change{}, err
	}
}

// Delete removes the object. Deleting a frame detaches its children instead of deleting them.
func (e *Engine) Delete(ctx context.Context, boardID boards.BoardID, userID boards.UserID, objectID boards.ObjectID) (Deletion, error) {
	detach := func(child boards.Object) boards.Object {
		child[boards.FieldFrameID] = nil
		child[boards.FieldLastEditedBy] = userID.String()
		child[boards.FieldUpdatedAt] = e.timestamp()
		return child
	}

	var result ephemeral.DeleteResult
	err := e.withCache(ctx, boardID, func() error {
		var deleteErr error
		result, deleteErr = e.cache.DeleteObject(ctx, boardID, objectID, detach)
		return deleteErr
	})
	if errors.Is(err, ephemeral.ErrObjectNotFound) {
		return Deletion{}, ErrStaleReference
	}
	if err != nil {
		return Deletion{}, err
	}

	orphanIDs := make([]string, 0, len(result.Orphaned))
	for _, child := range result.Orphaned {
		orphanIDs = append(orphanIDs, child.ID())
	}
	return Deletion{
		ObjectID:  objectID,
		Removed:   result.Removed,
		Orphaned:  result.Orphaned,
		OrphanIDs: orphanIDs,
	}, nil
}

// withCache runs op and, when the board cache is missing (expired or dropped), reloads it
// from durable storage and runs op once more.
func (e *Engine) withCache(ctx context.Context, boardID boards.BoardID, op func() error) error {
	err := op()
	if !errors.Is(err, ephemeral.ErrBoardNotCached) {
		return err
	}
	if err := e.seed(ctx, boardID); err != nil {
		return err
	}
	return op()
}

func (e *Engine) seed(ctx context.Context, boardID boards.BoardID) error {
	state, err := e.boards.LoadBoard(ctx, boardID)
	if err != nil {
		if !errors.Is(err, boards.ErrBoardNotFound) {
			e.logError(opLoadBoard, "durable_read_failed", err, zap.String("board_id", boardID.String()))
		}
		return err
	}
	seeded, err := e.cache.SeedBoard(ctx, state)
	if err != nil {
		return err
	}
	if seeded {
		e.logger.Debug("board cache loaded",
			zap.String("board_id", boardID.String()),
			zap.Int64("version", state.Version),
			zap.Int("objects", len(state.Objects)))
	}
	return nil
}

func (e *Engine) timestamp() string {
	return e.clock().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("object sync error", attrs...)
}
