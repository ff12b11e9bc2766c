package boards

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidVersion  = errors.New("expected version must not be negative")
)

const (
	opLoadBoard      = "boards.load_board"
	opCompareAndSwap = "boards.compare_and_swap"
	opCreateSnapshot = "boards.create_snapshot"
	opListSnapshots  = "boards.list_snapshots"
	opCanAccess      = "boards.can_access"
	opCreateBoard    = "boards.create_board"
	opAddMember      = "boards.add_member"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonUpdateFailed    = "update_failed"
	reasonInsertFailed    = "insert_failed"
	reasonEvictFailed     = "evict_failed"
	reasonInvalidVersion  = "invalid_version"
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Store is the durable board store.
//
// CompareAndSwapObjects is the only write path that advances a board's version. It performs
// a single conditional write of the object set and the deleted ids, and reports
// swapped=false when the stored version no longer matches expectedVersion (or the board was
// deleted); no error is returned in that case.
type Store interface {
	LoadBoard(ctx context.Context, boardID BoardID) (BoardState, error)
	CompareAndSwapObjects(ctx context.Context, boardID BoardID, expectedVersion int64, objects []Object, deletedIDs []string) (bool, error)
	CreateSnapshot(ctx context.Context, boardID BoardID, boardVersion int64, objects []Object, maxRetained int) (Snapshot, error)
	ListSnapshots(ctx context.Context, boardID BoardID, limit int) ([]Snapshot, error)
	CanAccessBoard(ctx context.Context, userID UserID, boardID BoardID) (bool, error)
	CreateBoard(ctx context.Context, board NewBoard) (BoardState, error)
	AddMember(ctx context.Context, boardID BoardID, userID UserID, role string) error
	Close() error
}

// NewBoard describes a board to create. Board creation belongs to the REST layer; the
// store exposes it for tooling and tests.
type NewBoard struct {
	ID      BoardID
	OwnerID UserID
	Title   string
	Objects []Object
}

func decodeSnapshot(row BoardVersion) (Snapshot, error) {
	objects, err := DecodeObjects(row.ObjectsJSON)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		BoardID:       BoardID(row.BoardID),
		VersionNumber: row.VersionNumber,
		BoardVersion:  row.BoardVersion,
		Objects:       objects,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func decodeBoard(row Board) (BoardState, error) {
	objects, err := DecodeObjects(row.ObjectsJSON)
	if err != nil {
		return BoardState{}, err
	}
	deletedIDs, err := DecodeDeletedIDs(row.DeletedIDsJSON)
	if err != nil {
		return BoardState{}, err
	}
	return BoardState{
		ID:         BoardID(row.ID),
		OwnerID:    row.OwnerID,
		Title:      row.Title,
		Version:    row.Version,
		Objects:    objects,
		DeletedIDs: deletedIDs,
		IsDeleted:  row.IsDeleted,
	}, nil
}

func clampRetained(maxRetained int) int {
	if maxRetained < 1 {
		return 1
	}
	return maxRetained
}

func defaultClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		return time.Now
	}
	return clock
}

func encodeBoardDocuments(objects []Object, deletedIDs []string) (string, string, error) {
	document, err := EncodeObjects(objects)
	if err != nil {
		return "", "", err
	}
	deleted, err := EncodeDeletedIDs(deletedIDs)
	if err != nil {
		return "", "", err
	}
	return document, deleted, nil
}
