package editlock

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/audit"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"go.uber.org/zap"
)

// ErrUnknownObject indicates that an edit started on an object that is not on the board.
var ErrUnknownObject = errors.New("editlock: object not on board")

var errMissingLocks = errors.New("lock store is required")

const (
	opStart    = "editlock.start"
	opReclaim  = "editlock.reclaim"
	opRelease  = "editlock.release"
	opConflict = "editlock.conflict"
)

// Locks is the ephemeral state the detector reads and writes.
type Locks interface {
	AddEditor(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, holder ephemeral.EditHolder) ([]ephemeral.EditHolder, error)
	RemoveEditor(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) error
	Editors(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) ([]ephemeral.EditHolder, error)
	LiveLocks(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error)
	ReleaseEditor(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error)
	ForgetObject(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) error
	ObjectExists(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) (bool, error)
}

// DetectorConfig describes the dependencies of the detector.
type DetectorConfig struct {
	Locks  Locks
	Audit  audit.Sink
	Clock  func() time.Time
	Logger *zap.Logger
}

// Detector tracks advisory multi-holder edit locks. It never blocks a write; it only
// tells participants who else is editing.
type Detector struct {
	locks  Locks
	audit  audit.Sink
	clock  func() time.Time
	logger *zap.Logger
}

// NewDetector validates the configuration and constructs a detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{locks: cfg.Locks, audit: sink, clock: clock, logger: logger}, nil
}

// Start adds the user as a holder of the object's lock and returns the holders that were
// already editing it. Only the caller should be warned about them.
func (d *Detector) Start(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID, userName string) ([]ephemeral.EditHolder, error) {
	exists, err := d.locks.ObjectExists(ctx, boardID, objectID)
	if err != nil {
		d.logError(opStart, "lookup_failed", err, boardID, zap.String("object_id", objectID.String()))
		return nil, err
	}
	if !exists {
		return nil, ErrUnknownObject
	}
	others, err := d.locks.AddEditor(ctx, boardID, objectID, ephemeral.EditHolder{UserID: userID.String(), UserName: userName})
	if err != nil {
		d.logError(opStart, "add_failed", err, boardID, zap.String("object_id", objectID.String()))
		return nil, err
	}
	d.record(audit.KindEditStart, boardID, userID, objectID)
	return others, nil
}

// Stop removes the user from the object's lock.
func (d *Detector) Stop(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) error {
	if err := d.locks.RemoveEditor(ctx, boardID, objectID, userID); err != nil {
		return err
	}
	d.record(audit.KindEditStop, boardID, userID, objectID)
	return nil
}

// OtherHolders lists live holders of the object's lock other than the given user. They are
// the recipients of an edit-conflict notice when that user changes the object.
func (d *Detector) OtherHolders(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) ([]ephemeral.EditHolder, error) {
	holders, err := d.locks.Editors(ctx, boardID, objectID)
	if err != nil {
		d.logError(opConflict, "list_failed", err, boardID, zap.String("object_id", objectID.String()))
		return nil, err
	}
	others := holders[:0]
	for _, holder := range holders {
		if holder.UserID == userID.String() {
			continue
		}
		others = append(others, holder)
	}
	return others, nil
}

// Reclaim returns the objects on which a rejoining user still holds a live lock and renews
// each of those holds. Locks on objects that were deleted meanwhile are treated as expired.
func (d *Detector) Reclaim(ctx context.Context, boardID boards.BoardID, userID boards.UserID, userName string) ([]boards.ObjectID, error) {
	held, err := d.locks.LiveLocks(ctx, boardID, userID)
	if err != nil {
		d.logError(opReclaim, "list_failed", err, boardID, zap.String("user_id", userID.String()))
		return nil, err
	}
	reclaimed := make([]boards.ObjectID, 0, len(held))
	for _, objectID := range held {
		exists, err := d.locks.ObjectExists(ctx, boardID, objectID)
		if err != nil {
			d.logError(opReclaim, "lookup_failed", err, boardID, zap.String("object_id", objectID.String()))
			return nil, err
		}
		if !exists {
			if err := d.locks.RemoveEditor(ctx, boardID, objectID, userID); err != nil {
				d.logger.Warn("failed to drop lock on deleted object",
					zap.String("board_id", boardID.String()),
					zap.String("object_id", objectID.String()),
					zap.Error(err))
			}
			continue
		}
		if _, err := d.locks.AddEditor(ctx, boardID, objectID, ephemeral.EditHolder{UserID: userID.String(), UserName: userName}); err != nil {
			d.logError(opReclaim, "renew_failed", err, boardID, zap.String("object_id", objectID.String()))
			return nil, err
		}
		reclaimed = append(reclaimed, objectID)
	}
	return reclaimed, nil
}

// ReleaseAll drops every lock the user holds on the board.
func (d *Detector) ReleaseAll(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error) {
	released, err := d.locks.ReleaseEditor(ctx, boardID, userID)
	if err != nil {
		d.logError(opRelease, "release_failed", err, boardID, zap.String("user_id", userID.String()))
		return nil, err
	}
	for _, objectID := range released {
		d.record(audit.KindEditStop, boardID, userID, objectID)
	}
	return released, nil
}

// Forget removes the lock of a deleted object.
func (d *Detector) Forget(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) error {
	return d.locks.ForgetObject(ctx, boardID, objectID)
}

func (d *Detector) record(kind string, boardID boards.BoardID, userID boards.UserID, objectID boards.ObjectID) {
	d.audit.Record(audit.Event{
		Kind:       kind,
		BoardID:    boardID.String(),
		UserID:     userID.String(),
		ObjectID:   objectID.String(),
		OccurredAt: d.clock().UTC(),
	})
}

func (d *Detector) logError(operation, reason string, err error, boardID boards.BoardID, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("board_id", boardID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Warn("edit lock error", attrs...)
}
