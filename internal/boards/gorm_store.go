package boards

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldBoardID = "board_id"
	queryBoardID = fieldBoardID + " = ?"
)

// GormStoreConfig describes the dependencies of the GORM-backed store.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore persists boards through GORM (SQLite by default).
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs the store. The schema is expected to be migrated by the caller.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newServiceError("boards.gorm_store.new", reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     cfg.Database,
		clock:  defaultClock(cfg.Clock),
		logger: logger,
	}, nil
}

// Models lists the tables the store needs; used by migrations.
func Models() []interface{} {
	return []interface{}{&Board{}, &BoardMember{}, &BoardVersion{}}
}

func (s *GormStore) LoadBoard(ctx context.Context, boardID BoardID) (BoardState, error) {
	var row Board
	err := s.db.WithContext(ctx).Where("id = ?", boardID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BoardState{}, ErrBoardNotFound
	}
	if err != nil {
		s.logError(opLoadBoard, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return BoardState{}, newServiceError(opLoadBoard, reasonQueryFailed, err)
	}
	if row.IsDeleted {
		return BoardState{}, ErrBoardNotFound
	}
	state, err := decodeBoard(row)
	if err != nil {
		s.logError(opLoadBoard, reasonDecodeFailed, err, zap.String(fieldBoardID, boardID.String()))
		return BoardState{}, newServiceError(opLoadBoard, reasonDecodeFailed, err)
	}
	return state, nil
}

func (s *GormStore) CompareAndSwapObjects(ctx context.Context, boardID BoardID, expectedVersion int64, objects []Object, deletedIDs []string) (bool, error) {
	if expectedVersion < 0 {
		return false, newServiceError(opCompareAndSwap, reasonInvalidVersion, errInvalidVersion)
	}
	document, deleted, err := encodeBoardDocuments(objects, deletedIDs)
	if err != nil {
		return false, newServiceError(opCompareAndSwap, reasonEncodeFailed, err)
	}
	result := s.db.WithContext(ctx).
		Model(&Board{}).
		Where("id = ? AND version = ? AND is_deleted = ?", boardID.String(), expectedVersion, false).
		Updates(map[string]interface{}{
			"objects":     document,
			"deleted_ids": deleted,
			"version":     expectedVersion + 1,
			"updated_at":  s.clock().UTC(),
		})
	if result.Error != nil {
		s.logError(opCompareAndSwap, reasonUpdateFailed, result.Error,
			zap.String(fieldBoardID, boardID.String()),
			zap.Int64("expected_version", expectedVersion))
		return false, newServiceError(opCompareAndSwap, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (s *GormStore) CreateSnapshot(ctx context.Context, boardID BoardID, boardVersion int64, objects []Object, maxRetained int) (Snapshot, error) {
	document, err := EncodeObjects(objects)
	if err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonEncodeFailed, err)
	}
	retained := int64(clampRetained(maxRetained))

	var created BoardVersion
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var latest int64
		if err := transaction.Model(&BoardVersion{}).
			Where(queryBoardID, boardID.String()).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&latest).Error; err != nil {
			return newServiceError(opCreateSnapshot, reasonQueryFailed, err)
		}
		created = BoardVersion{
			BoardID:       boardID.String(),
			VersionNumber: latest + 1,
			BoardVersion:  boardVersion,
			ObjectsJSON:   document,
			CreatedAt:     s.clock().UTC(),
		}
		if err := transaction.Create(&created).Error; err != nil {
			return newServiceError(opCreateSnapshot, reasonInsertFailed, err)
		}
		cutoff := created.VersionNumber - retained
		if cutoff > 0 {
			if err := transaction.
				Where(queryBoardID+" AND version_number <= ?", boardID.String(), cutoff).
				Delete(&BoardVersion{}).Error; err != nil {
				return newServiceError(opCreateSnapshot, reasonEvictFailed, err)
			}
		}
		return nil
	})
	if transactionError != nil {
		s.logError(opCreateSnapshot, "transaction_failed", transactionError, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, transactionError
	}
	return decodeSnapshot(created)
}

func (s *GormStore) ListSnapshots(ctx context.Context, boardID BoardID, limit int) ([]Snapshot, error) {
	query := s.db.WithContext(ctx).
		Where(queryBoardID, boardID.String()).
		Order("version_number DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []BoardVersion
	if err := query.Find(&rows).Error; err != nil {
		s.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return nil, newServiceError(opListSnapshots, reasonQueryFailed, err)
	}
	snapshots := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshot, err := decodeSnapshot(row)
		if err != nil {
			return nil, newServiceError(opListSnapshots, reasonDecodeFailed, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (s *GormStore) CanAccessBoard(ctx context.Context, userID UserID, boardID BoardID) (bool, error) {
	var board Board
	err := s.db.WithContext(ctx).
		Select("id", "owner_id", "is_deleted").
		Where("id = ?", boardID.String()).
		Take(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrBoardNotFound
	}
	if err != nil {
		s.logError(opCanAccess, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return false, newServiceError(opCanAccess, reasonQueryFailed, err)
	}
	if board.IsDeleted {
		return false, ErrBoardNotFound
	}
	if board.OwnerID == userID.String() {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&BoardMember{}).
		Where(queryBoardID+" AND user_id = ?", boardID.String(), userID.String()).
		Count(&count).Error; err != nil {
		s.logError(opCanAccess, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return false, newServiceError(opCanAccess, reasonQueryFailed, err)
	}
	return count > 0, nil
}

func (s *GormStore) CreateBoard(ctx context.Context, board NewBoard) (BoardState, error) {
	document, err := EncodeObjects(board.Objects)
	if err != nil {
		return BoardState{}, newServiceError(opCreateBoard, reasonEncodeFailed, err)
	}
	row := Board{
		ID:             board.ID.String(),
		OwnerID:        board.OwnerID.String(),
		Title:          strings.TrimSpace(board.Title),
		ObjectsJSON:    document,
		DeletedIDsJSON: "[]",
		Version:        1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateBoard, reasonInsertFailed, err, zap.String(fieldBoardID, board.ID.String()))
		return BoardState{}, newServiceError(opCreateBoard, reasonInsertFailed, err)
	}
	return decodeBoard(row)
}

func (s *GormStore) AddMember(ctx context.Context, boardID BoardID, userID UserID, role string) error {
	member := BoardMember{BoardID: boardID.String(), UserID: userID.String(), Role: normalizeRole(role)}
	if err := s.db.WithContext(ctx).Save(&member).Error; err != nil {
		s.logError(opAddMember, reasonInsertFailed, err, zap.String(fieldBoardID, boardID.String()))
		return newServiceError(opAddMember, reasonInsertFailed, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("board store error", attrs...)
}

func normalizeRole(role string) string {
	trimmed := strings.ToLower(strings.TrimSpace(role))
	if trimmed == "" {
		return "editor"
	}
	return trimmed
}
