package boards

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const postgresOperationTimeout = 5 * time.Second

var postgresSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS boards (
		id VARCHAR(190) PRIMARY KEY,
		owner_id VARCHAR(190) NOT NULL,
		title VARCHAR(320) NOT NULL DEFAULT '',
		objects TEXT NOT NULL,
		deleted_ids TEXT NOT NULL DEFAULT '[]',
		version BIGINT NOT NULL DEFAULT 0,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE boards ADD COLUMN IF NOT EXISTS deleted_ids TEXT NOT NULL DEFAULT '[]'`,
	`CREATE INDEX IF NOT EXISTS idx_boards_owner_id ON boards (owner_id)`,
	`CREATE TABLE IF NOT EXISTS board_members (
		board_id VARCHAR(190) NOT NULL,
		user_id VARCHAR(190) NOT NULL,
		role VARCHAR(32) NOT NULL DEFAULT 'editor',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (board_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS board_versions (
		id BIGSERIAL PRIMARY KEY,
		board_id VARCHAR(190) NOT NULL,
		version_number BIGINT NOT NULL,
		board_version BIGINT NOT NULL,
		objects TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (board_id, version_number)
	)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists boards in PostgreSQL through database/sql and lib/pq.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	clock  func() time.Time
	logger *zap.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore constructs a store for the DSN. The connection and schema are
// established lazily on first use.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, newServiceError("boards.postgres_store.new", reasonMissingDatabase, errMissingDatabase)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
		clock:  time.Now,
		logger: logger,
	}, nil
}

func (s *PostgresStore) LoadBoard(ctx context.Context, boardID BoardID) (BoardState, error) {
	if err := s.ensureReady(); err != nil {
		return BoardState{}, newServiceError(opLoadBoard, reasonMissingDatabase, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var row Board
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, objects, deleted_ids, version, is_deleted, created_at, updated_at FROM boards WHERE id = $1`,
		boardID.String(),
	).Scan(&row.ID, &row.OwnerID, &row.Title, &row.ObjectsJSON, &row.DeletedIDsJSON, &row.Version, &row.IsDeleted, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
		return BoardState{}, newServiceError(opLoadBoard, reasonDecodeFailed, err)
	}
	return state, nil
}

func (s *PostgresStore) CompareAndSwapObjects(ctx context.Context, boardID BoardID, expectedVersion int64, objects []Object, deletedIDs []string) (bool, error) {
	if expectedVersion < 0 {
		return false, newServiceError(opCompareAndSwap, reasonInvalidVersion, errInvalidVersion)
	}
	if err := s.ensureReady(); err != nil {
		return false, newServiceError(opCompareAndSwap, reasonMissingDatabase, err)
	}
	document, deleted, err := encodeBoardDocuments(objects, deletedIDs)
	if err != nil {
		return false, newServiceError(opCompareAndSwap, reasonEncodeFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE boards SET objects = $1, deleted_ids = $2, version = $3 + 1, updated_at = $4
		 WHERE id = $5 AND version = $3 AND is_deleted = FALSE`,
		document, deleted, expectedVersion, s.clock().UTC(), boardID.String(),
	)
	if err != nil {
		s.logError(opCompareAndSwap, reasonUpdateFailed, err,
			zap.String(fieldBoardID, boardID.String()),
			zap.Int64("expected_version", expectedVersion))
		return false, newServiceError(opCompareAndSwap, reasonUpdateFailed, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, newServiceError(opCompareAndSwap, reasonUpdateFailed, err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, boardID BoardID, boardVersion int64, objects []Object, maxRetained int) (Snapshot, error) {
	if err := s.ensureReady(); err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonMissingDatabase, err)
	}
	document, err := EncodeObjects(objects)
	if err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonEncodeFailed, err)
	}
	retained := int64(clampRetained(maxRetained))
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonQueryFailed, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serializes concurrent snapshot writers for the same board.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, boardID.String()); err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonQueryFailed, err)
	}

	created := BoardVersion{
		BoardID:      boardID.String(),
		BoardVersion: boardVersion,
		ObjectsJSON:  document,
		CreatedAt:    s.clock().UTC(),
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO board_versions (board_id, version_number, board_version, objects, created_at)
		 SELECT $1, COALESCE(MAX(version_number), 0) + 1, $2, $3, $4 FROM board_versions WHERE board_id = $1
		 RETURNING id, version_number`,
		created.BoardID, created.BoardVersion, created.ObjectsJSON, created.CreatedAt,
	).Scan(&created.ID, &created.VersionNumber)
	if err != nil {
		s.logError(opCreateSnapshot, reasonInsertFailed, err, zap.String(fieldBoardID, boardID.String()))
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonInsertFailed, err)
	}
	if cutoff := created.VersionNumber - retained; cutoff > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM board_versions WHERE board_id = $1 AND version_number <= $2`,
			created.BoardID, cutoff,
		); err != nil {
			s.logError(opCreateSnapshot, reasonEvictFailed, err, zap.String(fieldBoardID, boardID.String()))
			return Snapshot{}, newServiceError(opCreateSnapshot, reasonEvictFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, newServiceError(opCreateSnapshot, reasonInsertFailed, err)
	}
	return decodeSnapshot(created)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, boardID BoardID, limit int) ([]Snapshot, error) {
	if err := s.ensureReady(); err != nil {
		return nil, newServiceError(opListSnapshots, reasonMissingDatabase, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := `SELECT id, board_id, version_number, board_version, objects, created_at
		FROM board_versions WHERE board_id = $1 ORDER BY version_number DESC`
	args := []interface{}{boardID.String()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return nil, newServiceError(opListSnapshots, reasonQueryFailed, err)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var row BoardVersion
		if err := rows.Scan(&row.ID, &row.BoardID, &row.VersionNumber, &row.BoardVersion, &row.ObjectsJSON, &row.CreatedAt); err != nil {
			return nil, newServiceError(opListSnapshots, reasonQueryFailed, err)
		}
		snapshot, err := decodeSnapshot(row)
		if err != nil {
			return nil, newServiceError(opListSnapshots, reasonDecodeFailed, err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, newServiceError(opListSnapshots, reasonQueryFailed, err)
	}
	return snapshots, nil
}

func (s *PostgresStore) CanAccessBoard(ctx context.Context, userID UserID, boardID BoardID) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, newServiceError(opCanAccess, reasonMissingDatabase, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var ownerID string
	var isDeleted, isMember bool
	err := s.db.QueryRowContext(ctx,
		`SELECT b.owner_id, b.is_deleted,
			EXISTS (SELECT 1 FROM board_members m WHERE m.board_id = b.id AND m.user_id = $2)
		 FROM boards b WHERE b.id = $1`,
		boardID.String(), userID.String(),
	).Scan(&ownerID, &isDeleted, &isMember)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrBoardNotFound
	}
	if err != nil {
		s.logError(opCanAccess, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return false, newServiceError(opCanAccess, reasonQueryFailed, err)
	}
	if isDeleted {
		return false, ErrBoardNotFound
	}
	return ownerID == userID.String() || isMember, nil
}

func (s *PostgresStore) CreateBoard(ctx context.Context, board NewBoard) (BoardState, error) {
	if err := s.ensureReady(); err != nil {
		return BoardState{}, newServiceError(opCreateBoard, reasonMissingDatabase, err)
	}
	document, err := EncodeObjects(board.Objects)
	if err != nil {
		return BoardState{}, newServiceError(opCreateBoard, reasonEncodeFailed, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	now := s.clock().UTC()
	row := Board{
		ID:             board.ID.String(),
		OwnerID:        board.OwnerID.String(),
		Title:          strings.TrimSpace(board.Title),
		ObjectsJSON:    document,
		DeletedIDsJSON: "[]",
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id, owner_id, title, objects, version, is_deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)`,
		row.ID, row.OwnerID, row.Title, row.ObjectsJSON, row.Version, now,
	); err != nil {
		s.logError(opCreateBoard, reasonInsertFailed, err, zap.String(fieldBoardID, row.ID))
		return BoardState{}, newServiceError(opCreateBoard, reasonInsertFailed, err)
	}
	return decodeBoard(row)
}

func (s *PostgresStore) AddMember(ctx context.Context, boardID BoardID, userID UserID, role string) error {
	if err := s.ensureReady(); err != nil {
		return newServiceError(opAddMember, reasonMissingDatabase, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO board_members (board_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (board_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		boardID.String(), userID.String(), normalizeRole(role),
	); err != nil {
		s.logError(opAddMember, reasonInsertFailed, err, zap.String(fieldBoardID, boardID.String()))
		return newServiceError(opAddMember, reasonInsertFailed, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, statement := range postgresSchemaStatements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("board store error", attrs...)
}
