package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefixes = "2026-09-02_strip_provider_prefixes"
	migrationInitialBoardVersion   = "2026-09-18_initial_board_version"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripProviderPrefixes, apply: stripProviderPrefixes},
		{name: migrationInitialBoardVersion, apply: normalizeInitialBoardVersion},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Ownership and membership rows written before identities were canonicalized carry a
// "google:" prefix, which is not a valid key segment.
func stripProviderPrefixes(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statements := []string{
		fmt.Sprintf("UPDATE boards SET owner_id = substr(owner_id, %d) WHERE owner_id LIKE '%s%%';", start, prefix),
		fmt.Sprintf("UPDATE board_members SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%';", start, prefix),
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// Boards start at version 1.
func normalizeInitialBoardVersion(db *gorm.DB) error {
	return db.Model(&boards.Board{}).
		Where("version < ?", 1).
		Update("version", 1).Error
}
