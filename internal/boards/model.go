package boards

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBoardID indicates that a board identifier is empty, too long, or contains a key separator.
	ErrInvalidBoardID = errors.New("boards: invalid board id")
	// ErrInvalidObjectID indicates that an object identifier is empty, too long, or contains a key separator.
	ErrInvalidObjectID = errors.New("boards: invalid object id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("boards: invalid user id")
	// ErrBoardNotFound indicates the board does not exist or has been soft-deleted.
	ErrBoardNotFound = errors.New("boards: board not found")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed, err := validateKeySegment(rawInput, ErrInvalidBoardID)
	if err != nil {
		return "", err
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// ObjectID represents a validated board object identifier.
type ObjectID string

// NewObjectID validates raw input and returns an ObjectID.
func NewObjectID(rawInput string) (ObjectID, error) {
	trimmed, err := validateKeySegment(rawInput, ErrInvalidObjectID)
	if err != nil {
		return "", err
	}
	return ObjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ObjectID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateKeySegment(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Identifiers become segments of ephemeral store keys, so the separator is reserved.
func validateKeySegment(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, ": \t\r\n*?[]") {
		return "", fmt.Errorf("%w: contains reserved characters", sentinel)
	}
	return trimmed, nil
}

// Board is the authoritative durable row for one canvas.
type Board struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID        string    `gorm:"column:owner_id;size:190;not null;index"`
	Title          string    `gorm:"column:title;size:320;not null;default:''"`
	ObjectsJSON    string    `gorm:"column:objects;type:text;not null"`
	DeletedIDsJSON string    `gorm:"column:deleted_ids;type:text;not null;default:'[]'"`
	Version        int64     `gorm:"column:version;not null;default:0"`
	IsDeleted      bool      `gorm:"column:is_deleted;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Board) TableName() string {
	return "boards"
}

// BoardMember grants a non-owner user access to a board.
type BoardMember struct {
	BoardID   string    `gorm:"column:board_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	Role      string    `gorm:"column:role;size:32;not null;default:'editor'"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BoardMember) TableName() string {
	return "board_members"
}

// BoardVersion is one append-only snapshot of a board's object set.
type BoardVersion struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	BoardID       string    `gorm:"column:board_id;size:190;not null;uniqueIndex:idx_board_versions_number,priority:1"`
	VersionNumber int64     `gorm:"column:version_number;not null;uniqueIndex:idx_board_versions_number,priority:2"`
	BoardVersion  int64     `gorm:"column:board_version;not null"`
	ObjectsJSON   string    `gorm:"column:objects;type:text;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoardVersion) TableName() string {
	return "board_versions"
}

// BoardState is the decoded view of a durable board row.
//
// DeletedIDs lists every object id ever deleted from the board; those ids are never reused.
type BoardState struct {
	ID         BoardID
	OwnerID    string
	Title      string
	Version    int64
	Objects    []Object
	DeletedIDs []string
	IsDeleted  bool
}

// Snapshot is the decoded view of a BoardVersion row.
type Snapshot struct {
	BoardID       BoardID
	VersionNumber int64
	BoardVersion  int64
	Objects       []Object
	CreatedAt     time.Time
}
