package ephemeral

import (
	"strings"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
)

const (
	presencePrefix = "presence:"
	cursorPrefix   = "cursor:"
	editPrefix     = "edit:"
	editedByPrefix = "editby:"
	boardPrefix    = "board:"

	// ResetChannel carries the ids of boards whose cache was replaced by the durable row.
	ResetChannel = "boardsync:board-reset"

	dirtyBoardsKey = "boardsync:dirty"
)

func presenceKey(boardID boards.BoardID, userID boards.UserID) string {
	return presencePrefix + boardID.String() + ":" + userID.String()
}

func boardPresencePattern(boardID boards.BoardID) string {
	return presencePrefix + boardID.String() + ":*"
}

// parsePresenceKey extracts the board id from presence:{board}:{user}.
func parsePresenceKey(key string) (boards.BoardID, bool) {
	remainder, ok := strings.CutPrefix(key, presencePrefix)
	if !ok {
		return "", false
	}
	boardSegment, userSegment, found := strings.Cut(remainder, ":")
	if !found || boardSegment == "" || userSegment == "" {
		return "", false
	}
	return boards.BoardID(boardSegment), true
}

func cursorKey(boardID boards.BoardID, userID boards.UserID) string {
	return cursorPrefix + boardID.String() + ":" + userID.String()
}

func editKey(boardID boards.BoardID, objectID boards.ObjectID) string {
	return editPrefix + boardID.String() + ":" + objectID.String()
}

func editHoldersKey(boardID boards.BoardID, objectID boards.ObjectID) string {
	return editKey(boardID, objectID) + ":holders"
}

func editedByKey(boardID boards.BoardID, userID boards.UserID) string {
	return editedByPrefix + boardID.String() + ":" + userID.String()
}

type cacheKeys struct {
	objects    string
	order      string
	seq        string
	version    string
	revision   string
	flushed    string
	tombstones string
}

func boardCacheKeys(boardID boards.BoardID) cacheKeys {
	base := boardPrefix + boardID.String() + ":"
	return cacheKeys{
		objects:    base + "objects",
		order:      base + "order",
		seq:        base + "seq",
		version:    base + "version",
		revision:   base + "rev",
		flushed:    base + "flushed",
		tombstones: base + "tombstones",
	}
}

func (k cacheKeys) all() []string {
	return []string{k.objects, k.order, k.seq, k.version, k.revision, k.flushed, k.tombstones}
}
