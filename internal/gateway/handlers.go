package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/boardsync/internal/audit"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/editlock"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/boardsync/internal/objectsync"
	"go.uber.org/zap"
)

// prepareJoin authorizes the join and loads the board into the cache, so the room lock is
// never held across the durable store.
func (g *Gateway) prepareJoin(ctx context.Context, session *Session, boardID boards.BoardID) error {
	if session.isJoined(boardID) {
		return nil
	}
	allowed, err := g.access.CanAccessBoard(ctx, session.userID, boardID)
	if err != nil {
		return err
	}
	if !allowed {
		return errAccessDenied
	}
	_, err = g.engine.LoadBoard(ctx, boardID)
	return err
}

func (g *Gateway) handleJoin(ctx context.Context, session *Session, boardID boards.BoardID, _ inboundMessage) ([]Delivery, error) {
	if session.isJoined(boardID) {
		return g.handleResync(ctx, session, boardID, inboundMessage{})
	}

	member := g.member(session)
	if _, err := g.presence.SetPresence(ctx, boardID, ephemeral.Presence{
		UserID: member.UserID,
		Name:   member.Name,
		Color:  member.Color,
		Avatar: member.Avatar,
	}); err != nil {
		g.logger.Warn("failed to write presence", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	state, err := g.boardState(ctx, boardID)
	if err != nil {
		return nil, err
	}
	first := g.rooms.add(boardID, session)
	session.markJoined(boardID)
	g.record(audit.KindJoin, boardID, session.userID, "")

	deliveries := []Delivery{{Recipients: []*Session{session}, Message: state}}

	reclaimed, err := g.locks.Reclaim(ctx, boardID, session.userID, member.Name)
	if err != nil {
		g.logger.Warn("failed to reclaim edit locks", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	if len(reclaimed) > 0 {
		deliveries = append(deliveries, Delivery{
			Recipients: []*Session{session},
			Message: editLockReclaimedMessage{
				Type:      EventEditLockReclaimed,
				BoardID:   boardID.String(),
				ObjectIDs: objectIDStrings(reclaimed),
			},
		})
	}
	if first {
		deliveries = append(deliveries, Delivery{
			Recipients: g.rooms.others(boardID, session),
			Message:    userPresenceMessage{Type: EventUserJoined, BoardID: boardID.String(), User: member},
		})
	}
	return deliveries, nil
}

func (g *Gateway) handleLeave(ctx context.Context, session *Session, boardID boards.BoardID, _ inboundMessage) ([]Delivery, error) {
	return g.leaveRoom(ctx, session, boardID, true), nil
}

// leaveRoom removes the session from the room. When it was the user's last local session the
// presence entry goes too and the room is told. An explicit leave also releases the user's
// edit locks; a dropped connection keeps them for the grace period.
func (g *Gateway) leaveRoom(ctx context.Context, session *Session, boardID boards.BoardID, explicit bool) []Delivery {
	session.markLeft(boardID)
	last := g.rooms.remove(boardID, session)
	if !last {
		return nil
	}
	if err := g.presence.RemovePresence(ctx, boardID, session.userID); err != nil {
		g.logger.Warn("failed to remove presence", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	if explicit {
		if _, err := g.locks.ReleaseAll(ctx, boardID, session.userID); err != nil {
			g.logger.Warn("failed to release edit locks", zap.String("board_id", boardID.String()), zap.Error(err))
		}
	}
	g.record(audit.KindLeave, boardID, session.userID, "")
	return []Delivery{{
		Recipients: g.rooms.members(boardID),
		Message:    userPresenceMessage{Type: EventUserLeft, BoardID: boardID.String(), User: g.member(session)},
	}}
}

func (g *Gateway) handleCreate(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	if len(message.Object) == 0 {
		return nil, fmt.Errorf("%w: missing object", errMalformedMessage)
	}
	object, err := g.engine.Create(ctx, boardID, session.userID, message.Object)
	if err != nil {
		return nil, err
	}
	g.record(audit.KindCreate, boardID, session.userID, object.ID())
	return []Delivery{{
		Recipients: g.rooms.others(boardID, session),
		Message: objectCreatedMessage{
			Type:    EventObjectCreated,
			BoardID: boardID.String(),
			Object:  object,
			UserID:  session.userID.String(),
		},
	}}, nil
}

func (g *Gateway) handleUpdate(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	objectID, err := boards.NewObjectID(message.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if len(message.Fields) == 0 {
		return nil, fmt.Errorf("%w: missing fields", errMalformedMessage)
	}
	change, err := g.engine.Update(ctx, boardID, session.userID, objectID, message.Fields)
	if errors.Is(err, objectsync.ErrStaleReference) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(change.Fields) == 0 {
		return nil, nil
	}
	g.record(audit.KindUpdate, boardID, session.userID, objectID.String())

	deliveries := []Delivery{{
		Recipients: g.rooms.others(boardID, session),
		Message: objectUpdatedMessage{
			Type:     EventObjectUpdated,
			BoardID:  boardID.String(),
			ObjectID: objectID.String(),
			Fields:   change.Fields,
			UserID:   session.userID.String(),
		},
	}}

	holders, err := g.locks.OtherHolders(ctx, boardID, objectID, session.userID)
	if err != nil {
		g.logger.Warn("failed to read edit holders", zap.String("board_id", boardID.String()), zap.Error(err))
		return deliveries, nil
	}
	if len(holders) > 0 {
		userIDs := make(map[string]struct{}, len(holders))
		for _, holder := range holders {
			userIDs[holder.UserID] = struct{}{}
		}
		deliveries = append(deliveries, Delivery{
			Recipients: g.rooms.sessionsOf(boardID, userIDs),
			Message: editConflictMessage{
				Type:     EventEditConflict,
				BoardID:  boardID.String(),
				ObjectID: objectID.String(),
				UserID:   session.userID.String(),
				Fields:   change.Fields,
			},
		})
	}
	return deliveries, nil
}

func (g *Gateway) handleDelete(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	objectID, err := boards.NewObjectID(message.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	deletion, err := g.engine.Delete(ctx, boardID, session.userID, objectID)
	if errors.Is(err, objectsync.ErrStaleReference) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := g.locks.Forget(ctx, boardID, objectID); err != nil {
		g.logger.Warn("failed to clear edit lock of deleted object", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	g.record(audit.KindDelete, boardID, session.userID, objectID.String())
	return []Delivery{{
		Recipients: g.rooms.others(boardID, session),
		Message: objectDeletedMessage{
			Type:              EventObjectDeleted,
			BoardID:           boardID.String(),
			ObjectID:          objectID.String(),
			UserID:            session.userID.String(),
			OrphanedObjectIDs: deletion.OrphanIDs,
		},
	}}, nil
}

func (g *Gateway) handleCursor(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	if message.X == nil || message.Y == nil {
		return nil, fmt.Errorf("%w: cursor requires x and y", errMalformedMessage)
	}
	if _, err := g.presence.SetCursor(ctx, boardID, session.userID, *message.X, *message.Y); err != nil {
		g.logger.Warn("failed to store cursor", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	return []Delivery{{
		Recipients: g.rooms.others(boardID, session),
		Message: cursorMovedMessage{
			Type:    EventCursorMoved,
			BoardID: boardID.String(),
			UserID:  session.userID.String(),
			X:       *message.X,
			Y:       *message.Y,
		},
	}}, nil
}

func (g *Gateway) handleStartEditing(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	objectID, err := boards.NewObjectID(message.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	others, err := g.locks.Start(ctx, boardID, objectID, session.userID, g.member(session).Name)
	if errors.Is(err, editlock.ErrUnknownObject) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(others) == 0 {
		return nil, nil
	}
	editors := make([]editorPayload, 0, len(others))
	for _, holder := range others {
		editors = append(editors, editorPayload{UserID: holder.UserID, UserName: holder.UserName, StartedAt: holder.StartedAt})
	}
	return []Delivery{{
		Recipients: []*Session{session},
		Message: editWarningMessage{
			Type:     EventEditWarning,
			BoardID:  boardID.String(),
			ObjectID: objectID.String(),
			Editors:  editors,
		},
	}}, nil
}

func (g *Gateway) handleStopEditing(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error) {
	objectID, err := boards.NewObjectID(message.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return nil, g.locks.Stop(ctx, boardID, objectID, session.userID)
}

func (g *Gateway) handleHeartbeat(ctx context.Context, session *Session, boardID boards.BoardID, _ inboundMessage) ([]Delivery, error) {
	member := g.member(session)
	if _, err := g.presence.SetPresence(ctx, boardID, ephemeral.Presence{
		UserID: member.UserID,
		Name:   member.Name,
		Color:  member.Color,
		Avatar: member.Avatar,
	}); err != nil {
		g.logger.Warn("failed to refresh presence", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	return nil, nil
}

func (g *Gateway) handleResync(ctx context.Context, session *Session, boardID boards.BoardID, _ inboundMessage) ([]Delivery, error) {
	state, err := g.boardState(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return []Delivery{{Recipients: []*Session{session}, Message: state}}, nil
}

func (g *Gateway) boardState(ctx context.Context, boardID boards.BoardID) (boardStateMessage, error) {
	cached, err := g.engine.LoadBoard(ctx, boardID)
	if err != nil {
		return boardStateMessage{}, err
	}
	present, err := g.presence.ListPresence(ctx, boardID)
	if err != nil {
		g.logger.Warn("failed to list presence", zap.String("board_id", boardID.String()), zap.Error(err))
	}
	members := make([]memberPayload, 0, len(present))
	for _, entry := range present {
		members = append(members, memberPayload{UserID: entry.UserID, Name: entry.Name, Color: entry.Color, Avatar: entry.Avatar})
	}
	objects := cached.Objects
	if objects == nil {
		objects = []boards.Object{}
	}
	return boardStateMessage{
		Type:    EventBoardState,
		BoardID: boardID.String(),
		Version: cached.Version,
		Objects: objects,
		Members: members,
	}, nil
}

func (g *Gateway) member(session *Session) memberPayload {
	name := session.identity.DisplayName
	if name == "" {
		name = session.userID.String()
	}
	return memberPayload{
		UserID: session.userID.String(),
		Name:   name,
		Color:  presenceColor(session.userID.String()),
		Avatar: session.identity.AvatarURL,
	}
}

func objectIDStrings(objectIDs []boards.ObjectID) []string {
	values := make([]string, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		values = append(values, objectID.String())
	}
	return values
}
