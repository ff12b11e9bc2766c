package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/audit"
	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/editlock"
	"github.com/MarcoPoloResearchLab/boardsync/internal/ephemeral"
	"github.com/MarcoPoloResearchLab/boardsync/internal/objectsync"
	"go.uber.org/zap"
)

const defaultSendBuffer = 64

var (
	errMissingEngine   = errors.New("object sync engine is required")
	errMissingLocks    = errors.New("edit lock detector is required")
	errMissingPresence = errors.New("presence store is required")
	errMissingAccess   = errors.New("board access checker is required")

	errAccessDenied = errors.New("gateway: board access denied")
	errNotJoined    = errors.New("gateway: board not joined")
	errUnknownEvent = errors.New("gateway: unknown event")
)

// ObjectEngine applies object mutations to the cached board.
type ObjectEngine interface {
	LoadBoard(ctx context.Context, boardID boards.BoardID) (ephemeral.CachedBoard, error)
	Create(ctx context.Context, boardID boards.BoardID, userID boards.UserID, raw []byte) (boards.Object, error)
	Update(ctx context.Context, boardID boards.BoardID, userID boards.UserID, objectID boards.ObjectID, raw []byte) (objectsync.Change, error)
	Delete(ctx context.Context, boardID boards.BoardID, userID boards.UserID, objectID boards.ObjectID) (objectsync.Deletion, error)
}

// EditLocks is the advisory edit-lock detector.
type EditLocks interface {
	Start(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID, userName string) ([]ephemeral.EditHolder, error)
	Stop(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) error
	OtherHolders(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID, userID boards.UserID) ([]ephemeral.EditHolder, error)
	Reclaim(ctx context.Context, boardID boards.BoardID, userID boards.UserID, userName string) ([]boards.ObjectID, error)
	ReleaseAll(ctx context.Context, boardID boards.BoardID, userID boards.UserID) ([]boards.ObjectID, error)
	Forget(ctx context.Context, boardID boards.BoardID, objectID boards.ObjectID) error
}

// PresenceStore holds presence entries and cursors.
type PresenceStore interface {
	SetPresence(ctx context.Context, boardID boards.BoardID, entry ephemeral.Presence) (ephemeral.Presence, error)
	RemovePresence(ctx context.Context, boardID boards.BoardID, userID boards.UserID) error
	ListPresence(ctx context.Context, boardID boards.BoardID) ([]ephemeral.Presence, error)
	SetCursor(ctx context.Context, boardID boards.BoardID, userID boards.UserID, x, y float64) (ephemeral.Cursor, error)
}

// AccessChecker authorizes a user for a board.
type AccessChecker interface {
	CanAccessBoard(ctx context.Context, userID boards.UserID, boardID boards.BoardID) (bool, error)
}

// Config describes the gateway's collaborators.
type Config struct {
	Engine     ObjectEngine
	Locks      EditLocks
	Presence   PresenceStore
	Access     AccessChecker
	Audit      audit.Sink
	SendBuffer int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Delivery is one outbound message and the sessions it goes to.
type Delivery struct {
	Recipients []*Session
	Message    any
}

type handlerFunc func(ctx context.Context, session *Session, boardID boards.BoardID, message inboundMessage) ([]Delivery, error)

type route struct {
	// prepare runs before the room lock is taken; it must not touch room state.
	prepare func(ctx context.Context, session *Session, boardID boards.BoardID) error
	handle  handlerFunc
	// requiresJoin rejects the event unless the session already joined the board.
	requiresJoin bool
}

// Gateway multiplexes typed board events for authenticated sessions. Handlers return
// deliveries; the gateway fans them out while holding the board's room lock.
type Gateway struct {
	engine     ObjectEngine
	locks      EditLocks
	presence   PresenceStore
	access     AccessChecker
	audit      audit.Sink
	sendBuffer int
	clock      func() time.Time
	logger     *zap.Logger

	rooms    *roomRegistry
	routes   map[string]route
	nextSID  atomic.Int64
	sessions sync.Map
}

// New validates the configuration and constructs a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	if cfg.Access == nil {
		return nil, errMissingAccess
	}
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NopSink{}
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := &Gateway{
		engine:     cfg.Engine,
		locks:      cfg.Locks,
		presence:   cfg.Presence,
		access:     cfg.Access,
		audit:      sink,
		sendBuffer: sendBuffer,
		clock:      clock,
		logger:     logger,
		rooms:      newRoomRegistry(),
	}
	gateway.routes = map[string]route{
		EventJoinBoard:     {prepare: gateway.prepareJoin, handle: gateway.handleJoin},
		EventLeaveBoard:    {handle: gateway.handleLeave, requiresJoin: true},
		EventCreateObject:  {handle: gateway.handleCreate, requiresJoin: true},
		EventUpdateObject:  {handle: gateway.handleUpdate, requiresJoin: true},
		EventDeleteObject:  {handle: gateway.handleDelete, requiresJoin: true},
		EventCursorMove:    {handle: gateway.handleCursor, requiresJoin: true},
		EventStartEditing:  {handle: gateway.handleStartEditing, requiresJoin: true},
		EventStopEditing:   {handle: gateway.handleStopEditing, requiresJoin: true},
		EventHeartbeat:     {handle: gateway.handleHeartbeat, requiresJoin: true},
		EventRequestResync: {handle: gateway.handleResync, requiresJoin: true},
	}
	return gateway, nil
}

// NewSession registers an authenticated identity as a new session.
func (g *Gateway) NewSession(identity auth.Identity) (*Session, error) {
	userID, err := boards.NewUserID(identity.UserID)
	if err != nil {
		return nil, err
	}
	session := newSession(g.nextSID.Add(1), identity, userID, g.sendBuffer)
	g.sessions.Store(session.ID(), session)
	return session, nil
}

// Handle decodes one inbound payload, applies it, and delivers the results. Failures are
// reported to the session as error events; the session itself stays usable.
func (g *Gateway) Handle(ctx context.Context, session *Session, payload []byte) {
	message, boardID, err := parseInbound(payload)
	if err != nil {
		g.deliver([]Delivery{g.errorDelivery(session, message, err)})
		return
	}
	handler, ok := g.routes[message.Type]
	if !ok {
		g.deliver([]Delivery{g.errorDelivery(session, message, fmt.Errorf("%w: %q", errUnknownEvent, message.Type))})
		return
	}
	if handler.prepare != nil {
		rejected, ok := g.run(session, boardID, message, func() ([]Delivery, error) {
			return nil, handler.prepare(ctx, session, boardID)
		})
		if !ok {
			g.deliver(rejected)
			return
		}
	}

	unlock := g.rooms.lock(boardID)
	defer unlock()
	deliveries, _ := g.run(session, boardID, message, func() ([]Delivery, error) {
		if handler.requiresJoin && !session.isJoined(boardID) {
			return nil, errNotJoined
		}
		return handler.handle(ctx, session, boardID, message)
	})
	g.deliver(deliveries)
}

func parseInbound(payload []byte) (inboundMessage, boards.BoardID, error) {
	message, err := decodeInbound(payload)
	if err != nil {
		return inboundMessage{}, "", err
	}
	boardID, err := boards.NewBoardID(message.BoardID)
	if err != nil {
		return message, "", fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	return message, boardID, nil
}

// run executes one handler step. A failure or panic becomes an error event for the session
// and ok is false.
func (g *Gateway) run(session *Session, boardID boards.BoardID, message inboundMessage, step func() ([]Delivery, error)) (deliveries []Delivery, ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			g.logger.Error("event handler panicked",
				zap.String("event", message.Type),
				zap.String("board_id", boardID.String()),
				zap.Any("panic", recovered))
			deliveries = []Delivery{g.errorDelivery(session, message, fmt.Errorf("handler panic: %v", recovered))}
			ok = false
		}
	}()

	deliveries, err := step()
	if err != nil {
		return append(deliveries, g.errorDelivery(session, message, err)), false
	}
	return deliveries, true
}

// Disconnect runs the close cleanup for a session exactly once: it leaves every joined
// room and drops presence. Edit locks are kept so a quick reconnect can reclaim them.
func (g *Gateway) Disconnect(ctx context.Context, session *Session) {
	session.cleanupOnce.Do(func() {
		session.Close()
		g.sessions.Delete(session.ID())
		for _, boardID := range session.joinedBoards() {
			unlock := g.rooms.lock(boardID)
			g.deliver(g.leaveRoom(ctx, session, boardID, false))
			unlock()
		}
	})
}

// CloseAll closes every live session. Transports then run the usual disconnect cleanup.
func (g *Gateway) CloseAll() int {
	closed := 0
	g.sessions.Range(func(_, value any) bool {
		value.(*Session).Close()
		closed++
		return true
	})
	return closed
}

// ResetBoard sends a fresh board state to every local session of the board. It is called
// when the board cache was replaced by the durable row.
func (g *Gateway) ResetBoard(ctx context.Context, boardID boards.BoardID) {
	unlock := g.rooms.lock(boardID)
	defer unlock()
	members := g.rooms.members(boardID)
	if len(members) == 0 {
		return
	}
	state, err := g.boardState(ctx, boardID)
	if err != nil {
		g.logger.Warn("failed to resend board after reset", zap.String("board_id", boardID.String()), zap.Error(err))
		return
	}
	g.deliver([]Delivery{{Recipients: members, Message: state}})
}

func (g *Gateway) deliver(deliveries []Delivery) {
	for _, delivery := range deliveries {
		if len(delivery.Recipients) == 0 {
			continue
		}
		payload, err := encodeOutbound(delivery.Message)
		if err != nil {
			g.logger.Error("failed to encode outbound message", zap.Error(err))
			continue
		}
		for _, recipient := range delivery.Recipients {
			if !recipient.enqueue(payload) {
				g.logger.Debug("message not queued; session closed",
					zap.Int64("session_id", recipient.id),
					zap.String("user_id", recipient.userID.String()))
			}
		}
	}
}

func (g *Gateway) errorDelivery(session *Session, message inboundMessage, err error) Delivery {
	code, text := classifyError(err)
	switch code {
	case CodeInternalError:
		g.logger.Error("event failed",
			zap.String("event", message.Type),
			zap.String("board_id", message.BoardID),
			zap.String("user_id", session.userID.String()),
			zap.Error(err))
	default:
		g.logger.Debug("event rejected",
			zap.String("event", message.Type),
			zap.String("code", code),
			zap.Error(err))
	}
	return Delivery{
		Recipients: []*Session{session},
		Message: errorMessage{
			Type:        EventError,
			Code:        code,
			Message:     text,
			BoardID:     message.BoardID,
			RequestType: message.Type,
		},
	}
}

func classifyError(err error) (string, string) {
	switch {
	case errors.Is(err, errMalformedMessage), errors.Is(err, errUnknownEvent):
		return CodeProtocolError, err.Error()
	case errors.Is(err, errNotJoined):
		return CodeProtocolError, "board not joined"
	case errors.Is(err, errAccessDenied):
		return CodeForbidden, "access to board denied"
	case errors.Is(err, boards.ErrBoardNotFound):
		return CodeNotFound, "board not found"
	case errors.Is(err, boards.ErrInvalidObject),
		errors.Is(err, boards.ErrInvalidObjectID),
		errors.Is(err, objectsync.ErrDuplicateObject):
		return CodeValidationError, err.Error()
	default:
		return CodeInternalError, "internal error"
	}
}

func (g *Gateway) record(kind string, boardID boards.BoardID, userID boards.UserID, objectID string) {
	g.audit.Record(audit.Event{
		Kind:       kind,
		BoardID:    boardID.String(),
		UserID:     userID.String(),
		ObjectID:   objectID,
		OccurredAt: g.clock().UTC(),
	})
}

var (
	_ ObjectEngine = (*objectsync.Engine)(nil)
	_ EditLocks    = (*editlock.Detector)(nil)
)
