package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	maxMessageBytes     = 1 << 20
)

var (
	errMissingGateway       = errors.New("gateway is required")
	errMissingAuthenticator = errors.New("request authenticator is required")
)

// Authenticator verifies the credential carried by an upgrade request.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.Identity, error)
}

// IdentityResolver maps a verified identity onto the canonical user.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity auth.Identity) (auth.Identity, error)
}

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Gateway        *Gateway
	Authenticator  Authenticator
	Resolver       IdentityResolver
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PongWait       time.Duration
	Logger         *zap.Logger
}

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	gateway       *Gateway
	authenticator Authenticator
	resolver      IdentityResolver
	upgrader      websocket.Upgrader
	writeTimeout  time.Duration
	pongWait      time.Duration
	logger        *zap.Logger

	active sync.WaitGroup
}

// NewHandler validates the configuration and constructs the websocket endpoint.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Gateway == nil {
		return nil, errMissingGateway
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gateway:       cfg.Gateway,
		authenticator: cfg.Authenticator,
		resolver:      cfg.Resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		writeTimeout: writeTimeout,
		pongWait:     pongWait,
		logger:       logger,
	}, nil
}

// ServeHTTP authenticates before upgrading; a bad credential never reaches the gateway.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.ValidateRequest(r)
	if err != nil {
		h.logger.Debug("websocket authentication failed", zap.Error(err))
		writeUnauthorized(w)
		return
	}
	if h.resolver != nil {
		identity, err = h.resolver.Resolve(r.Context(), identity)
		if err != nil {
			h.logger.Warn("failed to resolve identity", zap.Error(err))
			writeUnauthorized(w)
			return
		}
	}
	session, err := h.gateway.NewSession(identity)
	if err != nil {
		h.logger.Debug("rejecting identity", zap.Error(err))
		writeUnauthorized(w)
		return
	}
	// Tracked from before the upgrade; http.Server.Shutdown does not wait for hijacked requests.
	h.active.Add(1)
	defer h.active.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		h.gateway.Disconnect(r.Context(), session)
		return
	}
	h.logger.Debug("session connected",
		zap.Int64("session_id", session.ID()),
		zap.String("user_id", session.UserID().String()))

	ctx := context.WithoutCancel(r.Context())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, session)
	}()
	h.readLoop(ctx, conn, session)
	h.gateway.Disconnect(ctx, session)
	<-writerDone
	h.logger.Debug("session closed", zap.Int64("session_id", session.ID()))
}

// Wait blocks until every session served by the handler has run its disconnect cleanup, or
// until ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.Int64("session_id", session.ID()), zap.Error(err))
			}
			return
		}
		if session.closed() {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		h.gateway.Handle(ctx, session, payload)
	}
}

// writeLoop is the only writer of the connection. It closes the connection when the
// session is closed, which in turn ends the read loop.
func (h *Handler) writeLoop(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case payload := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				session.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				session.Close()
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout))
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return func(*http.Request) bool { return true }
		}
		origins[strings.ToLower(trimmed)] = struct{}{}
	}
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[strings.ToLower(origin)]
		return ok
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
