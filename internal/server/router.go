package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey     = "boardsync_user_id"
	defaultSnapshotLimit = 20
	maxSnapshotLimit     = 200
)

var (
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingBoardStore    = errors.New("board store dependency required")
	errMissingRealtime      = errors.New("realtime handler dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// IdentityResolver maps a verified identity onto the canonical user.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity auth.Identity) (auth.Identity, error)
}

// SnapshotReader serves the snapshot history of boards the caller can access.
type SnapshotReader interface {
	CanAccessBoard(ctx context.Context, userID boards.UserID, boardID boards.BoardID) (bool, error)
	ListSnapshots(ctx context.Context, boardID boards.BoardID, limit int) ([]boards.Snapshot, error)
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Tokens         TokenVerifier
	Resolver       IdentityResolver
	Boards         SnapshotReader
	Realtime       http.Handler
	Health         HealthChecker
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.Boards == nil {
		return nil, errMissingBoardStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		resolver: deps.Resolver,
		boards:   deps.Boards,
		health:   deps.Health,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapH(deps.Realtime))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/boards/:boardId/versions", handler.handleListVersions)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens   TokenVerifier
	resolver IdentityResolver
	boards   SnapshotReader
	health   HealthChecker
	logger   *zap.Logger
}

type snapshotPayload struct {
	VersionNumber int64           `json:"versionNumber"`
	BoardVersion  int64           `json:"boardVersion"`
	CreatedAt     time.Time       `json:"createdAt"`
	Objects       []boards.Object `json:"objects"`
}

type versionsResponsePayload struct {
	BoardID  string            `json:"boardId"`
	Versions []snapshotPayload `json:"versions"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	userID, err := boards.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	boardID, err := boards.NewBoardID(c.Param("boardId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	ctx := c.Request.Context()
	allowed, err := h.boards.CanAccessBoard(ctx, userID, boardID)
	switch {
	case errors.Is(err, boards.ErrBoardNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case err != nil:
		h.logger.Error("failed to authorize board access", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	case !allowed:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	snapshots, err := h.boards.ListSnapshots(ctx, boardID, limit)
	if err != nil {
		h.logger.Error("failed to list snapshots", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	response := versionsResponsePayload{BoardID: boardID.String(), Versions: make([]snapshotPayload, 0, len(snapshots))}
	for _, snapshot := range snapshots {
		objects := snapshot.Objects
		if objects == nil {
			objects = []boards.Object{}
		}
		response.Versions = append(response.Versions, snapshotPayload{
			VersionNumber: snapshot.VersionNumber,
			BoardVersion:  snapshot.BoardVersion,
			CreatedAt:     snapshot.CreatedAt.UTC(),
			Objects:       objects,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.resolver != nil {
		identity, err = h.resolver.Resolve(c.Request.Context(), identity)
		if err != nil {
			h.logger.Warn("failed to resolve identity", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
	}
	c.Set(userIDContextKey, identity.UserID)
	c.Next()
}

func parseLimit(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultSnapshotLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}
	return limit, nil
}
