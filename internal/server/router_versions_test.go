package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"github.com/MarcoPoloResearchLab/boardsync/internal/database"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
)

const (
	testSigningSecret = "router-secret"
	testIssuer        = "boardsync-auth"
)

type stubHealth struct {
	err error
}

func (s stubHealth) Ping(context.Context) error {
	return s.err
}

type routerEnv struct {
	handler http.Handler
	store   *boards.GormStore
}

func newRouterEnv(t *testing.T, health HealthChecker) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", time.Now().UnixNano()), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := boards.NewGormStore(boards.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	realtime := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   validator,
		Boards:   store,
		Realtime: realtime,
		Health:   health,
	})
	if err != nil {
		t.Fatalf("failed to construct router: %v", err)
	}
	return &routerEnv{handler: handler, store: store}
}

func (e *routerEnv) seedBoard(t *testing.T, boardID, ownerID string, snapshots int) {
	t.Helper()
	ctx := context.Background()
	id, _ := boards.NewBoardID(boardID)
	owner, _ := boards.NewUserID(ownerID)
	state, err := e.store.CreateBoard(ctx, boards.NewBoard{ID: id, OwnerID: owner, Title: boardID})
	if err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	for index := 0; index < snapshots; index++ {
		objects := []boards.Object{{boards.FieldID: fmt.Sprintf("S%d", index), boards.FieldType: "sticky", "x": 1.0, "y": 2.0}}
		if _, err := e.store.CreateSnapshot(ctx, id, state.Version+int64(index), objects, 10); err != nil {
			t.Fatalf("failed to create snapshot: %v", err)
		}
	}
}

func (e *routerEnv) get(t *testing.T, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if userID != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
		if err != nil {
			t.Fatalf("failed to construct issuer: %v", err)
		}
		token, _, err := issuer.IssueSessionToken(auth.Identity{UserID: userID})
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestListVersionsReturnsNewestFirst(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.seedBoard(t, "board-1", "alice", 3)

	recorder := env.get(t, "/boards/board-1/versions?limit=2", "alice")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response versionsResponsePayload
	if err := sonic.ConfigStd.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.BoardID != "board-1" || len(response.Versions) != 2 {
		t.Fatalf("unexpected response %#v", response)
	}
	if response.Versions[0].VersionNumber != 3 || response.Versions[1].VersionNumber != 2 {
		t.Fatalf("expected newest snapshots first, got %#v", response.Versions)
	}
	if len(response.Versions[0].Objects) != 1 || response.Versions[0].Objects[0].ID() != "S2" {
		t.Fatalf("expected snapshot objects, got %#v", response.Versions[0].Objects)
	}
}

func TestListVersionsRejections(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.seedBoard(t, "board-1", "alice", 1)

	tests := []struct {
		name   string
		path   string
		userID string
		status int
	}{
		{name: "no-token", path: "/boards/board-1/versions", status: http.StatusUnauthorized},
		{name: "stranger", path: "/boards/board-1/versions", userID: "mallory", status: http.StatusForbidden},
		{name: "missing-board", path: "/boards/nowhere/versions", userID: "alice", status: http.StatusNotFound},
		{name: "bad-limit", path: "/boards/board-1/versions?limit=zero", userID: "alice", status: http.StatusBadRequest},
		{name: "negative-limit", path: "/boards/board-1/versions?limit=-1", userID: "alice", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := env.get(t, tt.path, tt.userID)
			if recorder.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestHealthzReflectsBackingStore(t *testing.T) {
	healthy := newRouterEnv(t, stubHealth{})
	if recorder := healthy.get(t, "/healthz", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy 200, got %d", recorder.Code)
	}

	unhealthy := newRouterEnv(t, stubHealth{err: errors.New("redis unreachable")})
	if recorder := unhealthy.get(t, "/healthz", ""); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestRealtimeRouteDelegatesToWebsocketHandler(t *testing.T) {
	env := newRouterEnv(t, nil)
	if recorder := env.get(t, "/ws", ""); recorder.Code != http.StatusTeapot {
		t.Fatalf("expected realtime handler to serve /ws, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenVerifier) {
		t.Fatalf("expected missing verifier error, got %v", err)
	}
}
