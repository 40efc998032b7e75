package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relaychat/internal/audit"
	"relaychat/internal/auth"
	"relaychat/internal/middleware"
	"relaychat/internal/server"
	"relaychat/internal/storage"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fakeDirectory struct {
	rooms map[string]int64
	users []string
	err   error
}

func (f *fakeDirectory) Rooms(context.Context) (map[string]int64, error) { return f.rooms, f.err }

func (f *fakeDirectory) OnlineUsers(context.Context) ([]string, error) { return f.users, f.err }

// greeter answers the first line it reads, standing in for the chat server.
type greeter struct{}

func (greeter) ServeConn(t server.Transport) {
	defer t.Close()
	line, err := bufio.NewReader(t).ReadString('\n')
	if err != nil {
		return
	}
	io.WriteString(t, "got "+line)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := storage.Connect(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close(db) })
	require.NoError(t, storage.SeedUsers(db, []string{"a", "b"}, "1"))
	return db
}

func setupRouter(t *testing.T, dir *fakeDirectory, limiter *middleware.IPRateLimiter) (*gin.Engine, *gorm.DB) {
	db := setupTestDB(t)
	router := NewRouter(RouterConfig{
		DB:           db,
		Secret:       testSecret,
		ServerID:     "server1",
		Rooms:        dir,
		Users:        dir,
		Conns:        greeter{},
		LoginLimiter: limiter,
	})
	return NewEngine(router), db
}

func doJSON(r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, r http.Handler) string {
	w := doJSON(r, http.MethodPost, "/login", UserLoginInput{Username: "a", Hash: auth.HashString("1")}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthCheck(t *testing.T) {
	router, _ := setupRouter(t, &fakeDirectory{}, nil)

	w := doJSON(router, http.MethodGet, "/hc", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Running", w.Body.String())
}

func TestAuthHandlers_LoginHandler(t *testing.T) {
	router, _ := setupRouter(t, &fakeDirectory{}, nil)

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{"valid login", UserLoginInput{Username: "a", Hash: auth.HashString("1")}, http.StatusOK},
		{"wrong hash", UserLoginInput{Username: "a", Hash: auth.HashString("2")}, http.StatusUnauthorized},
		{"unknown user", UserLoginInput{Username: "zed", Hash: auth.HashString("1")}, http.StatusUnauthorized},
		{"missing hash", map[string]string{"username": "a"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/login", tt.body, "")
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var resp LoginResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "a", resp.User.Username)

				cookies := w.Result().Cookies()
				require.Len(t, cookies, 1)
				assert.Equal(t, "token", cookies[0].Name)
				assert.Equal(t, resp.Token, cookies[0].Value)
			}
		})
	}
}

func TestAuthHandlers_LoginRateLimited(t *testing.T) {
	limiter := middleware.NewIPRateLimiter(middleware.RateLimitConfig{EventsPerSecond: 0.001, BurstSize: 2})
	defer limiter.Stop()
	router, _ := setupRouter(t, &fakeDirectory{}, limiter)

	body := UserLoginInput{Username: "a", Hash: auth.HashString("2")}
	assert.Equal(t, http.StatusUnauthorized, doJSON(router, http.MethodPost, "/login", body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(router, http.MethodPost, "/login", body, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(router, http.MethodPost, "/login", body, "").Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router, _ := setupRouter(t, &fakeDirectory{}, nil)

	for _, path := range []string{"/api/rooms", "/api/users", "/api/audit"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, doJSON(router, http.MethodGet, path, nil, "").Code)
			assert.Equal(t, http.StatusUnauthorized, doJSON(router, http.MethodGet, path, nil, "garbage").Code)
		})
	}
}

func TestChatHandlers_Rooms(t *testing.T) {
	dir := &fakeDirectory{rooms: map[string]int64{"lobby": 2, "garden": 1}}
	router, _ := setupRouter(t, dir, nil)
	token := loginToken(t, router)

	w := doJSON(router, http.MethodGet, "/api/rooms", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RoomsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []RoomResponse{{Name: "garden", Members: 1}, {Name: "lobby", Members: 2}}, resp.Rooms)

	dir.err = errors.New("redis down")
	w = doJSON(router, http.MethodGet, "/api/rooms", nil, token)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChatHandlers_Users(t *testing.T) {
	dir := &fakeDirectory{}
	router, _ := setupRouter(t, dir, nil)
	token := loginToken(t, router)

	w := doJSON(router, http.MethodGet, "/api/users", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[]}`, w.Body.String())

	dir.users = []string{"a", "b"}
	w = doJSON(router, http.MethodGet, "/api/users", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":["a","b"]}`, w.Body.String())
}

func TestAuditHandlers_GetAuditLogsHandler(t *testing.T) {
	router, db := setupRouter(t, &fakeDirectory{}, nil)
	token := loginToken(t, router)

	svc := audit.NewAuditService(db, "server1")
	require.NoError(t, svc.LogLogin("a"))
	require.NoError(t, svc.LogRoomJoin("a", "lobby", "garden"))
	require.NoError(t, svc.LogLogin("b"))
	require.NoError(t, svc.LogLogout("a", "garden"))

	tests := []struct {
		name        string
		query       string
		wantTotal   int64
		wantLen     int
		wantActions []string
	}{
		{"all", "", 4, 4, []string{"LOGOUT", "LOGIN", "JOIN_ROOM", "LOGIN"}},
		{"by user", "?username=a", 3, 3, []string{"LOGOUT", "JOIN_ROOM", "LOGIN"}},
		{"by action", "?action=LOGIN", 2, 2, []string{"LOGIN", "LOGIN"}},
		{"paged", "?limit=1&offset=1", 4, 1, []string{"LOGIN"}},
		{"bad paging falls back", "?limit=x&offset=-3", 4, 4, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodGet, "/api/audit"+tt.query, nil, token)
			require.Equal(t, http.StatusOK, w.Code)

			var resp AuditLogsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantTotal, resp.Total)
			require.Len(t, resp.Logs, tt.wantLen)

			if tt.wantActions != nil {
				actions := make([]string, len(resp.Logs))
				for i, l := range resp.Logs {
					actions[i] = l.Action
				}
				assert.Equal(t, tt.wantActions, actions)
			}
		})
	}
}

func TestChatHandlers_WebSocket(t *testing.T) {
	router, _ := setupRouter(t, &fakeDirectory{}, nil)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(gws.TextMessage, []byte("LOGIN a x\n")))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "got LOGIN a x\n", string(data))
}
