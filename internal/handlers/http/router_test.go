package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/services"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWebSocket struct {
	users []domain.UserID
}

func (f *fakeWebSocket) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID domain.UserID) {
	f.users = append(f.users, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeWebSocket) ConnectionCount() int { return 2 }

func (f *fakeWebSocket) GetConnectedSessions() []domain.ConnectionID {
	return []domain.ConnectionID{"7:aaaa", "8:bbbb", "7:cccc"}
}

type fakeRooms map[domain.ChannelID]*domain.Room

func (f fakeRooms) GetRoom(ctx context.Context, id domain.ChannelID) (*domain.Room, error) {
	room, ok := f[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

func (f fakeRooms) UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	var out []*domain.Room
	for _, id := range []domain.ChannelID{"1", "2", "3", "4"} {
		if room, ok := f[id]; ok && isMember(room, userID) {
			out = append(out, room)
		}
	}
	return out, nil
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) AddOnline(ctx context.Context, peer ports.Peer, channel domain.ChannelID, offline []domain.Message) error {
	return m.Called(ctx, peer, channel, offline).Error(0)
}

func (m *MockPresence) RemoveOnline(ctx context.Context, peer ports.Peer, channel domain.ChannelID, teardown bool) error {
	return m.Called(ctx, peer, channel, teardown).Error(0)
}

func (m *MockPresence) Online(ctx context.Context, channel domain.ChannelID) ([]domain.UserID, error) {
	args := m.Called(ctx, channel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.UserID), args.Error(1)
}

type routerFixture struct {
	router   *gin.Engine
	auth     services.AuthService
	ws       *fakeWebSocket
	presence *MockPresence
	healthy  bool
}

func newRouterFixture(t *testing.T) *routerFixture {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.Monitoring.PrometheusEnabled = true

	f := &routerFixture{
		auth:     services.NewAuthService("secret", time.Minute, time.Hour),
		ws:       &fakeWebSocket{},
		presence: &MockPresence{},
		healthy:  true,
	}

	health := monitoring.NewHealthChecker()
	health.AddCheck("chat_store", func(ctx context.Context) error {
		if f.healthy {
			return nil
		}
		return errors.New("database is locked")
	}, time.Second)

	registry := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(registry)

	f.router = NewRouter(RouterDeps{
		Config:    cfg,
		Auth:      f.auth,
		WebSocket: f.ws,
		Rooms: fakeRooms{
			"1": {ID: "1", Name: "general", Users: []domain.UserID{"7", "8"}},
			"2": {ID: "2", Users: []domain.UserID{"8", "9"}},
			"3": {ID: "3", Name: "archived", Disabled: true, Users: []domain.UserID{"7"}},
			"4": {ID: "4", Name: "open"},
		},
		Presence: f.presence,
		Health:   health,
		Gatherer: registry,
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, url string, body []byte, userID domain.UserID) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	if userID != "" {
		token, err := f.auth.GenerateToken(userID, "user"+string(userID))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["connections"])
}

func TestRouter_Ready(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.healthy = false
	w = f.do(t, http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := decode(t, w)["checks"].(map[string]interface{})
	assert.Equal(t, "database is locked", checks["chat_store"])
}

func TestRouter_Metrics(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chanrelay_")
}

func TestRouter_WebSocketRequiresToken(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/ws", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.ws.users)

	token, err := f.auth.GenerateToken("7", "ann")
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, "/ws?token="+token, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []domain.UserID{"7"}, f.ws.users)
}

func TestRouter_RefreshToken(t *testing.T) {
	f := newRouterFixture(t)

	refresh, err := f.auth.GenerateRefreshToken("7", "ann")
	require.NoError(t, err)

	body, _ := json.Marshal(RefreshTokenRequest{RefreshToken: refresh})
	w := f.do(t, http.MethodPost, "/api/v1/auth/refresh", body, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, float64(60), resp["expires_in"])
	claims, err := f.auth.ValidateToken(resp["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("7"), claims.UserID)
	assert.Equal(t, "ann", claims.Username)

	access, err := f.auth.GenerateToken("7", "ann")
	require.NoError(t, err)
	body, _ = json.Marshal(RefreshTokenRequest{RefreshToken: access})
	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/auth/refresh", []byte(`{}`), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ListRooms(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/rooms", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rooms", nil, "7")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rooms []domain.Room `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, domain.ChannelID("1"), resp.Rooms[0].ID)
}

func TestRouter_RoomVisibility(t *testing.T) {
	f := newRouterFixture(t)

	cases := []struct {
		name   string
		url    string
		user   domain.UserID
		status int
	}{
		{"member of public room", "/api/v1/rooms/1", "7", http.StatusOK},
		{"public room, not a member", "/api/v1/rooms/4", "7", http.StatusOK},
		{"private room, not a member", "/api/v1/rooms/2", "7", http.StatusNotFound},
		{"private room, member", "/api/v1/rooms/2", "9", http.StatusOK},
		{"disabled room, former member", "/api/v1/rooms/3", "7", http.StatusOK},
		{"disabled room, outsider", "/api/v1/rooms/3", "8", http.StatusNotFound},
		{"missing room", "/api/v1/rooms/99", "7", http.StatusNotFound},
		{"user channel", "/api/v1/rooms/u7", "7", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, tc.url, nil, tc.user)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestRouter_OnlineUsers(t *testing.T) {
	f := newRouterFixture(t)
	f.presence.On("Online", mock.Anything, domain.ChannelID("1")).Return([]domain.UserID{"7", "8"}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/rooms/1/online", nil, "7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"room":"1","online":["7","8"]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/rooms/2/online", nil, "7")
	assert.Equal(t, http.StatusNotFound, w.Code)
	f.presence.AssertNumberOfCalls(t, "Online", 1)
}

func TestRouter_MySessions(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions", nil, "7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":["7:aaaa","7:cccc"]}`, w.Body.String())
}
