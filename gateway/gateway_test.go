package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ilia1177/relay"
	"github.com/Ilia1177/relay/adapter/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *Server
	bridge *relay.Bridge
	tr     *memory.Transport
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()

	bridge, tr, err := memory.Use(memory.Config{RecordOps: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close(context.Background()) })

	cfg := Defaults()
	cfg.Transport = "memory"
	cfg.RequestTimeout = timeout

	return &fixture{server: New(bridge, cfg), bridge: bridge, tr: tr}
}

// respond starts a user-service stand-in answering with reply.
func (f *fixture) respond(t *testing.T, reply any) {
	t.Helper()
	r := relay.NewResponder(f.tr, "user_requests", func(ctx context.Context, env relay.Envelope) (any, error) {
		return reply, nil
	})
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func TestUsers_Success(t *testing.T) {
	f := newFixture(t, time.Second)
	f.respond(t, []map[string]any{{"id": 1, "name": "a"}})

	w, body := f.get(t, "/api/users")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []any{map[string]any{"id": float64(1), "name": "a"}}, body["data"])
}

func TestUsers_TransportDown(t *testing.T) {
	f := newFixture(t, time.Second)
	f.tr.Disconnect()

	w, body := f.get(t, "/api/users")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "bus not available", body["message"])
	assert.Equal(t, "user-service", body["service"])
	assert.Empty(t, f.tr.Ops())
}

func TestUsers_Timeout(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	w, body := f.get(t, "/api/users")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "timeout", body["reason"])
	assert.Empty(t, f.tr.Subscriptions())
}

func TestUsers_MalformedReply(t *testing.T) {
	f := newFixture(t, time.Second)
	f.respond(t, []byte("not json"))

	w, body := f.get(t, "/api/users")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "malformed_reply", body["reason"])
}

func TestUsers_PublishFailed(t *testing.T) {
	f := newFixture(t, time.Second)
	f.tr.FailPublish(errors.New("broker rejected publish"))

	w, body := f.get(t, "/api/users")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "publish_failed", body["reason"])
	assert.Empty(t, f.tr.Subscriptions())
}

func TestUsers_ClientGone(t *testing.T) {
	f := newFixture(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/users", nil).WithContext(ctx)

	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, StatusClientClosedRequest, w.Code)
	assert.Equal(t, uint64(1), f.bridge.GetMetrics().Canceled)
	assert.Empty(t, f.tr.Subscriptions())
}

func TestIndex(t *testing.T) {
	f := newFixture(t, time.Second)

	w, body := f.get(t, "/api")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, map[string]any{
		"health": "/api/health",
		"redis":  "/api/redis",
		"users":  "/api/users",
		"games":  "/api/game",
	}, body["endpoints"])
	assert.Equal(t, map[string]any{
		"transport":  "memory",
		"publisher":  "ready",
		"subscriber": "ready",
	}, body["bus"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t, time.Second)

	w, body := f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "api-gateway", body["service"])
	assert.Equal(t, true, body["bus"].(map[string]any)["connected"])
	assert.Equal(t, "healthy", body["bridge"].(map[string]any)["status"])
	assert.NotEmpty(t, body["timestamp"])

	f.tr.Disconnect()
	w, body = f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["bus"].(map[string]any)["connected"])
	assert.Equal(t, "unhealthy", body["bridge"].(map[string]any)["status"])
}

func TestBusCheck(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.server.WatchHealthChannel(context.Background()))

	w, body := f.get(t, "/api/redis")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "PONG", body["ping"])
	assert.Equal(t, "connected", body["publisher"])
	assert.Contains(t, body, "messagesReceived")

	assert.Eventually(t, func() bool {
		return f.tr.Stats().MessagesReceived >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, f.tr.Stats().LastMessage, "Test ")
}

func TestBusCheck_Unavailable(t *testing.T) {
	f := newFixture(t, time.Second)
	f.tr.Disconnect()

	w, body := f.get(t, "/api/redis")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "reconnecting", body["publisherStatus"])
}

func TestBusCheck_PublishFails(t *testing.T) {
	f := newFixture(t, time.Second)
	f.tr.FailPublish(errors.New("boom"))

	w, body := f.get(t, "/api/redis")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "boom", body["error"])
}

func TestGamePlaceholder(t *testing.T) {
	f := newFixture(t, time.Second)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/game"},
		{http.MethodPost, "/api/game/join?room=4"},
		{http.MethodDelete, "/api/game/rooms/4"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w, body := f.do(t, httptest.NewRequest(tt.method, tt.path, nil))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "Game service not connected yet", body["message"])
			assert.Equal(t, tt.method, body["method"])
			assert.Equal(t, tt.path, body["path"])
		})
	}
}

func TestGamePlaceholder_Prefix(t *testing.T) {
	f := newFixture(t, time.Second)

	for _, path := range []string{"/api/games", "/api/gameroom/4", "/api/games?page=2"} {
		t.Run(path, func(t *testing.T) {
			w, body := f.do(t, httptest.NewRequest(http.MethodPut, path, nil))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "Game service not connected yet", body["message"])
			assert.Equal(t, path, body["path"])
		})
	}

	w, body := f.get(t, "/api/gam")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", body["error"])
	assert.Equal(t, "Route GET:/api/gam not found", body["message"])
}

func TestStatusFor(t *testing.T) {
	wrap := func(kind error) error { return &relay.RequestError{Op: "send", Action: relay.ActionGetUsers, Kind: kind} }

	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{wrap(relay.ErrUnsupportedAction), http.StatusBadRequest},
		{wrap(relay.ErrTimeout), http.StatusServiceUnavailable},
		{wrap(relay.ErrTransportUnavailable), http.StatusServiceUnavailable},
		{wrap(relay.ErrBridgeClosed), http.StatusServiceUnavailable},
		{wrap(relay.ErrMalformedReply), http.StatusInternalServerError},
		{wrap(relay.ErrPublishFailed), http.StatusInternalServerError},
		{wrap(relay.ErrCanceled), StatusClientClosedRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"GATEWAY_ADDR":     ":8080",
		"BUS_TRANSPORT":    "rabbitmq",
		"AMQP_URL":         "amqp://u:p@mq:5672/",
		"REDIS_DB":         "3",
		"REQUEST_TIMEOUT":  "2s",
		"SHUTDOWN_TIMEOUT": "30s",
		"LOG_DEBUG":        "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := FromEnv(lookup)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "rabbitmq", cfg.Transport)
	assert.Equal(t, "amqp://u:p@mq:5672/", cfg.AMQPURL)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Debug)
	assert.Equal(t, map[string]any{"url": "amqp://u:p@mq:5672/"}, cfg.TransportConfig())
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
	assert.Equal(t, map[string]any{"addr": "redis:6379", "password": "", "db": 0}, cfg.TransportConfig())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"REDIS_DB":        "zero",
		"REQUEST_TIMEOUT": "soon",
		"LOG_DEBUG":       "maybe",
		"BUS_TRANSPORT":   "kafka",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := FromEnv(func(k string) (string, bool) {
				if k == key {
					return val, true
				}
				return "", false
			})
			assert.Error(t, err)
		})
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, time.Second)
	cfg := f.server.cfg
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	srv := New(f.bridge, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	f := newFixture(t, time.Second)
	cfg := f.server.cfg
	cfg.Addr = "127.0.0.1:-1"
	srv := New(f.bridge, cfg)

	err := srv.Run(context.Background())
	assert.Error(t, err)
}
