package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/livechat/internal/account"
	"github.com/Tyrowin/livechat/internal/hub"
	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/store"
)

const (
	testOrigin = "http://localhost:8080"
	testSecret = "server-test-secret"
	testIssuer = "livechat"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	backend *store.Badger
	tokens  *identity.JWT
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = testOrigin
	cfg.ShutdownTimeout = 5 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	cfg = cfg.Sanitize()

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	backend := store.NewBadger(db, log)

	tokens := identity.NewJWT([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	accounts := account.NewService(log, backend, tokens, cfg.TokenTTL).WithCost(bcrypt.MinCost)
	router := hub.NewRouter(log, hub.NewRegistry(), backend, hub.Options{
		PersistTimeout:  cfg.PersistTimeout,
		MaxTextLength:   cfg.MaxTextLength,
		PrivateMessages: cfg.PrivateMessages,
		SingleSession:   cfg.SingleSessionPerUser,
	})

	srv := New(log, cfg, router, tokens, accounts, backend)
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		_ = srv.Shutdown()
		ts.Close()
		_ = backend.Close()
	})
	return &testEnv{server: srv, http: ts, backend: backend, tokens: tokens}
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// register creates an account through the API and returns its token.
func (e *testEnv) register(t *testing.T, username string) account.Result {
	t.Helper()
	resp := e.postJSON(t, "/api/auth/register", account.Credentials{Username: username, Password: "password-" + username})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[account.Result](t, resp)
}

func (e *testEnv) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(e.wsURL(""), header)
}

// connect dials and waits for the first presence list, which every admitted
// session receives.
func (e *testEnv) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dial(t, token)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	waitForEvent(t, conn, "online users")
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (frame, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var f frame
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	require.NoError(t, json.Unmarshal(raw, &f))
	return f, nil
}

// waitForEvent reads frames until one named event arrives and returns it.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn, time.Until(deadline))
		require.NoError(t, err, "waiting for %q", event)
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %q event received", event)
	return frame{}
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func decodeFrame[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}
