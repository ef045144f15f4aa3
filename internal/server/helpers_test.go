package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/model"
	"github.com/Tyrowin/chatd/internal/store"
)

const testOrigin = "http://localhost:8080"

type testEnv struct {
	t      *testing.T
	app    *App
	srv    *httptest.Server
	store  *store.MemoryStore
	tokens *auth.JWTService

	alice, bob, carol, dave model.User
	private                 uuid.UUID // alice + bob
	group                   uuid.UUID // alice + carol
}

// newTestEnv starts an App over a MemoryStore. dave belongs to no chat.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := NewConfig()
	cfg.Env = "test"
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewMemoryStore()
	tokens, err := auth.NewJWTService(auth.Options{Secret: []byte("test-secret"), TTL: time.Hour})
	require.NoError(t, err)

	env := &testEnv{t: t, store: st, tokens: tokens}
	seed := func(name string) model.User {
		u, err := st.CreateUser(ctx, name, name+"@example.com")
		require.NoError(t, err)
		return *u
	}
	env.alice, env.bob, env.carol, env.dave = seed("alice"), seed("bob"), seed("carol"), seed("dave")

	private, _, err := st.CreatePrivateChat(ctx, env.alice.ID, env.bob.ID)
	require.NoError(t, err)
	env.private = private.ID

	group, err := st.CreateGroupChat(ctx, "team", env.alice.ID, []string{env.carol.ID})
	require.NoError(t, err)
	env.group = group.ID

	env.app = NewApp(cfg, Deps{Store: st, Verifier: tokens, Logger: zerolog.Nop()})
	env.srv = httptest.NewServer(env.app.SetupRoutes())
	t.Cleanup(func() {
		env.srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.app.Shutdown(shutdownCtx)
	})
	return env
}

func (e *testEnv) token(u model.User) string {
	e.t.Helper()
	tok, err := e.tokens.Issue(u.ID, 0)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) wsURL(chatID string, token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/chat/" + chatID
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// dial opens a socket without waiting for admission.
func (e *testEnv) dial(chatID, token string) *websocket.Conn {
	e.t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(chatID, token), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and waits until the registry holds want connections.
func (e *testEnv) join(chatID uuid.UUID, u model.User, want int) *websocket.Conn {
	e.t.Helper()
	conn := e.dial(chatID.String(), e.token(u))
	require.Eventually(e.t, func() bool {
		return e.app.Registry().Count() == want
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"message": text})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readClose reads until the peer closes and returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

// call performs an API request as user and decodes the JSON response into out.
func (e *testEnv) call(method, path string, user *model.User, body any, out any) int {
	e.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*user))
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
