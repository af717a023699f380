package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/lobbycast/internal/config"
	"github.com/weiawesome/lobbycast/pkg/jwt"
)

var testWSConfig = config.WebSocketConfig{
	Path:           "/ws",
	PingInterval:   time.Second,
	PongWait:       5 * time.Second,
	WriteWait:      time.Second,
	MaxMessageSize: 4096,
	SendBuffer:     16,
}

type testServer struct {
	srv    *Server
	hub    *Hub
	url    string
	tokens *jwt.Manager
	health string
}

func startServer(t *testing.T, router *Router, wsCfg config.WebSocketConfig) *testServer {
	t.Helper()
	tokens, err := jwt.NewManager("secret", "lobbycast", time.Hour)
	require.NoError(t, err)

	hub := NewHub()
	r := mux.NewRouter()
	NewWSHandler(hub, router, tokens, wsCfg).RegisterRoutes(r)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(l.Addr().String(), hub, r)
	r.HandleFunc("/healthz", srv.HealthHandler)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		if srv.State() == StateListening {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = srv.Shutdown(ctx)
		}
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})

	base := l.Addr().String()
	return &testServer{
		srv:    srv,
		hub:    hub,
		url:    "ws://" + base + "/ws",
		tokens: tokens,
		health: "http://" + base + "/healthz",
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func echoRouter() *Router {
	r := NewRouter()
	r.Query("echo", func(ctx context.Context, s *Session, input json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := DecodeInput(input, &in); err != nil {
			return nil, err
		}
		if in.Text == "" {
			return nil, Errorf(CodeBadRequest, "text is required")
		}
		return map[string]string{"text": in.Text}, nil
	})
	r.Query("whoami", func(ctx context.Context, s *Session, input json.RawMessage) (any, error) {
		return s.UserID(), nil
	})
	r.Mutation("explode", func(ctx context.Context, s *Session, input json.RawMessage) (any, error) {
		return nil, errors.New("database password is hunter2")
	})
	return r
}

func TestShutdownNotifiesEveryConnection(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	const n = 5
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = dial(t, ts.url)
	}
	require.Eventually(t, func() bool { return ts.hub.Count() == n }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateListening, ts.srv.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	notified, err := ts.srv.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, notified)
	assert.Equal(t, StateStopped, ts.srv.State())
	assert.Zero(t, ts.hub.Count())

	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":null,"method":"reconnect"}`, string(data))

		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}

	_, _, err = websocket.DefaultDialer.Dial(ts.url, nil)
	assert.Error(t, err)

	_, err = ts.srv.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrNotServing)
}

func TestShutdownWithoutConnections(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	notified, err := ts.srv.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Zero(t, notified)
}

func TestDrainingRefusesNewConnections(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	dial(t, ts.url)
	require.Eventually(t, func() bool { return ts.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ts.hub.BroadcastReconnect())

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, ts.hub.Count())
}

func TestHubRegisterCountsPumpBeforeHandoff(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	first := NewClient("first", hub, nil, testWSConfig, &Session{ConnID: "first"})
	require.True(t, hub.Register(first))
	// A writer that exits immediately must not drive the counter negative.
	hub.pumps.Done()

	assert.Equal(t, 1, hub.BroadcastReconnect())
	assert.True(t, hub.Draining())
	late := NewClient("late", hub, nil, testWSConfig, &Session{ConnID: "late"})
	assert.False(t, hub.Register(late))
	assert.Equal(t, 1, hub.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Stop(ctx))
	assert.Zero(t, hub.Count())
	assert.False(t, hub.Register(late))
}

func TestConnectionAccounting(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	a := dial(t, ts.url)
	dial(t, ts.url)
	dial(t, ts.url)
	require.Eventually(t, func() bool { return ts.hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	a.Close()
	require.Eventually(t, func() bool { return ts.hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, ts.srv.Connections())
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)
	conn := dial(t, ts.url)
	other := dial(t, ts.url)
	require.Eventually(t, func() bool { return ts.hub.Count() == 2 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, `{"id":1,"method":`)
	resp := read(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
	assert.Equal(t, CodeParseError, resp.Error.Data.Code)

	send(t, conn, `{"method":"query","params":{"path":"echo"}}`)
	resp = read(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)

	send(t, conn, `{"id":2,"method":"query","params":{"path":"echo","input":{"text":"hi"}}}`)
	resp = read(t, conn)
	require.NotNil(t, resp.Result)
	assert.JSONEq(t, `2`, string(resp.ID))
	assert.Equal(t, ResultData, resp.Result.Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.Result.Data))

	send(t, other, `{"id":"a","method":"query","params":{"path":"echo","input":{"text":"still here"}}}`)
	resp = read(t, other)
	require.NotNil(t, resp.Result)
	assert.JSONEq(t, `"a"`, string(resp.ID))
	assert.Equal(t, 2, ts.hub.Count())
}

func TestProcedureErrors(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)
	conn := dial(t, ts.url)

	tests := []struct {
		name  string
		frame string
		code  ErrorCode
		msg   string
	}{
		{"unknown path", `{"id":1,"method":"query","params":{"path":"nope"}}`, CodeNotFound, ""},
		{"wrong method", `{"id":2,"method":"subscription","params":{"path":"echo"}}`, CodeMethodNotSupported, ""},
		{"unknown method", `{"id":3,"method":"batch","params":{"path":"echo"}}`, CodeMethodNotSupported, ""},
		{"bad input", `{"id":4,"method":"query","params":{"path":"echo","input":[1]}}`, CodeBadRequest, "invalid input"},
		{"validation", `{"id":5,"method":"query","params":{"path":"echo","input":{}}}`, CodeBadRequest, "text is required"},
		{"internal", `{"id":6,"method":"mutation","params":{"path":"explode"}}`, CodeInternal, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.frame)
			resp := read(t, conn)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Data.Code)
			assert.Equal(t, codeNumbers[tt.code], resp.Error.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, resp.Error.Message)
			}
		})
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	feed := make(chan int)
	ended := make(chan struct{}, 1)

	router := NewRouter()
	router.Subscription("ticks", func(ctx context.Context, s *Session, input json.RawMessage, emit func(any) error) error {
		defer func() { ended <- struct{}{} }()
		for {
			select {
			case v, ok := <-feed:
				if !ok {
					return nil
				}
				if err := emit(v); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
	ts := startServer(t, router, testWSConfig)
	conn := dial(t, ts.url)

	send(t, conn, `{"id":7,"method":"subscription","params":{"path":"ticks"}}`)
	resp := read(t, conn)
	require.NotNil(t, resp.Result)
	assert.Equal(t, ResultStarted, resp.Result.Type)

	send(t, conn, `{"id":7,"method":"subscription","params":{"path":"ticks"}}`)
	resp = read(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeBadRequest, resp.Error.Data.Code)

	feed <- 1
	feed <- 2
	for _, want := range []string{"1", "2"} {
		resp = read(t, conn)
		require.NotNil(t, resp.Result)
		assert.Equal(t, ResultData, resp.Result.Type)
		assert.JSONEq(t, want, string(resp.Result.Data))
	}

	send(t, conn, `{"id":7,"method":"subscription.stop"}`)
	resp = read(t, conn)
	require.NotNil(t, resp.Result)
	assert.Equal(t, ResultStopped, resp.Result.Type)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription kept running after stop")
	}

	send(t, conn, `{"id":8,"method":"subscription","params":{"path":"ticks"}}`)
	assert.Equal(t, ResultStarted, read(t, conn).Result.Type)
	close(feed)
	resp = read(t, conn)
	require.NotNil(t, resp.Result)
	assert.JSONEq(t, `8`, string(resp.ID))
	assert.Equal(t, ResultStopped, resp.Result.Type)
}

func TestSubscriptionsEndWithConnection(t *testing.T) {
	ended := make(chan struct{}, 1)
	router := NewRouter()
	router.Subscription("wait", func(ctx context.Context, s *Session, input json.RawMessage, emit func(any) error) error {
		<-ctx.Done()
		ended <- struct{}{}
		return nil
	})
	ts := startServer(t, router, testWSConfig)
	conn := dial(t, ts.url)

	send(t, conn, `{"id":1,"method":"subscription","params":{"path":"wait"}}`)
	require.Equal(t, ResultStarted, read(t, conn).Result.Type)
	conn.Close()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its connection")
	}
}

func TestSessionIdentity(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := ts.tokens.Issue("42", "ada")
	require.NoError(t, err)

	header := http.Header{"Authorization": {"Bearer " + token}}
	authed, _, err := websocket.DefaultDialer.Dial(ts.url, header)
	require.NoError(t, err)
	defer authed.Close()
	send(t, authed, `{"id":1,"method":"query","params":{"path":"whoami"}}`)
	assert.JSONEq(t, `"42"`, string(read(t, authed).Result.Data))

	anon := dial(t, ts.url)
	send(t, anon, `{"id":1,"method":"query","params":{"path":"whoami"}}`)
	assert.JSONEq(t, `""`, string(read(t, anon).Result.Data))
}

func TestInboundRateLimit(t *testing.T) {
	cfg := testWSConfig
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	ts := startServer(t, echoRouter(), cfg)
	conn := dial(t, ts.url)

	send(t, conn, `{"id":1,"method":"query","params":{"path":"echo","input":{"text":"a"}}}`)
	send(t, conn, `{"id":2,"method":"query","params":{"path":"echo","input":{"text":"b"}}}`)

	codes := map[ErrorCode]bool{}
	var data int
	for range 2 {
		resp := read(t, conn)
		if resp.Error != nil {
			codes[resp.Error.Data.Code] = true
		} else {
			data++
		}
	}
	assert.Equal(t, 1, data)
	assert.True(t, codes[CodeTooManyRequests])
}

func TestHealthHandler(t *testing.T) {
	ts := startServer(t, echoRouter(), testWSConfig)

	res, err := http.Get(ts.health)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err = ts.srv.Shutdown(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	ts.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"state":"stopped","connections":0}`, rec.Body.String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
