package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/core"
	"github.com/care/signaldash/internal/subscriber"
	"github.com/care/signaldash/internal/types"
)

type stubSubscriber struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	lastHost   string
	lastPort   int
	listeners  []subscriber.StateListener
}

func (s *stubSubscriber) Connect(_ context.Context, host string, port int) error {
	s.mu.Lock()
	s.lastHost, s.lastPort = host, port
	err := s.connectErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.set(true)
	return nil
}

func (s *stubSubscriber) Disconnect() { s.set(false) }

func (s *stubSubscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubSubscriber) OnStateChange(l subscriber.StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *stubSubscriber) Stats() subscriber.Stats {
	return subscriber.Stats{}
}

func (s *stubSubscriber) set(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	listeners := append([]subscriber.StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if !changed {
		return
	}
	state := subscriber.Disconnected
	if connected {
		state = subscriber.Connected
	}
	for _, l := range listeners {
		l(state)
	}
}

func newTestServer(t *testing.T) (*Server, *core.Dashboard, *stubSubscriber) {
	t.Helper()
	cfg := config.Default()
	sub := &stubSubscriber{}
	dash := core.New(cfg, clock.Fake(time.Date(2025, 3, 14, 9, 30, 0, 0, time.Local)), core.WithSubscriber(sub))
	s := NewServer(cfg.HTTP, dash)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, dash, sub
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, r))
	return w
}

func TestIndexServed(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Traffic Signal Dashboard")
}

func TestSnapshotEndpoint(t *testing.T) {
	s, dash, _ := newTestServer(t)
	dash.HandleMessage(types.TopicLane2, "GREEN")
	dash.HandleMessage(types.TopicStatsAvgWait, "4.26")

	w := do(t, s, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snap core.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, types.SignalGreen, snap.Lanes.Lanes[1].Signal)
	assert.Equal(t, "4.3", snap.Stats.AvgWait)
	assert.Equal(t, "Disconnected", snap.Connection.Status)
	assert.NotNil(t, snap.Decisions)
}

func TestConnectEndpoint(t *testing.T) {
	s, _, sub := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/connect", `{"host":"10.0.0.5","port":9001}`)
	require.Equal(t, http.StatusOK, w.Code)

	var conn core.Connection
	require.NoError(t, json.NewDecoder(w.Body).Decode(&conn))
	assert.True(t, conn.Connected)
	assert.False(t, conn.ConnectEnabled)
	assert.True(t, conn.DisconnectEnabled)
	assert.Equal(t, "10.0.0.5", sub.lastHost)
	assert.Equal(t, 9001, sub.lastPort)

	w = do(t, s, http.MethodPost, "/api/disconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&conn))
	assert.Equal(t, "Disconnected", conn.Status)
}

func TestConnectEndpointErrors(t *testing.T) {
	s, _, sub := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/connect", `{"host":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/connect", `{"port":70000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	sub.connectErr = errors.New("connection refused")
	w = do(t, s, http.MethodPost, "/api/connect", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.Equal(t, "", sub.lastHost)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/connect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthRoutes(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readiness", "").Code)

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "signaldash_mqtt_connected 0")
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) core.Update {
	t.Helper()
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)

	var u core.Update
	require.NoError(t, json.Unmarshal(data, &u))
	return u
}

func TestWebsocketReplayThenPush(t *testing.T) {
	s, dash, _ := newTestServer(t)
	dash.HandleMessage(types.TopicIR3, "1")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "")

	replay := readJSON(t, conn)
	assert.Equal(t, KindSnapshot, replay.Kind)
	assert.Equal(t, "1", replay.Snapshot.Sensors[2])
	assert.Equal(t, 1, replay.Snapshot.History.Len())

	dash.HandleMessage(types.TopicDecision, `{"lane":"Lane4","green_time":9,"ir":[0,0,0,1],"reason":"lane 4 queue"}`)

	// countdown restart comes before the decision update
	var u core.Update
	for u.Kind != core.KindDecision {
		u = readJSON(t, conn)
	}
	assert.Equal(t, types.TopicDecision, u.Topic)
	require.Len(t, u.Snapshot.Decisions, 1)
	assert.Equal(t, "lane 4 queue", u.Snapshot.Decisions[0].Reason)
	assert.Equal(t, "9s", u.Snapshot.Countdown)
}

func TestWebsocketMsgpackCodec(t *testing.T) {
	s, dash, _ := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "?codec=msgpack")

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)

	var replay core.Update
	require.NoError(t, msgpack.Unmarshal(data, &replay))
	assert.Equal(t, KindSnapshot, replay.Kind)

	dash.HandleMessage(types.TopicLane1, "GREEN")

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var u core.Update
	require.NoError(t, msgpack.Unmarshal(data, &u))
	assert.Equal(t, core.KindLane, u.Kind)
	assert.Equal(t, types.SignalGreen, u.Snapshot.Lanes.Lanes[0].Signal)
}

func TestWebsocketControlRequests(t *testing.T) {
	s, dash, sub := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "")
	readJSON(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","host":"broker.lan","port":9002}`)))
	require.Eventually(t, sub.IsConnected, time.Second, 5*time.Millisecond)
	assert.True(t, dash.Snapshot().Connection.Connected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"disconnect"}`)))
	require.Eventually(t, func() bool { return !sub.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestClientGoneUnsubscribes(t *testing.T) {
	s, dash, _ := newTestServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts, "")
	readJSON(t, conn)
	require.Equal(t, 1, dash.Bus().Len())

	conn.Close()
	require.Eventually(t, func() bool { return dash.Bus().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesWebsockets(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Listen = "127.0.0.1:0"
	dash := core.New(cfg, clock.Real(), core.WithSubscriber(&stubSubscriber{}))
	s := NewServer(cfg.HTTP, dash)
	require.NoError(t, s.Start())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, dash.Bus().Len())
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, "msgpack", CodecFor("msgpack").Name())
	assert.Equal(t, "json", CodecFor("").Name())
	assert.Equal(t, "json", CodecFor("xml").Name())
}
