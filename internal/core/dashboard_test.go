package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/signaldash/internal/archive"
	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/subscriber"
	"github.com/care/signaldash/internal/types"
)

type fakeSubscriber struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	connectErr error
	listeners  []subscriber.StateListener
}

func (s *fakeSubscriber) Connect(ctx context.Context, host string, port int) error {
	s.mu.Lock()
	s.connects++
	err := s.connectErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.set(true)
	return nil
}

func (s *fakeSubscriber) Disconnect() { s.set(false) }

func (s *fakeSubscriber) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSubscriber) OnStateChange(l subscriber.StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *fakeSubscriber) Stats() subscriber.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := subscriber.Disconnected
	if s.connected {
		state = subscriber.Connected
	}
	return subscriber.Stats{State: state.String(), Broker: "ws://localhost:9001/mqtt"}
}

func (s *fakeSubscriber) set(connected bool) {
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

type fakeRecorder struct {
	sensors map[int]string
	lanes   []string
	closed  bool
}

func (r *fakeRecorder) ObserveSensor(sensor int, payload string) {
	if r.sensors == nil {
		r.sensors = make(map[int]string)
	}
	r.sensors[sensor] = payload
}
func (r *fakeRecorder) ObserveLane(name string) error { r.lanes = append(r.lanes, name); return nil }
func (r *fakeRecorder) Close() error                  { r.closed = true; return nil }

type fakeArchive struct {
	docs   []archive.Document
	closed bool
}

func (a *fakeArchive) Enqueue(doc archive.Document) error { a.docs = append(a.docs, doc); return nil }
func (a *fakeArchive) Close(context.Context) error        { a.closed = true; return nil }

var epoch = time.Date(2025, 3, 14, 9, 30, 0, 0, time.Local)

func newTestDashboard(t *testing.T, opts ...Option) (*Dashboard, *fakeSubscriber, *clock.FakeClock) {
	t.Helper()
	return newTestDashboardWith(t, config.Default(), opts...)
}

func newTestDashboardWith(t *testing.T, cfg *config.Config, opts ...Option) (*Dashboard, *fakeSubscriber, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	sub := &fakeSubscriber{}
	d := New(cfg, clk, append([]Option{WithSubscriber(sub)}, opts...)...)
	return d, sub, clk
}

func TestRoutesCoverTopicSet(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	assert.ElementsMatch(t, types.SubscribedTopics(), d.Router().Topics())
}

func TestInitialSnapshot(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	snap := d.Snapshot()

	assert.Equal(t, "Disconnected", snap.Connection.Status)
	assert.True(t, snap.Connection.ConnectEnabled)
	assert.False(t, snap.Connection.DisconnectEnabled)
	for _, l := range snap.Lanes.Lanes {
		assert.Equal(t, types.SignalRed, l.Signal)
	}
	assert.Equal(t, "0s", snap.Countdown)
	assert.NotNil(t, snap.History.Labels)
	assert.Empty(t, snap.Decisions)
}

func TestSensorMessageUpdatesDisplayAndHistory(t *testing.T) {
	rec := &fakeRecorder{}
	d, _, _ := newTestDashboard(t, WithRecorder(rec))

	ch := make(chan Update, 8)
	require.NoError(t, d.Bus().Subscribe("test", ch))

	d.HandleMessage(types.TopicIR2, "1")

	snap := d.Snapshot()
	assert.Equal(t, "1", snap.Sensors[1])
	require.Equal(t, 1, snap.History.Len())
	assert.Equal(t, "09:30:00", snap.History.Labels[0])
	assert.Equal(t, []float64{1}, snap.History.Sensors[1])
	assert.Equal(t, []float64{0}, snap.History.Sensors[0])
	assert.Equal(t, "1", rec.sensors[1])

	u := <-ch
	assert.Equal(t, KindHistory, u.Kind)
	assert.Equal(t, types.TopicIR2, u.Topic)
}

func TestNonNumericSensorSkipsHistory(t *testing.T) {
	d, _, _ := newTestDashboard(t)

	d.HandleMessage(types.TopicIR1, "blocked")

	snap := d.Snapshot()
	assert.Equal(t, "blocked", snap.Sensors[0])
	assert.Equal(t, 0, snap.History.Len())
}

func TestHistoryBoundedAtWindow(t *testing.T) {
	d, _, clk := newTestDashboard(t)

	for i := 0; i < 75; i++ {
		d.HandleMessage(types.SensorTopics[i%types.SensorCount], "1")
		clk.Advance(time.Second)
	}

	w := d.Snapshot().History
	assert.Equal(t, 60, w.Len())
	for _, s := range w.Sensors {
		assert.Len(t, s, 60)
	}
}

func TestLaneStateMessages(t *testing.T) {
	d, _, _ := newTestDashboard(t)

	d.HandleMessage(types.TopicLane3, "GREEN")
	d.HandleMessage(types.TopicLane1, "YELLOW")

	lanes := d.Snapshot().Lanes.Lanes
	assert.Equal(t, types.SignalGreen, lanes[2].Signal)
	assert.True(t, lanes[2].Blink)
	assert.Equal(t, types.SignalRed, lanes[0].Signal)
	assert.Equal(t, "YELLOW", lanes[0].Text)
}

func TestCurrentLaneFeedsRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	d, _, _ := newTestDashboard(t, WithRecorder(rec))

	d.HandleMessage(types.TopicCurrentLane, "Lane4")

	assert.Equal(t, "Lane4", d.Snapshot().Lanes.ActiveLane)
	assert.Equal(t, []string{"Lane4"}, rec.lanes)
}

func TestDecisionAppliesAndLogs(t *testing.T) {
	arc := &fakeArchive{}
	d, _, clk := newTestDashboard(t, WithArchive(arc))

	d.HandleMessage(types.TopicDecision, `{"lane":"Lane2","green_time":15,"ir":[1,0,1,1],"reason":"queue on lane 2"}`)

	snap := d.Snapshot()
	assert.Equal(t, "Lane2", snap.Lanes.ActiveLane)
	for i, l := range snap.Lanes.Lanes {
		if i == 1 {
			assert.Equal(t, types.SignalGreen, l.Signal)
		} else {
			assert.Equal(t, types.SignalRed, l.Signal)
		}
	}
	assert.Equal(t, "15s", snap.Countdown)

	require.Len(t, snap.Decisions, 1)
	row := snap.Decisions[0]
	assert.Equal(t, "09:30:00", row.Time)
	assert.Equal(t, "Lane2", row.Lane)
	assert.Equal(t, "15", row.GreenTime)
	assert.Equal(t, "[1, 0, 1, 1]", row.Sensors)
	assert.Equal(t, "queue on lane 2", row.Reason)

	require.Len(t, arc.docs, 1)
	assert.Equal(t, "lane2", arc.docs[0].LaneID)

	clk.Advance(3 * time.Second)
	assert.Equal(t, "12s", d.Snapshot().Countdown)
}

func TestReasonOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Dashboard.ReasonOverride = "Lane order fixed, only green time adaptive"
	d, _, _ := newTestDashboardWith(t, cfg)

	d.HandleMessage(types.TopicDecision, `{"lane":"Lane1","green_time":10,"ir":[1,1,1,1],"reason":"model"}`)

	rows := d.Decisions(1)
	require.Len(t, rows, 1)
	assert.Equal(t, "Lane order fixed, only green time adaptive", rows[0].Reason)
}

func TestMalformedDecisionTouchesNothing(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	d.HandleMessage(types.TopicLane3, "GREEN")
	before := d.Snapshot()

	d.HandleMessage(types.TopicDecision, `{"lane":"Lane1"`)
	d.HandleMessage(types.TopicDecision, `{"lane":"Lane1","green_time":10,"ir":[1,1]}`)
	d.HandleMessage(types.TopicDecision, `{"green_time":10,"ir":[1,1,1,1]}`)

	after := d.Snapshot()
	assert.Equal(t, before.Lanes, after.Lanes)
	assert.Empty(t, after.Decisions)
	assert.Equal(t, "0s", after.Countdown)
	assert.Equal(t, uint64(3), d.Router().Stats().Failed)
}

func TestDecisionLogCappedNewestFirst(t *testing.T) {
	d, _, _ := newTestDashboard(t)

	for i := 1; i <= 101; i++ {
		payload := fmt.Sprintf(`{"lane":"Lane1","green_time":1,"ir":[0,0,0,0],"reason":"r%d"}`, i)
		d.HandleMessage(types.TopicDecision, payload)
	}

	rows := d.Snapshot().Decisions
	require.Len(t, rows, 100)
	assert.Equal(t, "r101", rows[0].Reason)
	assert.Equal(t, "r2", rows[99].Reason)
}

func TestTimerRestartsCountdown(t *testing.T) {
	d, _, clk := newTestDashboard(t)

	d.HandleMessage(types.TopicTimer, "10")
	clk.Advance(2 * time.Second)
	assert.Equal(t, "8s", d.Snapshot().Countdown)

	d.HandleMessage(types.TopicTimer, "3")
	assert.Equal(t, "3s", d.Snapshot().Countdown)

	d.HandleMessage(types.TopicTimer, "soon")
	assert.Equal(t, "3s", d.Snapshot().Countdown)

	clk.Advance(10 * time.Second)
	assert.Equal(t, "0s", d.Snapshot().Countdown)
	assert.Equal(t, 0, clk.Pending())
}

func TestStatistics(t *testing.T) {
	d, _, _ := newTestDashboard(t)

	d.HandleMessage(types.TopicStatsCycles, "42")
	d.HandleMessage(types.TopicStatsServedTotal, "318")
	d.HandleMessage(types.TopicStatsAvgWait, "12.345")
	d.HandleMessage(types.TopicStatsAvgWait, "n/a")

	stats := d.Snapshot().Stats
	assert.Equal(t, "42", stats.Cycles)
	assert.Equal(t, "318", stats.ServedTotal)
	assert.Equal(t, "12.3", stats.AvgWait)
}

func TestUnknownTopicIgnored(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	before := d.Snapshot()

	d.HandleMessage("traffic/ir9", "1")

	assert.Equal(t, before.Sensors, d.Snapshot().Sensors)
	assert.Equal(t, uint64(1), d.Router().Stats().Ignored)
}

func TestConnectionStateDrivesControls(t *testing.T) {
	d, sub, _ := newTestDashboard(t)

	require.NoError(t, d.Connect(context.Background(), "broker.local", 9001))
	c := d.Snapshot().Connection
	assert.Equal(t, "Connected", c.Status)
	assert.False(t, c.ConnectEnabled)
	assert.True(t, c.DisconnectEnabled)

	d.Disconnect()
	d.Disconnect()
	c = d.Snapshot().Connection
	assert.Equal(t, "Disconnected", c.Status)
	assert.True(t, c.ConnectEnabled)
	assert.False(t, c.DisconnectEnabled)
	assert.Equal(t, 1, sub.connects)
}

func TestHealthLifecycle(t *testing.T) {
	rec := &fakeRecorder{}
	arc := &fakeArchive{}
	d, _, _ := newTestDashboard(t, WithRecorder(rec), WithArchive(arc))

	w := httptest.NewRecorder()
	d.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.HealthCheck().Status != "unhealthy"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "degraded", d.HealthCheck().Status)
	assert.ErrorIs(t, d.Run(ctx), ErrAlreadyRunning)

	require.NoError(t, d.Connect(ctx, "", 0))
	assert.Equal(t, "healthy", d.HealthCheck().Status)

	w = httptest.NewRecorder()
	d.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = httptest.NewRecorder()
	d.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "signaldash_mqtt_connected 1")

	w = httptest.NewRecorder()
	d.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, d.Shutdown(context.Background()))

	assert.True(t, rec.closed)
	assert.True(t, arc.closed)
	assert.False(t, d.Subscriber().IsConnected())
	assert.Equal(t, "unhealthy", d.HealthCheck().Status)
}

func TestAutoConnectOnRun(t *testing.T) {
	cfg := config.Default()
	cfg.MQTT.AutoConnect = true
	d, sub, _ := newTestDashboardWith(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, sub.IsConnected, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, d.Shutdown(context.Background()))
}
