package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/care/signaldash/internal/archive"
	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/countdown"
	"github.com/care/signaldash/internal/decisionlog"
	"github.com/care/signaldash/internal/framebus"
	"github.com/care/signaldash/internal/history"
	"github.com/care/signaldash/internal/lanes"
	"github.com/care/signaldash/internal/router"
	"github.com/care/signaldash/internal/subscriber"
	"github.com/care/signaldash/internal/types"
)

// ErrAlreadyRunning is returned by a second concurrent Run
var ErrAlreadyRunning = errors.New("core: dashboard is already running")

// Option configures optional collaborators of the dashboard
type Option func(*Dashboard)

// WithSubscriber replaces the MQTT connection manager
func WithSubscriber(s Subscriber) Option {
	return func(d *Dashboard) { d.subscriber = s }
}

// WithRecorder attaches the CSV cycle recorder
func WithRecorder(r CycleRecorder) Option {
	return func(d *Dashboard) { d.recorder = r }
}

// WithArchive attaches the decision archive
func WithArchive(a DecisionArchive) Option {
	return func(d *Dashboard) { d.archive = a }
}

// Dashboard is the session view model. It owns every piece of displayed
// state, routes telemetry into it and publishes an Update after each change.
type Dashboard struct {
	cfg   *config.Config
	clock clock.Clock

	// Components
	subscriber Subscriber
	router     *router.Router
	history    *history.Buffer
	lanes      *lanes.View
	countdown  *countdown.Countdown
	log        *decisionlog.Log
	bus        *framebus.Bus[Update]
	recorder   CycleRecorder
	archive    DecisionArchive

	// Displayed state not owned by a component
	mu        sync.RWMutex
	connected bool
	sensors   [types.SensorCount]string
	stats     Statistics
	remaining int
	seq       uint64

	// Lifecycle management
	started   time.Time
	isRunning bool
	wg        sync.WaitGroup
}

// New builds a dashboard from cfg. Without WithSubscriber a paho-backed
// connection manager is created.
func New(cfg *config.Config, clk clock.Clock, opts ...Option) *Dashboard {
	d := &Dashboard{
		cfg:     cfg,
		clock:   clk,
		router:  router.New(),
		history: history.New(clk, cfg.Dashboard.HistoryWindow),
		lanes:   lanes.New(),
		log:     decisionlog.New(clk, cfg.Dashboard.LogRows),
		bus:     framebus.New[Update](),
	}
	d.countdown = countdown.New(clk, d.onCountdownTick)
	d.history.OnPush(d.onHistoryPush)

	for _, opt := range opts {
		opt(d)
	}
	if d.subscriber == nil {
		d.subscriber = subscriber.NewMQTTSubscriber(cfg.MQTT, d.HandleMessage)
	}
	d.subscriber.OnStateChange(d.onConnectionState)

	d.registerRoutes()

	slog.Info("dashboard initialized",
		"history_window", d.history.Capacity(),
		"log_rows", cfg.Dashboard.LogRows,
		"topics", len(d.router.Topics()),
		"recorder", d.recorder != nil,
		"archive", d.archive != nil,
	)
	return d
}

// registerRoutes binds the telemetry topic table
func (d *Dashboard) registerRoutes() {
	for i, topic := range types.SensorTopics {
		d.router.Handle(topic, d.sensorHandler(i))
	}
	for i, topic := range types.LaneTopics {
		d.router.Handle(topic, d.laneHandler(types.LaneIDs[i]))
	}
	d.router.Handle(types.TopicCurrentLane, d.handleCurrentLane)
	d.router.Handle(types.TopicTimer, d.handleTimer)
	d.router.Handle(types.TopicDecision, d.handleDecision)
	d.router.Handle(types.TopicStatsCycles, d.handleCycles)
	d.router.Handle(types.TopicStatsServedTotal, d.handleServedTotal)
	d.router.Handle(types.TopicStatsAvgWait, d.handleAvgWait)
}

// HandleMessage routes one bus message. It is the subscriber's message handler.
func (d *Dashboard) HandleMessage(topic, payload string) {
	d.router.Dispatch(topic, payload)
}

// Bus returns the update fan-out bus
func (d *Dashboard) Bus() *framebus.Bus[Update] {
	return d.bus
}

// Router returns the telemetry router
func (d *Dashboard) Router() *router.Router {
	return d.router
}

// Subscriber returns the connection manager
func (d *Dashboard) Subscriber() Subscriber {
	return d.subscriber
}

// Connect opens an MQTT session; host and port fall back to the configured
// broker when empty.
func (d *Dashboard) Connect(ctx context.Context, host string, port int) error {
	return d.subscriber.Connect(ctx, host, port)
}

// Disconnect closes the MQTT session
func (d *Dashboard) Disconnect() {
	d.subscriber.Disconnect()
}

// UpdateDashboard applies a decision to the lane view: activeLane green,
// every other lane red, the active-lane display set and the countdown
// restarted at greenTime.
func (d *Dashboard) UpdateDashboard(activeLane string, greenTime int) {
	d.lanes.ApplyDecision(activeLane)
	// countdown calls back into onCountdownTick; d.mu must not be held here
	d.countdown.Start(greenTime)
}

// Snapshot returns a consistent copy of the displayed state
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	snap := Snapshot{
		Seq:       d.seq,
		Sensors:   d.sensors,
		Stats:     d.stats,
		Remaining: d.remaining,
		Countdown: countdown.Format(d.remaining),
	}
	connected := d.connected
	d.mu.RUnlock()

	snap.UpdatedAt = d.clock.Now()
	snap.Connection = connectionFor(connected, d.subscriber.Stats().Broker)
	snap.Lanes = d.lanes.State()
	snap.History = d.history.Snapshot()
	snap.Decisions = d.log.Rows()
	return snap
}

// Decisions returns the newest n decision rows
func (d *Dashboard) Decisions(n int) []decisionlog.Row {
	return d.log.Latest(n)
}

func (d *Dashboard) publish(kind, topic string) {
	d.mu.Lock()
	d.seq++
	d.mu.Unlock()

	d.bus.Publish(Update{Kind: kind, Topic: topic, Snapshot: d.Snapshot()})
}

func (d *Dashboard) sensorHandler(sensor int) router.HandlerFunc {
	return func(topic, payload string) error {
		d.mu.Lock()
		d.sensors[sensor] = payload
		d.mu.Unlock()

		if d.recorder != nil {
			d.recorder.ObserveSensor(sensor, payload)
		}

		v, err := types.ParseNumber(payload)
		if err != nil {
			slog.Debug("non-numeric sensor reading, history unchanged",
				"topic", topic,
				"payload", payload,
			)
			d.publish(KindSensor, topic)
			return nil
		}
		// onHistoryPush publishes
		return d.history.Push(sensor, v)
	}
}

func (d *Dashboard) laneHandler(laneID string) router.HandlerFunc {
	return func(topic, payload string) error {
		if err := d.lanes.SetLaneState(laneID, payload); err != nil {
			return fmt.Errorf("lane %s: %w", laneID, err)
		}
		d.publish(KindLane, topic)
		return nil
	}
}

func (d *Dashboard) handleCurrentLane(topic, payload string) error {
	d.lanes.SetActiveLane(payload)

	if d.recorder != nil {
		if err := d.recorder.ObserveLane(payload); err != nil {
			slog.Warn("failed to record signal cycle", "lane", payload, "error", err)
		}
	}

	d.publish(KindLane, topic)
	return nil
}

func (d *Dashboard) handleTimer(topic, payload string) error {
	if !d.countdown.StartText(payload) {
		slog.Debug("ignoring non-numeric countdown", "payload", payload)
	}
	return nil
}

func (d *Dashboard) handleDecision(topic, payload string) error {
	decision, err := types.ParseDecision([]byte(payload))
	if err != nil {
		return err
	}

	if override := d.cfg.Dashboard.ReasonOverride; override != "" {
		decision.Reason = override
	}

	d.UpdateDashboard(decision.Lane, decision.GreenSeconds())
	row := d.log.Record(decision)

	if d.archive != nil {
		if err := d.archive.Enqueue(archive.NewDocument(decision, row.ReceivedAt)); err != nil {
			slog.Warn("decision not archived", "lane", decision.Lane, "error", err)
		}
	}

	slog.Debug("decision applied",
		"lane", decision.Lane,
		"green_time", decision.GreenTime,
		"ir", decision.SensorList(),
	)

	d.publish(KindDecision, topic)
	return nil
}

func (d *Dashboard) handleCycles(topic, payload string) error {
	d.mu.Lock()
	d.stats.Cycles = payload
	d.mu.Unlock()

	d.publish(KindStats, topic)
	return nil
}

func (d *Dashboard) handleServedTotal(topic, payload string) error {
	d.mu.Lock()
	d.stats.ServedTotal = payload
	d.mu.Unlock()

	d.publish(KindStats, topic)
	return nil
}

func (d *Dashboard) handleAvgWait(topic, payload string) error {
	v, err := types.ParseNumber(payload)
	if err != nil {
		slog.Debug("ignoring non-numeric average wait", "payload", payload)
		return nil
	}

	d.mu.Lock()
	d.stats.AvgWait = fmt.Sprintf("%.1f", v)
	d.mu.Unlock()

	d.publish(KindStats, topic)
	return nil
}

// onCountdownTick runs with the countdown lock held
func (d *Dashboard) onCountdownTick(remaining int) {
	d.mu.Lock()
	d.remaining = remaining
	d.mu.Unlock()

	d.publish(KindCountdown, types.TopicTimer)
}

func (d *Dashboard) onHistoryPush(s types.Sample) {
	d.publish(KindHistory, types.SensorTopics[s.Sensor])
}

func (d *Dashboard) onConnectionState(state subscriber.State) {
	d.mu.Lock()
	d.connected = state == subscriber.Connected
	d.mu.Unlock()

	slog.Info("connection status changed", "status", state.String())
	d.publish(KindConnection, "")
}

// Run starts the dashboard and blocks until ctx is cancelled
func (d *Dashboard) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.isRunning = true
	d.started = d.clock.Now()
	d.mu.Unlock()

	slog.Info("dashboard starting",
		"broker", d.cfg.MQTT.Broker,
		"ws_port", d.cfg.MQTT.WSPort,
		"auto_connect", d.cfg.MQTT.AutoConnect,
	)

	if d.cfg.MQTT.AutoConnect {
		// Connection failures only flip the status flag
		if err := d.Connect(ctx, "", 0); err != nil {
			slog.Warn("initial mqtt connection failed", "error", err)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.bus.StartStatsLogger(ctx, 10*time.Second)
	}()

	<-ctx.Done()

	slog.Info("dashboard run loop exiting")
	return nil
}

// Shutdown stops the countdown, closes the session and releases the
// recorder, the archive and the bus.
func (d *Dashboard) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	slog.Info("shutting down dashboard")

	d.countdown.Stop()
	d.subscriber.Disconnect()

	var errs []error
	if d.recorder != nil {
		if err := d.recorder.Close(); err != nil {
			slog.Error("failed to close cycle recorder", "error", err)
			errs = append(errs, err)
		}
	}
	if d.archive != nil {
		if err := d.archive.Close(ctx); err != nil {
			slog.Error("failed to close decision archive", "error", err)
			errs = append(errs, err)
		}
	}

	d.wg.Wait()
	d.bus.Close()

	d.mu.Lock()
	uptime := d.clock.Now().Sub(d.started)
	d.isRunning = false
	d.mu.Unlock()

	slog.Info("dashboard shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}
