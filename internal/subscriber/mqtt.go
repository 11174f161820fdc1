// Package subscriber owns the single MQTT connection of the dashboard.
//
// The connection runs over the broker's websocket listener, subscribes to
// the fixed telemetry topic set and hands every message to one handler.
// There is no automatic reconnect: a failed handshake or a lost
// connection leaves the subscriber Disconnected until Connect is called
// again.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/types"
)

var (
	// ErrConnectTimeout is returned when the handshake does not finish in time
	ErrConnectTimeout = errors.New("subscriber: mqtt connection timeout")
	// ErrSuperseded is returned when Disconnect or another Connect wins
	// the race against an in-flight Connect
	ErrSuperseded = errors.New("subscriber: connect superseded")
)

// State is the two-valued connection flag
type State int

const (
	Disconnected State = iota
	Connected
)

// String returns the status indicator text
func (s State) String() string {
	if s == Connected {
		return "Connected"
	}
	return "Disconnected"
}

// MessageHandler receives every message on a subscribed topic
type MessageHandler func(topic, payload string)

// StateListener is notified on every state change
type StateListener func(State)

// ClientFactory builds the paho client; replaced in tests
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Stats contains connection statistics
type Stats struct {
	State    string `json:"state"`
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Connects uint64 `json:"connects"`
	Failures uint64 `json:"failures"`
	Lost     uint64 `json:"lost"`
	Messages uint64 `json:"messages"`
}

// MQTTSubscriber is the connection manager
type MQTTSubscriber struct {
	cfg       config.MQTTConfig
	handler   MessageHandler
	newClient ClientFactory
	topics    []string

	mu        sync.RWMutex
	client    mqtt.Client
	session   uint64 // bumped by every Connect/Disconnect; stale callbacks compare against it
	state     State
	broker    string
	clientID  string
	listeners []StateListener

	connects uint64
	failures uint64
	lost     uint64
	messages uint64
}

// NewMQTTSubscriber creates a disconnected subscriber
func NewMQTTSubscriber(cfg config.MQTTConfig, handler MessageHandler) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:       cfg,
		handler:   handler,
		newClient: mqtt.NewClient,
		topics:    types.SubscribedTopics(),
		state:     Disconnected,
	}
}

// SetClientFactory replaces the paho client constructor
func (s *MQTTSubscriber) SetClientFactory(f ClientFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newClient = f
}

// OnStateChange registers a listener for state changes
func (s *MQTTSubscriber) OnStateChange(l StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// NewClientID returns prefix followed by 8 random hex characters
func NewClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Connect establishes a new session to host:port over websockets and
// subscribes to the telemetry topics. Any previous session is torn down
// first. An empty host or a non-positive port falls back to the configured
// values.
func (s *MQTTSubscriber) Connect(ctx context.Context, host string, port int) error {
	s.Disconnect()

	if host == "" {
		host = s.cfg.Broker
	}
	if port <= 0 {
		port = s.cfg.WSPort
	}
	broker := s.cfg.BrokerURL(host, port)
	clientID := NewClientID(s.cfg.ClientIDPrefix)
	timeout := s.cfg.ConnectTimeout()

	s.mu.Lock()
	s.session++
	session := s.session
	newClient := s.newClient
	s.broker = broker
	s.clientID = clientID
	s.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(timeout)
	opts.SetOrderMatters(true)
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.connectionLost(session, err)
	}

	client := newClient(opts)

	s.mu.Lock()
	if session != s.session {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.client = client
	s.mu.Unlock()

	slog.Info("connecting to mqtt broker", "broker", broker, "client_id", clientID)

	if err := wait(ctx, client.Connect(), timeout); err != nil {
		s.fail(session, client)
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	if !s.transition(session, Connected) {
		client.Disconnect(0)
		return ErrSuperseded
	}

	s.mu.Lock()
	s.connects++
	s.mu.Unlock()

	slog.Info("mqtt connection established", "broker", broker, "client_id", clientID)

	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		filters[t] = s.cfg.QoS
	}
	if err := wait(ctx, client.SubscribeMultiple(filters, s.onMessage), timeout); err != nil {
		s.fail(session, client)
		return fmt.Errorf("telemetry subscription failed: %w", err)
	}

	slog.Info("subscribed to telemetry topics", "count", len(filters), "qos", s.cfg.QoS)
	return nil
}

// Disconnect tears down the current session. Safe to call when not connected.
func (s *MQTTSubscriber) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.session++
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	s.setState(Disconnected)
}

// State returns the current connection flag
func (s *MQTTSubscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the flag is Connected
func (s *MQTTSubscriber) IsConnected() bool {
	return s.State() == Connected
}

// Stats returns subscriber statistics
func (s *MQTTSubscriber) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		State:    s.state.String(),
		Broker:   s.broker,
		ClientID: s.clientID,
		Connects: s.connects,
		Failures: s.failures,
		Lost:     s.lost,
		Messages: s.messages,
	}
}

func (s *MQTTSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	s.messages++
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(msg.Topic(), string(msg.Payload()))
	}
}

func (s *MQTTSubscriber) connectionLost(session uint64, err error) {
	s.mu.Lock()
	if session != s.session {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.lost++
	s.mu.Unlock()

	slog.Warn("mqtt connection lost",
		"error", err,
		"action", "reconnect manually")

	s.setState(Disconnected)
}

// fail drops a session whose handshake or subscription failed
func (s *MQTTSubscriber) fail(session uint64, client mqtt.Client) {
	client.Disconnect(0)

	s.mu.Lock()
	s.failures++
	current := session == s.session
	if current {
		s.client = nil
	}
	s.mu.Unlock()

	if current {
		s.setState(Disconnected)
	}
}

// transition sets state only if session is still current
func (s *MQTTSubscriber) transition(session uint64, state State) bool {
	s.mu.Lock()
	if session != s.session {
		s.mu.Unlock()
		return false
	}
	changed := s.state != state
	s.state = state
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if changed {
		notify(listeners, state)
	}
	return true
}

func (s *MQTTSubscriber) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if changed {
		notify(listeners, state)
	}
}

func notify(listeners []StateListener, state State) {
	for _, l := range listeners {
		l(state)
	}
}

// wait blocks until the token completes, the context ends or timeout elapses
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConnectTimeout
	}
}
