package core

import (
	"context"

	"github.com/care/signaldash/internal/archive"
	"github.com/care/signaldash/internal/subscriber"
)

// Subscriber is the connection manager feeding the dashboard
type Subscriber interface {
	// Connect opens a session to host:port and subscribes to the telemetry topics
	Connect(ctx context.Context, host string, port int) error
	// Disconnect closes the session; safe when not connected
	Disconnect()
	// IsConnected reports the connection flag
	IsConnected() bool
	// OnStateChange registers a state listener
	OnStateChange(l subscriber.StateListener)
	// Stats returns connection statistics
	Stats() subscriber.Stats
}

// CycleRecorder receives the inputs of the CSV cycle recorder
type CycleRecorder interface {
	ObserveSensor(sensor int, payload string)
	ObserveLane(name string) error
	Close() error
}

// DecisionArchive stores accepted decisions
type DecisionArchive interface {
	Enqueue(doc archive.Document) error
	Close(ctx context.Context) error
}
