// Package history keeps the rolling window of infrared samples that backs
// the vehicle-detection chart.
//
// The window holds one shared label series (local time of each push) and
// one series per sensor. All series always have the same length; a push
// to one sensor carries the last known value of the other sensors forward
// so every index of the window is a complete reading across lanes.
package history

import (
	"errors"
	"sync"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/types"
)

const (
	// DefaultWindow is the number of samples kept per series
	DefaultWindow = 60

	// LabelLayout formats the shared timestamp labels
	LabelLayout = "15:04:05"
)

// ErrSensorOutOfRange is returned for a sensor index outside [0, SensorCount)
var ErrSensorOutOfRange = errors.New("history: sensor index out of range")

// Window is a point-in-time copy of the buffer contents
type Window struct {
	Labels  []string                     `json:"labels" msgpack:"labels"`
	Sensors [types.SensorCount][]float64 `json:"sensors" msgpack:"sensors"`
}

// Len returns the number of samples in the window
func (w Window) Len() int {
	return len(w.Labels)
}

// Buffer is a fixed-capacity FIFO window of sensor samples.
// One lock covers every series so eviction and append are atomic across them.
type Buffer struct {
	clock    clock.Clock
	capacity int

	mu      sync.Mutex
	labels  []string
	sensors [types.SensorCount][]float64
	last    [types.SensorCount]float64
	onPush  func(types.Sample)
}

// New creates an empty buffer with the given capacity (DefaultWindow if <= 0)
func New(clk clock.Clock, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	b := &Buffer{
		clock:    clk,
		capacity: capacity,
		labels:   make([]string, 0, capacity),
	}
	for i := range b.sensors {
		b.sensors[i] = make([]float64, 0, capacity)
	}
	return b
}

// OnPush binds the observer notified after every push (the chart redraw).
// The observer runs outside the buffer lock.
func (b *Buffer) OnPush(fn func(types.Sample)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPush = fn
}

// Push records value for sensor, evicting the oldest entry of every
// series first when the window is full.
func (b *Buffer) Push(sensor int, value float64) error {
	if sensor < 0 || sensor >= types.SensorCount {
		return ErrSensorOutOfRange
	}

	now := b.clock.Now()

	b.mu.Lock()
	if len(b.labels) >= b.capacity {
		b.labels = b.labels[1:]
		for i := range b.sensors {
			b.sensors[i] = b.sensors[i][1:]
		}
	}

	b.last[sensor] = value
	b.labels = append(b.labels, now.Format(LabelLayout))
	for i := range b.sensors {
		b.sensors[i] = append(b.sensors[i], b.last[i])
	}
	notify := b.onPush
	b.mu.Unlock()

	if notify != nil {
		notify(types.Sample{Timestamp: now, Sensor: sensor, Value: value})
	}
	return nil
}

// Snapshot returns a copy of the window
func (b *Buffer) Snapshot() Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := Window{Labels: make([]string, len(b.labels))}
	copy(w.Labels, b.labels)
	for i := range b.sensors {
		w.Sensors[i] = make([]float64, len(b.sensors[i]))
		copy(w.Sensors[i], b.sensors[i])
	}
	return w
}

// Len returns the current number of samples
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.labels)
}

// Capacity returns the window size
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Reset empties every series
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.labels = b.labels[:0]
	for i := range b.sensors {
		b.sensors[i] = b.sensors[i][:0]
		b.last[i] = 0
	}
}
