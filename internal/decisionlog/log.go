// Package decisionlog keeps the bounded, newest-first table of signal
// decisions shown on the dashboard.
package decisionlog

import (
	"sync"
	"time"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/types"
)

const (
	// DefaultMaxRows is the number of rows kept
	DefaultMaxRows = 100

	// TimeLayout formats the local receive time of a row
	TimeLayout = "15:04:05"
)

// Row is one rendered decision
type Row struct {
	Time      string `json:"time" msgpack:"time"`
	Lane      string `json:"lane" msgpack:"lane"`
	GreenTime string `json:"green_time" msgpack:"green_time"`
	Sensors   string `json:"sensors" msgpack:"sensors"`
	Reason    string `json:"reason" msgpack:"reason"`

	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"`
}

// Log is an append-and-trim table. Record inserts at the top and drops
// rows from the bottom past the cap, as one atomic step.
type Log struct {
	clock   clock.Clock
	maxRows int

	mu   sync.RWMutex
	rows []Row // newest first
}

// New creates an empty log (DefaultMaxRows if maxRows <= 0)
func New(clk clock.Clock, maxRows int) *Log {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Log{
		clock:   clk,
		maxRows: maxRows,
		rows:    make([]Row, 0, maxRows+1),
	}
}

// Record formats d as a row and inserts it at the top of the table
func (l *Log) Record(d types.Decision) Row {
	now := l.clock.Now()
	row := Row{
		Time:       now.Format(TimeLayout),
		Lane:       d.Lane,
		GreenTime:  types.FormatNumber(d.GreenTime),
		Sensors:    d.SensorList(),
		Reason:     d.Reason,
		ReceivedAt: now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rows = append(l.rows, Row{})
	copy(l.rows[1:], l.rows)
	l.rows[0] = row
	if len(l.rows) > l.maxRows {
		l.rows = l.rows[:l.maxRows]
	}
	return row
}

// Rows returns a copy of the table, newest first
func (l *Log) Rows() []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Row, len(l.rows))
	copy(out, l.rows)
	return out
}

// Latest returns up to n of the newest rows
func (l *Log) Latest(n int) []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.rows) {
		n = len(l.rows)
	}
	out := make([]Row, n)
	copy(out, l.rows[:n])
	return out
}

// Len returns the number of rows
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}
