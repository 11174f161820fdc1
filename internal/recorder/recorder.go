// Package recorder writes one CSV row per completed signal cycle.
//
// A cycle starts when signal/current names a lane and ends when it names a
// different one. The row carries the sensor snapshot taken at cycle start,
// the lane and the measured green time, which is the training data format
// of the downstream optimizer.
package recorder

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/types"
)

// TimestampLayout formats the cycle start time
const TimestampLayout = "2006-01-02 15:04:05"

// Header is the CSV column set
var Header = []string{"timestamp", "ir1", "ir2", "ir3", "ir4", "active_lane", "green_time"}

// placeholder lane names published while no lane is active
var placeholders = map[string]bool{"": true, "\u2014": true}

// Recorder tracks the open cycle and appends finished cycles to a CSV sink
type Recorder struct {
	clock  clock.Clock
	closer io.Closer

	mu       sync.Mutex
	w        *csv.Writer
	sensors  [types.SensorCount]int
	lane     string
	start    time.Time
	snapshot [types.SensorCount]int
	rows     uint64
	closed   bool
}

// Open appends to the CSV file at path, creating it and its directory if
// needed. The header is written only when the file is empty.
func Open(path string, clk clock.Clock) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recorder directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recorder file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat recorder file: %w", err)
	}

	r, err := New(f, clk, info.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f

	slog.Info("cycle recorder started", "path", path, "new_file", info.Size() == 0)
	return r, nil
}

// New records to w. If writeHeader is set the header row is written first.
func New(w io.Writer, clk clock.Clock, writeHeader bool) (*Recorder, error) {
	r := &Recorder{
		clock: clk,
		w:     csv.NewWriter(w),
	}
	if writeHeader {
		if err := r.write(Header); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObserveSensor records the latest reading of sensor (0-based).
// A payload that is not an integer reads as 0.
func (r *Recorder) ObserveSensor(sensor int, payload string) {
	if sensor < 0 || sensor >= types.SensorCount {
		return
	}
	v, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		v = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sensors[sensor] = v
}

// ObserveLane handles a signal/current message. A change to a new lane
// closes the open cycle (if any) and starts the next one. Placeholder
// names and repeats of the current lane are ignored.
func (r *Recorder) ObserveLane(name string) error {
	name = strings.TrimSpace(name)
	if placeholders[name] {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || name == r.lane {
		return nil
	}

	now := r.clock.Now()
	var err error
	if r.lane != "" {
		err = r.flushLocked(now)
	}

	r.lane = name
	r.start = now
	r.snapshot = r.sensors

	slog.Debug("signal cycle started", "lane", name, "snapshot", r.snapshot)
	return err
}

// Rows returns the number of cycle rows written
func (r *Recorder) Rows() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Close writes the open partial cycle and releases the file
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.lane != "" {
		err = r.flushLocked(r.clock.Now())
		r.lane = ""
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close recorder file: %w", cerr)
		}
	}
	slog.Info("cycle recorder stopped", "rows", r.rows)
	return err
}

func (r *Recorder) flushLocked(end time.Time) error {
	green := int(math.Round(end.Sub(r.start).Seconds()))
	if green < 1 {
		green = 1
	}

	row := []string{
		r.start.Format(TimestampLayout),
		strconv.Itoa(r.snapshot[0]),
		strconv.Itoa(r.snapshot[1]),
		strconv.Itoa(r.snapshot[2]),
		strconv.Itoa(r.snapshot[3]),
		r.lane,
		strconv.Itoa(green),
	}
	if err := r.write(row); err != nil {
		return err
	}
	r.rows++

	slog.Debug("signal cycle recorded", "lane", r.lane, "green_time", green)
	return nil
}

func (r *Recorder) write(record []string) error {
	if err := r.w.Write(record); err != nil {
		return fmt.Errorf("failed to write cycle row: %w", err)
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("failed to flush cycle row: %w", err)
	}
	return nil
}
