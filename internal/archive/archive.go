// Package archive stores accepted decisions in MongoDB as offline
// training data for the signal optimizer.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/types"
)

const (
	// QueueSize bounds the decisions waiting to be written
	QueueSize = 64

	writeTimeout = 5 * time.Second
)

// ErrClosed is returned by Enqueue after Close
var ErrClosed = errors.New("archive: closed")

// Document is the stored form of one decision
type Document struct {
	ReceivedAt time.Time `bson:"received_at"`
	Lane       string    `bson:"lane"`
	LaneID     string    `bson:"lane_id,omitempty"`
	GreenTime  float64   `bson:"green_time"`
	IR         []float64 `bson:"ir"`
	Reason     string    `bson:"reason"`
}

// NewDocument maps a decision received at t to its stored form
func NewDocument(d types.Decision, t time.Time) Document {
	laneID, _ := types.LaneIDForName(d.Lane)
	ir := make([]float64, len(d.IR))
	copy(ir, d.IR)

	return Document{
		ReceivedAt: t.UTC(),
		Lane:       d.Lane,
		LaneID:     laneID,
		GreenTime:  d.GreenTime,
		IR:         ir,
		Reason:     d.Reason,
	}
}

// Inserter is the subset of *mongo.Collection used by the archive
type Inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Stats contains archive counters
type Stats struct {
	Stored  uint64 `json:"stored"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Archive writes documents from a bounded queue on one goroutine, so the
// telemetry path never waits on the database.
type Archive struct {
	coll   Inserter
	client *mongo.Client

	queue chan Document
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	stored  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Connect opens the MongoDB client described by cfg and starts the writer
func Connect(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	a := New(coll)
	a.client = client

	slog.Info("decision archive connected",
		"database", cfg.Database,
		"collection", cfg.Collection,
	)
	return a, nil
}

// New starts an archive writing to coll
func New(coll Inserter) *Archive {
	a := &Archive{
		coll:  coll,
		queue: make(chan Document, QueueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue schedules doc for writing. A full queue drops the document.
func (a *Archive) Enqueue(doc Document) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- doc:
	default:
		a.dropped.Add(1)
		slog.Warn("archive queue full, dropping decision", "lane", doc.Lane)
	}
	return nil
}

// Stats returns the archive counters
func (a *Archive) Stats() Stats {
	return Stats{
		Stored:  a.stored.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
	}
}

// Close drains the queue and disconnects. Pending writes are abandoned
// when ctx ends first.
func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	var err error
	select {
	case <-a.done:
	case <-ctx.Done():
		err = fmt.Errorf("archive drain interrupted: %w", ctx.Err())
	}

	if a.client != nil {
		if derr := a.client.Disconnect(ctx); derr != nil && err == nil {
			err = fmt.Errorf("failed to disconnect mongodb: %w", derr)
		}
	}

	slog.Info("decision archive closed",
		"stored", a.stored.Load(),
		"dropped", a.dropped.Load(),
		"failed", a.failed.Load(),
	)
	return err
}

func (a *Archive) run() {
	defer close(a.done)

	for doc := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err := a.coll.InsertOne(ctx, doc)
		cancel()

		if err != nil {
			a.failed.Add(1)
			slog.Error("failed to archive decision", "lane", doc.Lane, "error", err)
			continue
		}
		a.stored.Add(1)
	}
}
