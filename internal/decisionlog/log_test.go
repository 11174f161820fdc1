package decisionlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/types"
)

func decision(n int) types.Decision {
	return types.Decision{
		Lane:      fmt.Sprintf("Lane%d", n%4+1),
		GreenTime: float64(n),
		IR:        []float64{1, 0, 1, 0},
		Reason:    fmt.Sprintf("decision-%d", n),
	}
}

func TestRecordFormatsRow(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 4, 17, 5, 9, 0, time.Local))
	l := New(clk, DefaultMaxRows)

	row := l.Record(types.Decision{
		Lane:      "Lane3",
		GreenTime: 12,
		IR:        []float64{1, 1, 0, 1},
		Reason:    "fairness override",
	})

	assert.Equal(t, "17:05:09", row.Time)
	assert.Equal(t, "Lane3", row.Lane)
	assert.Equal(t, "12", row.GreenTime)
	assert.Equal(t, "[1, 1, 0, 1]", row.Sensors)
	assert.Equal(t, "fairness override", row.Reason)
	assert.Equal(t, []Row{row}, l.Rows())
}

func TestRecordNewestFirst(t *testing.T) {
	l := New(clock.Real(), DefaultMaxRows)
	for i := 0; i < 3; i++ {
		l.Record(decision(i))
	}

	rows := l.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "decision-2", rows[0].Reason)
	assert.Equal(t, "decision-1", rows[1].Reason)
	assert.Equal(t, "decision-0", rows[2].Reason)
}

func TestRecordTrimsToCap(t *testing.T) {
	l := New(clock.Real(), DefaultMaxRows)
	for i := 0; i < 101; i++ {
		l.Record(decision(i))
	}

	rows := l.Rows()
	require.Len(t, rows, 100)
	assert.Equal(t, "decision-100", rows[0].Reason)
	assert.Equal(t, "decision-1", rows[99].Reason)
}

func TestLatest(t *testing.T) {
	l := New(clock.Real(), 5)
	assert.Empty(t, l.Latest(3))

	for i := 0; i < 4; i++ {
		l.Record(decision(i))
	}
	latest := l.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, "decision-3", latest[0].Reason)
	assert.Len(t, l.Latest(10), 4)
}

func TestConcurrentRecordKeepsCap(t *testing.T) {
	l := New(clock.Real(), DefaultMaxRows)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Record(decision(w*100 + i))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, DefaultMaxRows, l.Len())
}
