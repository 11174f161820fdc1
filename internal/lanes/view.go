// Package lanes holds the per-lane signal display and the active-lane field.
//
// The view renders whatever the bus reports; it does not enforce that
// exactly one lane is green.
package lanes

import (
	"errors"
	"sync"

	"github.com/care/signaldash/internal/types"
)

// ErrUnknownLane is returned for a lane id outside lane1..lane4
var ErrUnknownLane = errors.New("lanes: unknown lane")

// Lane is the displayed state of one lane
type Lane struct {
	ID     string       `json:"id" msgpack:"id"`
	Signal types.Signal `json:"signal" msgpack:"signal"`
	// Text is the raw payload shown in the lane card. Styling uses Signal only.
	Text string `json:"text" msgpack:"text"`
	// Blink is set for green lanes
	Blink bool `json:"blink" msgpack:"blink"`
}

// State is a copy of the whole view
type State struct {
	Lanes      [types.LaneCount]Lane `json:"lanes" msgpack:"lanes"`
	ActiveLane string                `json:"active_lane" msgpack:"active_lane"`
}

// View is the lane/signal view model
type View struct {
	mu         sync.RWMutex
	lanes      [types.LaneCount]Lane
	activeLane string
}

// New creates a view with every lane red and no active lane
func New() *View {
	v := &View{}
	for i, id := range types.LaneIDs {
		v.lanes[i] = Lane{ID: id, Signal: types.SignalRed}
	}
	return v
}

// SetLaneState sets a lane's display. "GREEN" renders green with the
// blinking treatment; any other string renders red.
func (v *View) SetLaneState(laneID, state string) error {
	idx, ok := laneIndex(laneID)
	if !ok {
		return ErrUnknownLane
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.lanes[idx] = render(laneID, state)
	return nil
}

// SetActiveLane sets the active-lane display directly
func (v *View) SetActiveLane(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.activeLane = name
}

// ApplyDecision sets the named lane green and every other lane red and
// records it as the active lane. The countdown restart is the caller's
// responsibility (see core.Dashboard.UpdateDashboard).
func (v *View) ApplyDecision(activeLane string) {
	activeID, _ := types.LaneIDForName(activeLane)

	v.mu.Lock()
	defer v.mu.Unlock()

	for i, id := range types.LaneIDs {
		state := "RED"
		if id == activeID {
			state = "GREEN"
		}
		v.lanes[i] = render(id, state)
	}
	v.activeLane = activeLane
}

// Lane returns one lane's display
func (v *View) Lane(laneID string) (Lane, error) {
	idx, ok := laneIndex(laneID)
	if !ok {
		return Lane{}, ErrUnknownLane
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lanes[idx], nil
}

// State returns a copy of the view
func (v *View) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return State{Lanes: v.lanes, ActiveLane: v.activeLane}
}

func render(laneID, state string) Lane {
	signal := types.ParseSignal(state)
	return Lane{
		ID:     laneID,
		Signal: signal,
		Text:   state,
		Blink:  signal == types.SignalGreen,
	}
}

func laneIndex(laneID string) (int, bool) {
	for i, id := range types.LaneIDs {
		if id == laneID {
			return i, true
		}
	}
	return 0, false
}
