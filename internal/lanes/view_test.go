package lanes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/signaldash/internal/types"
)

func TestNewViewAllRed(t *testing.T) {
	v := New()
	for _, lane := range v.State().Lanes {
		assert.Equal(t, types.SignalRed, lane.Signal)
		assert.False(t, lane.Blink)
	}
	assert.Empty(t, v.State().ActiveLane)
}

func TestSetLaneStateBinaryEncoding(t *testing.T) {
	v := New()

	require.NoError(t, v.SetLaneState("lane2", "GREEN"))
	lane, err := v.Lane("lane2")
	require.NoError(t, err)
	assert.Equal(t, types.SignalGreen, lane.Signal)
	assert.True(t, lane.Blink)

	require.NoError(t, v.SetLaneState("lane2", "anything-else"))
	lane, err = v.Lane("lane2")
	require.NoError(t, err)
	assert.Equal(t, types.SignalRed, lane.Signal)
	assert.False(t, lane.Blink)
	assert.Equal(t, "anything-else", lane.Text)
}

func TestSetLaneStateUnknownLane(t *testing.T) {
	v := New()
	assert.ErrorIs(t, v.SetLaneState("lane5", "GREEN"), ErrUnknownLane)
	_, err := v.Lane("Lane1")
	assert.ErrorIs(t, err, ErrUnknownLane)
}

func TestApplyDecision(t *testing.T) {
	v := New()
	require.NoError(t, v.SetLaneState("lane1", "GREEN"))

	v.ApplyDecision("Lane3")

	state := v.State()
	assert.Equal(t, "Lane3", state.ActiveLane)
	for _, lane := range state.Lanes {
		if lane.ID == "lane3" {
			assert.Equal(t, types.SignalGreen, lane.Signal)
			assert.Equal(t, "GREEN", lane.Text)
		} else {
			assert.Equal(t, types.SignalRed, lane.Signal, lane.ID)
			assert.Equal(t, "RED", lane.Text)
		}
	}
}

func TestApplyDecisionUnknownLaneAllRed(t *testing.T) {
	v := New()
	v.ApplyDecision("Emergency")

	state := v.State()
	assert.Equal(t, "Emergency", state.ActiveLane)
	for _, lane := range state.Lanes {
		assert.Equal(t, types.SignalRed, lane.Signal)
	}
}

func TestActiveLaneIndependent(t *testing.T) {
	v := New()
	v.ApplyDecision("Lane1")
	v.SetActiveLane("Lane2")

	state := v.State()
	assert.Equal(t, "Lane2", state.ActiveLane)
	assert.Equal(t, types.SignalGreen, state.Lanes[0].Signal)
}
