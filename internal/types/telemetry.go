package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// SensorCount is the number of infrared presence sensors (one per lane)
	SensorCount = 4
	// LaneCount is the number of signal-controlled lanes
	LaneCount = 4
)

// Topics consumed from the message bus
const (
	TopicIR1 = "traffic/ir1"
	TopicIR2 = "traffic/ir2"
	TopicIR3 = "traffic/ir3"
	TopicIR4 = "traffic/ir4"

	TopicLane1 = "signal/lane1"
	TopicLane2 = "signal/lane2"
	TopicLane3 = "signal/lane3"
	TopicLane4 = "signal/lane4"

	TopicCurrentLane = "signal/current"
	TopicTimer       = "signal/timer"
	TopicDecision    = "decision/signal"

	TopicStatsCycles      = "stats/cycles"
	TopicStatsServedTotal = "stats/served_total"
	TopicStatsAvgWait     = "stats/avg_wait"
)

// SubscribedTopics returns the fixed, ordered topic set the dashboard subscribes to
func SubscribedTopics() []string {
	return []string{
		TopicIR1, TopicIR2, TopicIR3, TopicIR4,
		TopicLane1, TopicLane2, TopicLane3, TopicLane4,
		TopicCurrentLane, TopicTimer,
		TopicDecision,
		TopicStatsCycles, TopicStatsServedTotal, TopicStatsAvgWait,
	}
}

// SensorTopics maps sensor index (0-based) to its topic
var SensorTopics = [SensorCount]string{TopicIR1, TopicIR2, TopicIR3, TopicIR4}

// LaneTopics maps lane index (0-based) to its topic
var LaneTopics = [LaneCount]string{TopicLane1, TopicLane2, TopicLane3, TopicLane4}

// LaneIDs are the lane identifiers used by the lane view ("lane1".."lane4")
var LaneIDs = [LaneCount]string{"lane1", "lane2", "lane3", "lane4"}

// Signal is the binary visual encoding of a lane
type Signal int

const (
	SignalRed Signal = iota
	SignalGreen
)

// String returns the display name of the signal
func (s Signal) String() string {
	if s == SignalGreen {
		return "GREEN"
	}
	return "RED"
}

// MarshalJSON encodes the signal as its display name
func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a display name with ParseSignal
func (s *Signal) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = ParseSignal(name)
	return nil
}

// EncodeMsgpack encodes the signal as its display name
func (s Signal) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(s.String())
}

// DecodeMsgpack decodes a display name with ParseSignal
func (s *Signal) DecodeMsgpack(dec *msgpack.Decoder) error {
	name, err := dec.DecodeString()
	if err != nil {
		return err
	}
	*s = ParseSignal(name)
	return nil
}

// ParseSignal maps a bus payload to a signal: exactly "GREEN" is green,
// everything else is red.
func ParseSignal(state string) Signal {
	if state == "GREEN" {
		return SignalGreen
	}
	return SignalRed
}

// LaneIDForName maps a controller lane name ("Lane3") to a lane id ("lane3").
// Returns false if the name does not end in a known lane number.
func LaneIDForName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	id := "lane" + name[len(name)-1:]
	if !lo.Contains(LaneIDs[:], id) {
		return "", false
	}
	return id, true
}

// Sample is one sensor reading as received from the bus
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Sensor    int       `json:"sensor"`
	Value     float64   `json:"value"`
}

// Decision is one instance of the external controller choosing a green lane
type Decision struct {
	Lane      string    `json:"lane"`
	GreenTime float64   `json:"green_time"`
	IR        []float64 `json:"ir"`
	Reason    string    `json:"reason"`
}

// ParseDecision decodes and validates a decision payload.
// A decision that fails validation must not touch any view state.
func ParseDecision(payload []byte) (Decision, error) {
	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return Decision{}, fmt.Errorf("invalid decision payload: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Validate checks the fields the dashboard depends on
func (d Decision) Validate() error {
	if d.Lane == "" {
		return fmt.Errorf("decision lane is required")
	}
	if len(d.IR) != SensorCount {
		return fmt.Errorf("decision ir must have %d readings, got %d", SensorCount, len(d.IR))
	}
	if d.GreenTime < 0 {
		return fmt.Errorf("decision green_time must be >= 0, got %v", d.GreenTime)
	}
	return nil
}

// GreenSeconds returns the green time in whole seconds
func (d Decision) GreenSeconds() int {
	return int(d.GreenTime)
}

// SensorList formats the sensor snapshot as "[1, 0, 1, 1]"
func (d Decision) SensorList() string {
	parts := lo.Map(d.IR, func(v float64, _ int) string {
		return FormatNumber(v)
	})
	return "[" + strings.Join(parts, ", ") + "]"
}

// FormatNumber prints a number without a trailing ".0" for integral values
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseNumber parses a numeric bus payload. Surrounding whitespace is
// ignored and an empty payload reads as zero. NaN and infinities are rejected.
func ParseNumber(payload string) (float64, error) {
	s := strings.TrimSpace(payload)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", payload)
	}
	return v, nil
}
