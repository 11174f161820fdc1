package core

import (
	"time"

	"github.com/care/signaldash/internal/decisionlog"
	"github.com/care/signaldash/internal/history"
	"github.com/care/signaldash/internal/lanes"
	"github.com/care/signaldash/internal/types"
)

// Update kinds
const (
	KindConnection = "connection"
	KindSensor     = "sensor"
	KindHistory    = "history"
	KindLane       = "lane"
	KindCountdown  = "countdown"
	KindDecision   = "decision"
	KindStats      = "stats"
)

// Connection is the status indicator and the control availability.
// ConnectEnabled and DisconnectEnabled always mirror Connected.
type Connection struct {
	Status            string `json:"status" msgpack:"status"`
	Connected         bool   `json:"connected" msgpack:"connected"`
	ConnectEnabled    bool   `json:"connect_enabled" msgpack:"connect_enabled"`
	DisconnectEnabled bool   `json:"disconnect_enabled" msgpack:"disconnect_enabled"`
	Broker            string `json:"broker,omitempty" msgpack:"broker,omitempty"`
}

// Statistics holds the controller statistics as displayed
type Statistics struct {
	Cycles      string `json:"cycles" msgpack:"cycles"`
	ServedTotal string `json:"served_total" msgpack:"served_total"`
	AvgWait     string `json:"avg_wait" msgpack:"avg_wait"`
}

// Snapshot is a consistent copy of everything the dashboard displays
type Snapshot struct {
	Seq        uint64                    `json:"seq" msgpack:"seq"`
	UpdatedAt  time.Time                 `json:"updated_at" msgpack:"updated_at"`
	Connection Connection                `json:"connection" msgpack:"connection"`
	Sensors    [types.SensorCount]string `json:"sensors" msgpack:"sensors"`
	Lanes      lanes.State               `json:"lanes" msgpack:"lanes"`
	Countdown  string                    `json:"countdown" msgpack:"countdown"`
	Remaining  int                       `json:"remaining" msgpack:"remaining"`
	Stats      Statistics                `json:"stats" msgpack:"stats"`
	History    history.Window            `json:"history" msgpack:"history"`
	Decisions  []decisionlog.Row         `json:"decisions" msgpack:"decisions"`
}

// Update is published on the fan-out bus after every mutation
type Update struct {
	Kind     string   `json:"kind" msgpack:"kind"`
	Topic    string   `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Snapshot Snapshot `json:"snapshot" msgpack:"snapshot"`
}

func connectionFor(connected bool, broker string) Connection {
	c := Connection{
		Status:            "Disconnected",
		Connected:         connected,
		ConnectEnabled:    !connected,
		DisconnectEnabled: connected,
		Broker:            broker,
	}
	if connected {
		c.Status = "Connected"
	}
	return c
}
