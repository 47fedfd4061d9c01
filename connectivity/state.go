// Package connectivity tracks whether the device can currently reach the
// network and over which kind of link.
package connectivity

import (
	"context"
	"time"
)

type ConnectionType string

const (
	WiFi     ConnectionType = "wifi"
	Cellular ConnectionType = "cellular"
	Ethernet ConnectionType = "ethernet"
	None     ConnectionType = "none"
	Unknown  ConnectionType = "unknown"
)

type NetworkState struct {
	Connected      bool           `json:"connected"`
	ConnectionType ConnectionType `json:"connectionType"`
}

// Online is the optimistic state assumed until a signal says otherwise.
var Online = NetworkState{Connected: true, ConnectionType: Unknown}

// Offline is a disconnected state with no link.
var Offline = NetworkState{Connected: false, ConnectionType: None}

// Transition is a change of NetworkState.
type Transition struct {
	Previous NetworkState `json:"previous"`
	Current  NetworkState `json:"current"`
	At       time.Time    `json:"at"`
	Source   string       `json:"source"`
}

// Reconnected reports an offline to online change.
func (t Transition) Reconnected() bool {
	return !t.Previous.Connected && t.Current.Connected
}

// Signal is a source of connectivity information.
type Signal interface {
	Name() string

	// Current returns the state as of now.
	Current(ctx context.Context) (NetworkState, error)

	// Watch streams state changes until ctx is done, then closes the channel.
	Watch(ctx context.Context) (<-chan NetworkState, error)
}
