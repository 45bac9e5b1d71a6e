package relay

import "time"

// StateKind names a ConnectionState variant.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ConnectionState is the state of a realtime session. Exactly one of
// Disconnected, Connecting, Connected, Reconnecting or Disconnecting.
type ConnectionState interface {
	Kind() StateKind
}

// Disconnected is the resting state: no transport, no timers.
type Disconnected struct{}

// Connecting means a transport handshake is in flight and the ack has not
// arrived yet.
type Connecting struct {
	User  User
	Token string
}

// Connected means the server acknowledged the connection.
type Connected struct {
	ConnectionID string
	User         User
	LastEventAt  time.Time
}

// Reconnecting means the transport was torn down and a reconnect timer is
// pending.
type Reconnecting struct {
	ConsecutiveFailures int
	NextAttemptAt       time.Time
}

// Disconnecting means the caller requested teardown.
type Disconnecting struct{}

func (Disconnected) Kind() StateKind  { return StateDisconnected }
func (Connecting) Kind() StateKind    { return StateConnecting }
func (Connected) Kind() StateKind     { return StateConnected }
func (Reconnecting) Kind() StateKind  { return StateReconnecting }
func (Disconnecting) Kind() StateKind { return StateDisconnecting }
