package relay

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
)

// EventKind is the category of an Event.
type EventKind string

const (
	KindConnectionOpened    EventKind = "connection.opened"
	KindConnectionClosing   EventKind = "connection.closing"
	KindConnectionClosed    EventKind = "connection.closed"
	KindConnectionRecovered EventKind = "connection.recovered"
	KindConnectionError     EventKind = "connection.error"
	KindReconnecting        EventKind = "connection.reconnecting"
	KindTokenExpired        EventKind = "token.expired"
	KindDisconnectRequested EventKind = "disconnect.requested"
	KindDomain              EventKind = "domain"
	KindOnline              EventKind = "connection.online"
	KindOffline             EventKind = "connection.offline"
)

// Event is delivered to listeners. Switch on the concrete type:
//
//	switch ev := ev.(type) {
//	case relay.DomainEvent:
//	case relay.ConnectionRecoveredEvent:
//	}
type Event interface {
	Kind() EventKind
}

// ConnectionOpenedEvent is emitted when the transport finished its handshake.
// The session is still Connecting until the ack arrives.
type ConnectionOpenedEvent struct {
	URL string
}

// ConnectionClosingEvent is emitted when the server started closing the
// transport.
type ConnectionClosingEvent struct {
	Code   int
	Reason string
}

// ConnectionClosedEvent is emitted when the transport closed, either
// abnormally or at the end of an explicit disconnect.
type ConnectionClosedEvent struct {
	Code   int
	Reason string
}

// ConnectionRecoveredEvent is emitted when the ack arrives and the session
// becomes Connected.
type ConnectionRecoveredEvent struct {
	ConnectionID string
	User         User
}

// ConnectionErrorEvent reports a non-fatal problem: a server error frame, a
// malformed frame, a transport failure or a stale connection.
type ConnectionErrorEvent struct {
	Code    int
	Message string
	Err     error
}

// ReconnectingEvent is emitted when a reconnect timer is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// TokenExpiredEvent is emitted when the server rejects the session token.
// The session will not reconnect on its own; call Connect again with a fresh
// token.
type TokenExpiredEvent struct {
	Message string
}

// DisconnectRequestedEvent is emitted when Disconnect begins teardown.
type DisconnectRequestedEvent struct{}

// DomainEvent is any inbound frame that is neither the ack nor an error.
type DomainEvent struct {
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the raw frame into v.
func (e DomainEvent) Decode(v any) error {
	return sonic.ConfigStd.Unmarshal(e.Payload, v)
}

// OnlineEvent is emitted when the session becomes healthy.
type OnlineEvent struct{}

// OfflineEvent is emitted when the session stayed unhealthy for longer than
// the offline debounce.
type OfflineEvent struct{}

func (ConnectionOpenedEvent) Kind() EventKind    { return KindConnectionOpened }
func (ConnectionClosingEvent) Kind() EventKind   { return KindConnectionClosing }
func (ConnectionClosedEvent) Kind() EventKind    { return KindConnectionClosed }
func (ConnectionRecoveredEvent) Kind() EventKind { return KindConnectionRecovered }
func (ConnectionErrorEvent) Kind() EventKind     { return KindConnectionError }
func (ReconnectingEvent) Kind() EventKind        { return KindReconnecting }
func (TokenExpiredEvent) Kind() EventKind        { return KindTokenExpired }
func (DisconnectRequestedEvent) Kind() EventKind { return KindDisconnectRequested }
func (DomainEvent) Kind() EventKind              { return KindDomain }
func (OnlineEvent) Kind() EventKind              { return KindOnline }
func (OfflineEvent) Kind() EventKind             { return KindOffline }
