package relay

import "github.com/yanun0323/errors"

// Connection lifecycle errors returned by RealtimeClient.
var (
	ErrAlreadyConnected = errors.New("relay: connect called while a session is active")
	ErrNotConnected     = errors.New("relay: not connected")
	ErrConnectCanceled  = errors.New("relay: connect canceled by disconnect")
	ErrTokenFetch       = errors.New("relay: token fetch failed")
	ErrInvalidUser      = errors.New("relay: user id is required")
	ErrNilTokenSource   = errors.New("relay: nil token source")
)

// Errors carried by ConnectionErrorEvent.
var (
	ErrMalformedFrame   = errors.New("relay: malformed frame")
	ErrStaleConnection  = errors.New("relay: no inbound frame within staleness threshold")
	ErrServerError      = errors.New("relay: server error frame")
	ErrDispatcherClosed = errors.New("relay: dispatcher closed")
	ErrListenerPanic    = errors.New("relay: listener panicked")
)
