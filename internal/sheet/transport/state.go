package transport

import "time"

// State is the position of the realtime transport state machine.
type State int

const (
	// StatePollingOnly means only the poll loop keeps the store fresh.
	StatePollingOnly State = iota
	// StateAttemptingPush means the first push subscription is being set up.
	StateAttemptingPush
	// StatePushConnected means a push subscription is open.
	StatePushConnected
	// StatePushReconnecting means the subscription dropped and a retry is scheduled.
	StatePushReconnecting
	// StatePushDisabled means push gave up for this session; polling continues.
	StatePushDisabled
)

func (s State) String() string {
	switch s {
	case StatePollingOnly:
		return "polling_only"
	case StateAttemptingPush:
		return "attempting_push"
	case StatePushConnected:
		return "push_connected"
	case StatePushReconnecting:
		return "push_reconnecting"
	case StatePushDisabled:
		return "push_disabled"
	default:
		return "unknown"
	}
}

// pushCapable reports whether the session should reconnect after being hidden.
func (s State) pushCapable() bool {
	return s == StateAttemptingPush || s == StatePushConnected || s == StatePushReconnecting
}

// ConnectionState is the user-facing summary of the transport.
type ConnectionState int

const (
	// Disconnected means no push subscription is open or the view is hidden.
	Disconnected ConnectionState = iota
	// Connecting means a push subscription is being established.
	Connecting
	// Connected means a push subscription is open.
	Connected
	// Error means the subscription dropped and is being retried.
	Error
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// connectionState maps a machine state onto what the user sees. A disabled
// push channel shows as disconnected, not as an error: polling carries on.
func connectionState(s State, visible bool) ConnectionState {
	if !visible {
		return Disconnected
	}
	switch s {
	case StateAttemptingPush:
		return Connecting
	case StatePushConnected:
		return Connected
	case StatePushReconnecting:
		return Error
	default:
		return Disconnected
	}
}

// Backoff returns min(base*2^attempt, ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
