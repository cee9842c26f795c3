package session

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrAuthTimeout   = errors.New("timed out waiting for authorize acknowledgment")

	// ErrAuthRejected is terminal: the session closes and is not retried.
	ErrAuthRejected = errors.New("authorization rejected by exchange")
)

// State is the lifecycle phase of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // wss:// endpoint
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// Config configures a Session.
type Config struct {
	WSURL              string
	HandshakeTimeout   time.Duration
	AuthTimeout        time.Duration // Wait for the authorize acknowledgment
	PingInterval       time.Duration // Keep-alive cadence while Active
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	WriteTimeout       time.Duration
	ReadBufferSize     int
}

// DefaultConfig returns sensible defaults for everything but the URL.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		AuthTimeout:        10 * time.Second,
		PingInterval:       25 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadBufferSize:     1000,
	}
}
