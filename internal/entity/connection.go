package entity

import "time"

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "DISCONNECTED"
	case ConnectionStateConnecting:
		return "CONNECTING"
	case ConnectionStateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionConfig describes a single gateway session. It is copied by value
// into the connection manager and never mutated afterwards.
type ConnectionConfig struct {
	Host         string
	Port         int
	ClientID     int
	Timeout      time.Duration
	ReadOnly     bool
	MaxAttempts  int
	RetryBackoff time.Duration
}

type StatusCallback func(connected bool)

type StatusCallbackID uint64

type ConnectionStatusEvent struct {
	SessionID  string    `json:"session_id"`
	ClientID   int       `json:"client_id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Connected  bool      `json:"connected"`
	State      string    `json:"state"`
	OccurredAt time.Time `json:"occurred_at"`
}
