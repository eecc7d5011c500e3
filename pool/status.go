package pool

import "time"

// EndpointState is the connection state of a single upstream relay. The
// connection goroutine is the only writer; admin and health snapshots read
// it under the connection mutex.
type EndpointState int

const (
	StateDisconnected EndpointState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateUnhealthy
	StateRemoved
)

func (s EndpointState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateUnhealthy:
		return "unhealthy"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form so status payloads are
// readable without a decoder ring.
func (s EndpointState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// EndpointStatus is a point-in-time snapshot of one relay connection,
// served by the admin API.
type EndpointStatus struct {
	URL                 string        `json:"url"`
	State               EndpointState `json:"state"`
	StateSince          time.Time     `json:"state_since"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastInbound         time.Time     `json:"last_inbound"`
	EventsReceived      int64         `json:"events_received"`
	InvalidSignatures   int64         `json:"invalid_signatures"`
	RateLimited         int64         `json:"rate_limited"`
	Reconnects          int64         `json:"reconnects"`
}
