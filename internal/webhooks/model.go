package webhooks

import "time"

// Event types dispatched by the recorder.
const (
	EventSessionSealed = "session.sealed"
	EventSessionFailed = "session.failed"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Echo-Signature"

// Subscription is one configured receiver. An empty Events list receives
// every event.
type Subscription struct {
	URL    string   `json:"url"    mapstructure:"url"`
	Events []string `json:"events" mapstructure:"events"`
	Secret string   `json:"-"      mapstructure:"secret"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Event is the delivered body.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	URL          string
	EventType    string
	StatusCode   int
	Attempt      int
	Success      bool
	ErrorMessage string
}
