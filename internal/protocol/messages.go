package protocol

import "time"

// SessionEvent is the bus payload describing a voice session lifecycle change.
type SessionEvent struct {
	ID         string    `json:"id"`
	ConsultID  string    `json:"consult_id"`
	Type       string    `json:"type"`
	Generation uint64    `json:"generation"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IngestAck is the reply to a request on SubjectConsultIngest. The request body
// is one upstream message payload.
type IngestAck struct {
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectSessionEventPrefix = "voice.session"
	SubjectConsultIngest      = "consult.ingest"
)

// SessionSubject returns the subject a session event of eventType is published on.
func SessionSubject(eventType string) string {
	return SubjectSessionEventPrefix + "." + eventType
}
