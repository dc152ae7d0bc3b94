package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Segment    string    `json:"segment,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// StreamRequest asks recognizers on the bus to begin a transcription segment.
type StreamRequest struct {
	SessionID    string    `json:"session_id"`
	StreamID     string    `json:"stream_id"`
	OnDeviceOnly bool      `json:"on_device_only"`
	Timestamp    time.Time `json:"timestamp"`
}

// CommandDetected is published whenever a registered voice command fires.
type CommandDetected struct {
	SessionID string    `json:"session_id"`
	Runtime   string    `json:"runtime"`
	Command   string    `json:"command"`
	Privacy   string    `json:"privacy_scope,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionControl asks the voice runtime to start or stop listening.
type SessionControl struct {
	Action string `json:"action"` // start, stop
}

// SessionStatus reports the outcome of a session lifecycle change.
type SessionStatus struct {
	SessionID string    `json:"session_id,omitempty"`
	Runtime   string    `json:"runtime"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectStreamOpen        = "stt.stream.open"
	SubjectCommandDetected   = "voice.command.detected"
	SubjectSessionControl    = "voice.session.control"
	SubjectSessionStatus     = "voice.session.status"
)
