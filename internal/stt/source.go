package stt

import (
	"context"
	"errors"
)

// AuthorizationStatus mirrors the platform's speech-recognition authorization states.
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationDenied
	AuthorizationRestricted
	AuthorizationAuthorized
)

// AuthorizationUnknown reports a status outside the platform's set. Sessions
// treat it as a broken source contract.
const AuthorizationUnknown AuthorizationStatus = -1

func (s AuthorizationStatus) String() string {
	switch s {
	case AuthorizationNotDetermined:
		return "not_determined"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// ParseAuthorizationStatus maps the textual form produced by String.
func ParseAuthorizationStatus(text string) (AuthorizationStatus, bool) {
	switch text {
	case "not_determined":
		return AuthorizationNotDetermined, true
	case "denied":
		return AuthorizationDenied, true
	case "restricted":
		return AuthorizationRestricted, true
	case "authorized":
		return AuthorizationAuthorized, true
	}
	return AuthorizationUnknown, false
}

// Update is one incremental transcription result.
type Update struct {
	// Segment is the most recently recognized word.
	Segment string `json:"segment"`
	// Transcript is the best transcription of the whole segment so far.
	Transcript string `json:"transcript"`
	// Confidence of Segment in [0,1]. 0 means not estimated.
	Confidence float32 `json:"confidence"`
	Final      bool    `json:"final"`
}

// Result is delivered by a Stream. A terminal result is either a Final
// update or one carrying Err; Update may be nil when Err is set.
type Result struct {
	Update *Update
	Err    error
}

// StreamOptions configures a transcription segment.
type StreamOptions struct {
	SessionID    string
	OnDeviceOnly bool
}

// Stream is one recognition segment. Results is closed after a terminal
// result or after Cancel.
type Stream interface {
	Results() <-chan Result
	Cancel()
}

// Source abstracts the speech recognizer.
type Source interface {
	RequestAuthorization(ctx context.Context) AuthorizationStatus
	RequestRecordingPermission(ctx context.Context) bool
	Available() bool
	OpenStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

var (
	// ErrSegmentExpired reports that a segment hit the recognizer's time cap.
	ErrSegmentExpired = errors.New("recognition segment expired")
	// ErrStreamClosed reports that a stream ended without a final result.
	ErrStreamClosed = errors.New("recognition stream closed")
)
