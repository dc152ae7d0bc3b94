package session

import "fmt"

// State is the lifecycle state of a Controller.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateRestarting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a session is in flight.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateListening, StateRestarting:
		return true
	default:
		return false
	}
}

// ErrorKind classifies why a session could not start or could not continue.
type ErrorKind int

const (
	ErrRecognizerAbsent ErrorKind = iota + 1
	ErrRecognizerUnavailable
	ErrAuthorizationDenied
	ErrAuthorizationRestricted
	ErrAuthorizationNotDetermined
	ErrRecordingPermissionDenied
	ErrStreamInterrupted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRecognizerAbsent:
		return "recognizer_absent"
	case ErrRecognizerUnavailable:
		return "recognizer_unavailable"
	case ErrAuthorizationDenied:
		return "authorization_denied"
	case ErrAuthorizationRestricted:
		return "authorization_restricted"
	case ErrAuthorizationNotDetermined:
		return "authorization_not_determined"
	case ErrRecordingPermissionDenied:
		return "recording_permission_denied"
	case ErrStreamInterrupted:
		return "stream_interrupted"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

func (k ErrorKind) Error() string {
	switch k {
	case ErrRecognizerAbsent:
		return "can't initialize speech recognizer"
	case ErrRecognizerUnavailable:
		return "recognizer is unavailable, make sure speech recognition is enabled"
	case ErrAuthorizationDenied:
		return "not authorized to recognize speech: user denied access to speech recognition"
	case ErrAuthorizationRestricted:
		return "not authorized to recognize speech: speech recognition restricted on this device"
	case ErrAuthorizationNotDetermined:
		return "not authorized to recognize speech: speech recognition not yet authorized"
	case ErrRecordingPermissionDenied:
		return "not permitted to record audio: user denied access to microphone"
	case ErrStreamInterrupted:
		return "recognition stream ended without a result and could not be resumed"
	default:
		return k.String()
	}
}
