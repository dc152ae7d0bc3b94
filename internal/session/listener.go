package session

import (
	"weak"

	"github.com/loqalabs/loqa-voicecommand/internal/command"
)

// Listener receives detected commands.
type Listener interface {
	CommandDetected(cmd command.Command)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(cmd command.Command)

func (f ListenerFunc) CommandDetected(cmd command.Command) { f(cmd) }

// Weak wraps target so the controller does not keep it reachable. Once target
// is collected, notifications are dropped.
func Weak[T any, P interface {
	*T
	Listener
}](target P) Listener {
	return &weakListener[T, P]{ptr: weak.Make((*T)(target))}
}

type weakListener[T any, P interface {
	*T
	Listener
}] struct {
	ptr weak.Pointer[T]
}

func (w *weakListener[T, P]) CommandDetected(cmd command.Command) {
	if target := w.ptr.Value(); target != nil {
		P(target).CommandDetected(cmd)
	}
}
