package eventstore

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-voicecommand/internal/session"
)

// Journal records controller timeline events in the store.
type Journal struct {
	store   *Store
	runtime string
	privacy string
	log     *slog.Logger
}

func NewJournal(store *Store, runtime, privacy string, log *slog.Logger) *Journal {
	return &Journal{
		store:   store,
		runtime: runtime,
		privacy: privacy,
		log:     log.With(slog.String("component", "voice-journal")),
	}
}

// Record implements session.Recorder. Storage failures are logged, never
// propagated into the session.
func (j *Journal) Record(ctx context.Context, evt session.Event) {
	if j == nil || j.store == nil {
		return
	}
	if err := j.store.AppendSession(ctx, evt.SessionID, j.runtime, j.privacy); err != nil {
		j.log.Warn("failed to record session", slog.String("session_id", evt.SessionID), slog.String("error", err.Error()))
		return
	}
	err := j.store.AppendEvent(ctx, Event{
		SessionID:  evt.SessionID,
		Type:       string(evt.Type),
		Command:    evt.Command,
		Confidence: float64(evt.Confidence),
		Detail:     evt.Detail,
		Privacy:    j.privacy,
		CreatedAt:  evt.Time,
	})
	if err != nil {
		j.log.Warn("failed to record session event",
			slog.String("session_id", evt.SessionID),
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()))
	}
}
