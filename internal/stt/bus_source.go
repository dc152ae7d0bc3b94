package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicecommand/internal/bus"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/loqalabs/loqa-voicecommand/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource reads transcripts published by recognizers on the bus.
type BusSource struct {
	cfg    config.SourceConfig
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusSource(cfg config.SourceConfig, busClient *bus.Client, logger *slog.Logger) *BusSource {
	return &BusSource{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "stt-bus-source")),
	}
}

// RequestAuthorization always succeeds; bus recognizers authorize on their own device.
func (s *BusSource) RequestAuthorization(context.Context) AuthorizationStatus {
	return AuthorizationAuthorized
}

func (s *BusSource) RequestRecordingPermission(context.Context) bool {
	return true
}

func (s *BusSource) Available() bool {
	return s.bus.Healthy()
}

func (s *BusSource) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	if !s.bus.Healthy() {
		return nil, errors.New("bus not connected")
	}
	msgs := make(chan *nats.Msg, 64)
	stream := &busStream{
		results: make(chan Result, 1),
		done:    make(chan struct{}),
		msgs:    msgs,
		filter:  s.cfg.SessionFilter,
		logger:  s.logger,
	}
	for _, subject := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal} {
		sub, err := s.bus.Conn().ChanSubscribe(subject, msgs)
		if err != nil {
			stream.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		stream.subs = append(stream.subs, sub)
	}

	req := protocol.StreamRequest{
		SessionID:    opts.SessionID,
		StreamID:     uuid.NewString(),
		OnDeviceOnly: opts.OnDeviceOnly,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectStreamOpen, req); err != nil {
		stream.unsubscribe()
		return nil, fmt.Errorf("publish stream request: %w", err)
	}

	limit := time.Duration(s.cfg.SegmentLimitMS) * time.Millisecond
	go stream.run(ctx, limit)
	return stream, nil
}

type busStream struct {
	results chan Result
	done    chan struct{}
	once    sync.Once
	msgs    chan *nats.Msg
	subs    []*nats.Subscription
	filter  string
	logger  *slog.Logger
}

func (s *busStream) Results() <-chan Result { return s.results }

func (s *busStream) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *busStream) run(ctx context.Context, limit time.Duration) {
	defer close(s.results)
	defer s.unsubscribe()

	var expired <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		expired = timer.C
	}

	var last *Update
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.emit(Result{Err: ctx.Err()})
			return
		case <-expired:
			final := Update{Final: true}
			if last != nil {
				final = *last
				final.Final = true
			}
			s.emit(Result{Update: &final, Err: ErrSegmentExpired})
			return
		case msg := <-s.msgs:
			var transcript protocol.Transcript
			if err := json.Unmarshal(msg.Data, &transcript); err != nil {
				s.logger.Warn("failed to decode transcript", slogError(err))
				continue
			}
			if s.filter != "" && transcript.SessionID != s.filter {
				continue
			}
			update := updateFromTranscript(transcript)
			if !s.emit(Result{Update: &update}) || update.Final {
				return
			}
			last = &update
		}
	}
}

func (s *busStream) emit(r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

func (s *busStream) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func updateFromTranscript(t protocol.Transcript) Update {
	segment := t.Segment
	if segment == "" {
		if fields := strings.Fields(t.Text); len(fields) > 0 {
			segment = fields[len(fields)-1]
		}
	}
	return Update{
		Segment:    segment,
		Transcript: t.Text,
		Confidence: float32(t.Confidence),
		Final:      !t.Partial,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
