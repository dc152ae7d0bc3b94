package stt

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedSource replays prepared results, one script per opened stream.
// Once the scripts run out, streams stay open and silent until cancelled.
type ScriptedSource struct {
	Authorization   AuthorizationStatus
	RecordingDenied bool
	Unavailable     bool
	OpenErr         error
	Scripts         [][]Result
	Interval        time.Duration

	mu      sync.Mutex
	opened  int
	options []StreamOptions
}

// NewMockSource builds a source that speaks each phrase word by word with a
// zero confidence, the way an on-device recognizer reports partial results.
func NewMockSource(phrases []string, interval time.Duration) *ScriptedSource {
	src := &ScriptedSource{Authorization: AuthorizationAuthorized, Interval: interval}
	for _, phrase := range phrases {
		var script []Result
		words := strings.Fields(phrase)
		for i, word := range words {
			script = append(script, Result{Update: &Update{
				Segment:    word,
				Transcript: strings.Join(words[:i+1], " "),
			}})
		}
		script = append(script, Result{Update: &Update{Transcript: phrase, Final: true}})
		src.Scripts = append(src.Scripts, script)
	}
	return src
}

func (s *ScriptedSource) RequestAuthorization(context.Context) AuthorizationStatus {
	return s.Authorization
}

func (s *ScriptedSource) RequestRecordingPermission(context.Context) bool {
	return !s.RecordingDenied
}

func (s *ScriptedSource) Available() bool {
	return !s.Unavailable
}

func (s *ScriptedSource) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	var script []Result
	if s.opened < len(s.Scripts) {
		script = s.Scripts[s.opened]
	}
	s.opened++
	s.options = append(s.options, opts)

	stream := &scriptedStream{
		results: make(chan Result),
		done:    make(chan struct{}),
	}
	go stream.play(ctx, script, s.Interval)
	return stream, nil
}

// Opened reports how many streams have been opened so far.
func (s *ScriptedSource) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Options returns the options of every opened stream.
func (s *ScriptedSource) Options() []StreamOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamOptions(nil), s.options...)
}

type scriptedStream struct {
	results chan Result
	done    chan struct{}
	once    sync.Once
}

func (s *scriptedStream) Results() <-chan Result { return s.results }

func (s *scriptedStream) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *scriptedStream) play(ctx context.Context, script []Result, interval time.Duration) {
	defer close(s.results)
	for _, r := range script {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.results <- r:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if r.Err != nil || (r.Update != nil && r.Update.Final) {
			return
		}
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
