package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicecommand/internal/command"
	"github.com/loqalabs/loqa-voicecommand/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// EventType names an entry of the session timeline.
type EventType string

const (
	EventSessionStarted  EventType = "session.started"
	EventStreamRestarted EventType = "stream.restarted"
	EventCommandDetected EventType = "command.detected"
	EventSessionFailed   EventType = "session.failed"
	EventSessionStopped  EventType = "session.stopped"
)

// Event is a timeline entry handed to a Recorder.
type Event struct {
	SessionID  string
	Type       EventType
	Command    string
	Confidence float32
	Detail     string
	Time       time.Time
}

// Recorder persists session timeline events.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// Option customizes a Controller.
type Option func(*Controller)

// WithExecutor delivers listener notifications through exec instead of the
// controller's own dispatcher goroutine.
func WithExecutor(exec Executor) Option {
	return func(c *Controller) { c.executor = exec }
}

// WithRecorder journals lifecycle and detection events.
func WithRecorder(rec Recorder) Option {
	return func(c *Controller) { c.recorder = rec }
}

// WithPolicy sets the initial match policy.
func WithPolicy(policy command.Policy) Option {
	return func(c *Controller) { c.policy = policy }
}

// WithMeterProvider records session metrics on provider instead of the
// global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *Controller) { c.meters = provider }
}

// Controller runs voice command sessions against a transcription source.
// Each Controller owns its state; instances do not share anything.
type Controller struct {
	source     stt.Source
	logger     *slog.Logger
	executor   Executor
	dispatcher *Dispatcher
	recorder   Recorder
	meters     metric.MeterProvider
	metrics    *metrics

	mu       sync.Mutex
	state    State
	policy   command.Policy
	listener Listener
	current  *activeSession
}

type activeSession struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	registry  *command.Registry
	matcher   *command.Matcher
	stream    stt.Stream
	onSuccess func()
	onFailure func(ErrorKind)
}

func New(source stt.Source, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		source: source,
		logger: logger.With(slog.String("component", "voice-session")),
		policy: command.DefaultPolicy(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.executor == nil {
		c.dispatcher = NewDispatcher(64)
		c.executor = c.dispatcher
	}
	if c.meters == nil {
		c.meters = otel.GetMeterProvider()
	}
	m, err := newMetrics(c)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	return c
}

// Configure replaces the match policy. Running sessions pick it up on their
// next update.
func (c *Controller) Configure(policy command.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

func (c *Controller) Policy() command.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetListener replaces the listener. nil clears it.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier of the running session, if any.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Start stops any running session and begins a new one with commands. It
// returns immediately; onSuccess or onFailure is invoked from the session
// goroutine once the outcome is known. onFailure may also fire later with
// ErrStreamInterrupted if the session dies.
func (c *Controller) Start(commands []command.Command, onSuccess func(), onFailure func(ErrorKind)) {
	ctx, cancel := context.WithCancel(context.Background())
	active := &activeSession{
		id:        uuid.NewString(),
		ctx:       ctx,
		cancel:    cancel,
		registry:  command.NewRegistry(commands),
		matcher:   command.NewMatcher(),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}

	c.mu.Lock()
	previous := c.current
	var previousStream stt.Stream
	if previous != nil {
		previousStream = previous.detach()
	}
	c.current = active
	c.state = StateStarting
	c.mu.Unlock()

	if previous != nil {
		c.teardown(previous, previousStream)
	}

	c.logger.Info("voice session starting",
		slog.String("session_id", active.id),
		slog.Int("commands", active.registry.Len()))

	go c.run(active)
}

// Stop tears down the running session. It is safe to call at any time and
// more than once. A failed session is moved to Stopped; a controller that
// never started stays Idle. Notifications still queued on the executor when
// Stop returns are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	active := c.current
	if active == nil {
		if c.state == StateFailed {
			c.state = StateStopped
		}
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = StateStopped
	stream := active.detach()
	c.mu.Unlock()

	c.teardown(active, stream)
}

// teardown cancels a session that is no longer current.
func (c *Controller) teardown(a *activeSession, stream stt.Stream) {
	a.cancel()
	if stream != nil {
		stream.Cancel()
	}
	a.matcher.Reset()

	c.record(Event{SessionID: a.id, Type: EventSessionStopped})
	c.logger.Info("voice session stopped", slog.String("session_id", a.id))
}

// detach must be called with the controller lock held.
func (a *activeSession) detach() stt.Stream {
	stream := a.stream
	a.stream = nil
	return stream
}

// Close stops the session and releases the built-in dispatcher.
func (c *Controller) Close() {
	c.Stop()
	c.metrics.close()
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
}

func (c *Controller) run(a *activeSession) {
	if kind, ok := c.prepare(a); !ok {
		if a.ctx.Err() == nil {
			c.fail(a, kind, StateIdle)
		}
		return
	}

	opts := stt.StreamOptions{SessionID: a.id, OnDeviceOnly: c.Policy().OnDeviceOnly}
	stream, err := c.source.OpenStream(a.ctx, opts)
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		c.logger.Warn("failed to open recognition stream", slog.String("session_id", a.id), slogError(err))
		c.fail(a, ErrRecordingPermissionDenied, StateIdle)
		return
	}
	if !c.attach(a, stream) {
		stream.Cancel()
		return
	}

	c.record(Event{SessionID: a.id, Type: EventSessionStarted})
	c.logger.Info("voice session listening", slog.String("session_id", a.id))
	if a.onSuccess != nil {
		a.onSuccess()
	}

	for {
		reason, restart := c.consume(a, stream)
		if !restart {
			return
		}
		if !c.transition(a, StateRestarting) {
			return
		}
		stream.Cancel()

		opts.OnDeviceOnly = c.Policy().OnDeviceOnly
		stream, err = c.source.OpenStream(a.ctx, opts)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			c.logger.Warn("failed to restart recognition stream", slog.String("session_id", a.id), slogError(err))
			c.fail(a, ErrStreamInterrupted, StateFailed)
			return
		}
		if !c.attach(a, stream) {
			stream.Cancel()
			return
		}
		c.metrics.streamRestarted(a.ctx, reason)
		c.record(Event{SessionID: a.id, Type: EventStreamRestarted, Detail: reason})
		c.logger.Debug("recognition stream restarted", slog.String("session_id", a.id), slog.String("reason", reason))
	}
}

// prepare walks the authorization chain of the source.
func (c *Controller) prepare(a *activeSession) (ErrorKind, bool) {
	ctx, span := otel.Tracer(instrumentationName).Start(a.ctx, "voice.session.prepare")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", a.id))

	kind, ok := c.authorize(ctx)
	if !ok {
		span.SetStatus(codes.Error, kind.String())
	}
	return kind, ok
}

func (c *Controller) authorize(ctx context.Context) (ErrorKind, bool) {
	if c.source == nil {
		return ErrRecognizerAbsent, false
	}
	switch status := c.source.RequestAuthorization(ctx); status {
	case stt.AuthorizationAuthorized:
	case stt.AuthorizationDenied:
		return ErrAuthorizationDenied, false
	case stt.AuthorizationRestricted:
		return ErrAuthorizationRestricted, false
	case stt.AuthorizationNotDetermined:
		return ErrAuthorizationNotDetermined, false
	default:
		panic(fmt.Sprintf("session: unknown authorization status %d", int(status)))
	}
	if !c.source.RequestRecordingPermission(ctx) {
		return ErrRecordingPermissionDenied, false
	}
	if !c.source.Available() {
		return ErrRecognizerUnavailable, false
	}
	return 0, true
}

// consume evaluates updates until the stream ends. It reports whether the
// stream should be reopened and why.
func (c *Controller) consume(a *activeSession, stream stt.Stream) (string, bool) {
	for r := range stream.Results() {
		switch {
		case r.Err != nil && r.Update == nil:
			if !c.isCurrent(a) {
				return "", false
			}
			c.logger.Warn("recognition stream failed without result", slog.String("session_id", a.id), slogError(r.Err))
			c.fail(a, ErrStreamInterrupted, StateFailed)
			return "", false
		case r.Err != nil:
			if !c.isCurrent(a) {
				return "", false
			}
			return restartReason(r.Err), true
		case r.Update == nil:
			continue
		case r.Update.Final:
			if !c.isCurrent(a) {
				return "", false
			}
			return "final", true
		default:
			c.evaluate(a, *r.Update)
		}
	}
	if !c.isCurrent(a) {
		return "", false
	}
	c.logger.Warn("recognition stream closed without final result", slog.String("session_id", a.id))
	c.fail(a, ErrStreamInterrupted, StateFailed)
	return "", false
}

// evaluate matches update while holding the controller lock so a stopped
// session can never deliver a late match.
func (c *Controller) evaluate(a *activeSession, update stt.Update) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	policy := c.policy
	listener := c.listener
	detected := a.matcher.Evaluate(update, policy, a.registry)
	c.mu.Unlock()

	for _, cmd := range detected {
		c.metrics.commandDetected(a.ctx, policyLabel(policy))
		c.record(Event{SessionID: a.id, Type: EventCommandDetected, Command: cmd.Text, Confidence: update.Confidence})
		c.logger.Debug("voice command detected", slog.String("session_id", a.id), slog.String("command", cmd.Text))
		if listener == nil {
			continue
		}
		c.executor.Execute(func() {
			if c.isCurrent(a) {
				listener.CommandDetected(cmd)
			}
		})
	}
}

func (c *Controller) isCurrent(a *activeSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a
}

func (c *Controller) attach(a *activeSession, stream stt.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return false
	}
	a.stream = stream
	c.state = StateListening
	return true
}

func (c *Controller) transition(a *activeSession, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return false
	}
	c.state = state
	return true
}

func (c *Controller) fail(a *activeSession, kind ErrorKind, state State) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = state
	stream := a.detach()
	c.mu.Unlock()

	a.cancel()
	if stream != nil {
		stream.Cancel()
	}
	a.matcher.Reset()

	c.metrics.sessionFailed(context.Background(), kind)
	c.record(Event{SessionID: a.id, Type: EventSessionFailed, Detail: kind.String()})
	c.logger.Warn("voice session failed", slog.String("session_id", a.id), slog.String("kind", kind.String()))
	if a.onFailure != nil {
		a.onFailure(kind)
	}
}

func (c *Controller) record(evt Event) {
	if c.recorder == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.recorder.Record(ctx, evt)
}

func restartReason(err error) string {
	if errors.Is(err, stt.ErrSegmentExpired) {
		return "expired"
	}
	return "error"
}

func policyLabel(p command.Policy) string {
	switch {
	case p.OnDeviceOnly && p.AcceptsFirstRecognition:
		return "on_device_first"
	case p.OnDeviceOnly:
		return "on_device_threshold"
	case p.AcceptsFirstRecognition:
		return "cooldown"
	default:
		return "threshold"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
