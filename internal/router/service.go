package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/bus"
	"github.com/loqalabs/loqa-voicecommand/internal/command"
	"github.com/loqalabs/loqa-voicecommand/internal/commandset"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/loqalabs/loqa-voicecommand/internal/protocol"
	"github.com/loqalabs/loqa-voicecommand/internal/session"
	"github.com/nats-io/nats.go"
)

// Controller is the part of session.Controller the router drives.
type Controller interface {
	Start(commands []command.Command, onSuccess func(), onFailure func(session.ErrorKind))
	Stop()
	SessionID() string
	State() session.State
}

// Service fans detected commands out on the bus and accepts remote
// start/stop requests for the voice session.
type Service struct {
	cfg     config.RouterConfig
	runtime string
	bus     *bus.Client
	ctrl    Controller
	logger  *slog.Logger

	mu       sync.RWMutex
	commands []command.Command
	subjects map[string]string

	subControl *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewService(parent context.Context, cfg config.RouterConfig, runtime string, busClient *bus.Client, ctrl Controller, set commandset.Manifest, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		runtime:  runtime,
		bus:      busClient,
		ctrl:     ctrl,
		commands: set.Commands(),
		subjects: set.Subjects(),
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		return err
	}
	s.subControl = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subControl != nil {
		_ = s.subControl.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.subControl != nil
}

// Reload swaps the command set. A running session is restarted so the new
// registry takes effect immediately.
func (s *Service) Reload(set commandset.Manifest) {
	s.mu.Lock()
	s.commands = set.Commands()
	s.subjects = set.Subjects()
	s.mu.Unlock()

	if s.ctrl.State().Active() {
		s.logger.Info("restarting voice session with reloaded commands", slog.Int("commands", len(set.Entries)))
		s.StartSession()
	}
}

// Commands returns the command texts the router starts sessions with.
func (s *Service) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.commands))
	for _, cmd := range s.commands {
		out = append(out, cmd.Text)
	}
	return out
}

// StartSession begins listening with the configured commands and reports the
// outcome on the status subject.
func (s *Service) StartSession() {
	s.mu.RLock()
	commands := s.commands
	s.mu.RUnlock()
	s.ctrl.Start(commands,
		func() {
			s.publishStatus(protocol.SessionStatus{SessionID: s.ctrl.SessionID(), State: session.StateListening.String()})
		},
		func(kind session.ErrorKind) {
			s.logger.Warn("voice session failed", slog.String("kind", kind.String()))
			s.publishStatus(protocol.SessionStatus{
				State:   s.ctrl.State().String(),
				Error:   kind.String(),
				Message: kind.Error(),
			})
		})
}

// StopSession stops listening and reports it on the status subject.
func (s *Service) StopSession() {
	id := s.ctrl.SessionID()
	s.ctrl.Stop()
	s.publishStatus(protocol.SessionStatus{SessionID: id, State: s.ctrl.State().String()})
}

// CommandDetected implements session.Listener.
func (s *Service) CommandDetected(cmd command.Command) {
	if !s.cfg.Enabled {
		return
	}
	evt := protocol.CommandDetected{
		SessionID: s.ctrl.SessionID(),
		Runtime:   s.runtime,
		Command:   cmd.Text,
		Privacy:   s.cfg.Privacy,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(s.cfg.Subject, evt); err != nil {
		s.logger.Warn("router failed to publish command", slog.String("command", cmd.Text), slogError(err))
	}
	s.mu.RLock()
	subject, ok := s.subjects[cmd.Key()]
	s.mu.RUnlock()
	if ok {
		if err := s.bus.PublishJSON(subject, evt); err != nil {
			s.logger.Warn("router failed to publish command", slog.String("subject", subject), slogError(err))
		}
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode session control", slogError(err))
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	switch req.Action {
	case "start":
		s.StartSession()
	case "stop":
		s.StopSession()
	default:
		s.logger.Warn("router received unknown session action", slog.String("action", req.Action))
	}
}

func (s *Service) publishStatus(status protocol.SessionStatus) {
	status.Runtime = s.runtime
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectSessionStatus, status); err != nil {
		s.logger.Warn("router failed to publish session status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
