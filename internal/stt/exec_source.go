package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecSource drives a platform speech helper process. The helper answers
// one-shot subcommands (authorize, record-permission, available) on stdout
// and streams JSON lines for the stream subcommand.
type ExecSource struct {
	cmd          []string
	cfg          config.SourceConfig
	logger       *slog.Logger
	probeTimeout time.Duration
}

const defaultProbeTimeout = 5 * time.Second

type execLine struct {
	Segment    string  `json:"segment"`
	Transcript string  `json:"transcript"`
	Confidence float32 `json:"confidence"`
	Final      bool    `json:"final"`
	Error      string  `json:"error,omitempty"`
}

func NewExecSource(cfg config.SourceConfig, logger *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse source command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("source command is empty")
	}
	return &ExecSource{
		cmd:          args,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "stt-exec-source")),
		probeTimeout: defaultProbeTimeout,
	}, nil
}

func (s *ExecSource) command(ctx context.Context, sub string, extra ...string) *exec.Cmd {
	args := append([]string{}, s.cmd[1:]...)
	args = append(args, sub)
	if s.cfg.Language != "" {
		args = append(args, "--language", s.cfg.Language)
	}
	args = append(args, extra...)
	return exec.CommandContext(ctx, s.cmd[0], args...)
}

func (s *ExecSource) output(ctx context.Context, sub string) (string, error) {
	cmd := s.command(ctx, sub)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("helper %s failed: %w: %s", sub, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (s *ExecSource) RequestAuthorization(ctx context.Context) AuthorizationStatus {
	out, err := s.output(ctx, "authorize")
	if err != nil {
		s.logger.Warn("authorization request failed", slogError(err))
		return AuthorizationNotDetermined
	}
	status, ok := ParseAuthorizationStatus(out)
	if !ok {
		s.logger.Error("helper returned unknown authorization status", slog.String("status", out))
	}
	return status
}

func (s *ExecSource) RequestRecordingPermission(ctx context.Context) bool {
	out, err := s.output(ctx, "record-permission")
	if err != nil {
		s.logger.Warn("recording permission request failed", slogError(err))
		return false
	}
	return out == "granted"
}

// Available probes the helper. A helper that does not answer within the probe
// timeout counts as unavailable.
func (s *ExecSource) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()
	_, err := s.output(ctx, "available")
	if err != nil {
		s.logger.Warn("speech helper unavailable", slogError(err))
	}
	return err == nil
}

func (s *ExecSource) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	var extra []string
	if opts.OnDeviceOnly {
		extra = append(extra, "--on-device")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	cmd := s.command(streamCtx, "stream", extra...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start helper stream: %w", err)
	}

	stream := &execStream{
		results: make(chan Result, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer cancel()
		defer close(stream.results)
		terminal := stream.read(bufio.NewScanner(stdout), s.logger)
		waitErr := cmd.Wait()
		if terminal || stream.cancelled() {
			return
		}
		if waitErr != nil {
			stream.emit(Result{Err: fmt.Errorf("helper stream exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))})
			return
		}
		stream.emit(Result{Err: ErrStreamClosed})
	}()
	return stream, nil
}

type execStream struct {
	results chan Result
	done    chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
}

func (s *execStream) Results() <-chan Result { return s.results }

func (s *execStream) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

func (s *execStream) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *execStream) emit(r Result) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		return false
	}
}

// read forwards helper lines until a terminal result. It reports whether a
// terminal result was delivered.
func (s *execStream) read(scanner *bufio.Scanner, logger *slog.Logger) bool {
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("failed to decode helper line", slogError(err))
			continue
		}
		var update *Update
		if msg.Transcript != "" || msg.Segment != "" || msg.Final {
			update = &Update{
				Segment:    msg.Segment,
				Transcript: msg.Transcript,
				Confidence: msg.Confidence,
				Final:      msg.Final,
			}
		}
		if msg.Error != "" {
			s.emit(Result{Update: update, Err: errors.New(msg.Error)})
			s.drain(scanner)
			return true
		}
		if update == nil {
			continue
		}
		if !s.emit(Result{Update: update}) {
			return false
		}
		if update.Final {
			s.drain(scanner)
			return true
		}
	}
	return false
}

func (s *execStream) drain(scanner *bufio.Scanner) {
	s.cancel()
	for scanner.Scan() {
	}
}
