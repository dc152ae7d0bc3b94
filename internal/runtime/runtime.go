package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/bus"
	"github.com/loqalabs/loqa-voicecommand/internal/command"
	"github.com/loqalabs/loqa-voicecommand/internal/commandset"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/loqalabs/loqa-voicecommand/internal/eventstore"
	"github.com/loqalabs/loqa-voicecommand/internal/natsserver"
	"github.com/loqalabs/loqa-voicecommand/internal/presence"
	"github.com/loqalabs/loqa-voicecommand/internal/router"
	"github.com/loqalabs/loqa-voicecommand/internal/session"
	"github.com/loqalabs/loqa-voicecommand/internal/stt"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	controller *session.Controller
	router     *router.Service
	presence   *presence.Tracker
	watcher    *commandset.Watcher
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	set, err := loadCommandSet(r.cfg.Commands)
	if err != nil {
		return err
	}

	tel, err := newTelemetry(r.cfg, set, os.Stdout, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	metricsHandler := tel.handler

	if err := r.startServices(ctx, set); err != nil {
		r.stopServices()
		_ = tel.shutdown(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /runtimes", r.handleRuntimes)
	mux.HandleFunc("GET /policy", r.handleGetPolicy)
	mux.HandleFunc("PUT /policy", r.handlePutPolicy)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.Source.AutoStart {
		r.router.StartSession()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("source", r.cfg.Source.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context, set commandset.Manifest) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if err := store.Ensure(); err != nil {
		return err
	}

	source, err := r.newSource(set)
	if err != nil {
		return err
	}

	journal := eventstore.NewJournal(store, r.cfg.RuntimeName, r.cfg.Router.Privacy, r.logger)
	r.controller = session.New(source, r.logger,
		session.WithRecorder(journal),
		session.WithPolicy(policyFromConfig(r.cfg.Matching)),
		session.WithMeterProvider(r.telemetry.meters),
	)

	r.router = router.NewService(ctx, r.cfg.Router, r.cfg.RuntimeName, client, r.controller, set, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	r.controller.SetListener(session.Weak(r.router))

	if r.cfg.Presence.Enabled {
		tracker, err := presence.Start(ctx, r.cfg.Presence, client, func() presence.Status {
			return presence.Status{
				Runtime:  r.cfg.RuntimeName,
				Source:   r.cfg.Source.Mode,
				Commands: r.router.Commands(),
				State:    r.controller.State().String(),
			}
		}, r.logger, presence.WithMeterProvider(r.telemetry.meters))
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = tracker
	}

	if r.cfg.Commands.Watch && len(r.cfg.Commands.Inline) == 0 {
		debounce := time.Duration(r.cfg.Commands.WatchDebounceMS) * time.Millisecond
		watcher, err := commandset.Watch(r.cfg.Commands.Path, debounce, r.reloadCommands, r.logger)
		if err != nil {
			return fmt.Errorf("watch command manifest: %w", err)
		}
		r.watcher = watcher
	}

	r.logger.Info("voice services ready",
		slog.String("commands", set.Metadata.Name),
		slog.Int("count", len(set.Entries)))
	return nil
}

func (r *Runtime) reloadCommands(set commandset.Manifest) {
	r.router.Reload(set)
	r.telemetry.manifestReloaded(set)
	if r.presence != nil {
		if err := r.presence.Announce(); err != nil {
			r.logger.Warn("failed to announce reloaded commands", slog.String("error", err.Error()))
		}
	}
	r.logger.Info("command manifest reloaded",
		slog.String("commands", set.Metadata.Name),
		slog.String("version", set.Metadata.Version),
		slog.Int("count", len(set.Entries)))
}

func (r *Runtime) stopServices() {
	if r.watcher != nil {
		r.watcher.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) newSource(set commandset.Manifest) (stt.Source, error) {
	switch r.cfg.Source.Mode {
	case "bus":
		return stt.NewBusSource(r.cfg.Source, r.bus, r.logger), nil
	case "exec":
		return stt.NewExecSource(r.cfg.Source, r.logger)
	case "mock":
		phrases := r.cfg.Source.MockPhrases
		if len(phrases) == 0 {
			for _, entry := range set.Entries {
				phrases = append(phrases, entry.Text)
			}
		}
		interval := time.Duration(r.cfg.Source.MockIntervalMS) * time.Millisecond
		return stt.NewMockSource(phrases, interval), nil
	default:
		return nil, fmt.Errorf("unsupported source mode %q", r.cfg.Source.Mode)
	}
}

// loadCommandSet prefers inline commands over the manifest file.
func loadCommandSet(cfg config.CommandsConfig) (commandset.Manifest, error) {
	var set commandset.Manifest
	if len(cfg.Inline) > 0 {
		set = commandset.FromInline(cfg.Inline)
	} else {
		m, err := commandset.Load(cfg.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return set, fmt.Errorf("command manifest %s not found: %w", cfg.Path, err)
			}
			return set, err
		}
		set = m
	}
	if err := commandset.Validate(set); err != nil {
		return set, fmt.Errorf("invalid command manifest: %w", err)
	}
	return set, nil
}

func policyFromConfig(cfg config.MatchingConfig) command.Policy {
	return command.Policy{
		AcceptsFirstRecognition:     cfg.AcceptsFirstRecognition,
		MinimumAcceptableConfidence: float32(cfg.MinimumAcceptableConfidence),
		OnDeviceOnly:                cfg.OnDeviceOnly,
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.router.Healthy() && (r.presence == nil || r.presence.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list sessions failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"current": r.controller.SessionID(),
		"state":   r.controller.State().String(),
		"recent":  sessions,
	})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("list session events failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (r *Runtime) handleRuntimes(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		writeJSON(w, []presence.Peer{})
		return
	}
	if text := req.URL.Query().Get("command"); text != "" {
		runtimes := r.presence.Listening(text)
		if runtimes == nil {
			runtimes = []string{}
		}
		writeJSON(w, runtimes)
		return
	}
	writeJSON(w, r.presence.Peers())
}

func (r *Runtime) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.controller.Policy())
}

func (r *Runtime) handlePutPolicy(w http.ResponseWriter, req *http.Request) {
	policy := r.controller.Policy()
	if err := json.NewDecoder(req.Body).Decode(&policy); err != nil {
		http.Error(w, "invalid policy: "+err.Error(), http.StatusBadRequest)
		return
	}
	if policy.MinimumAcceptableConfidence < 0 || policy.MinimumAcceptableConfidence > 1 {
		http.Error(w, "minimum_acceptable_confidence must be within [0,1]", http.StatusBadRequest)
		return
	}
	r.controller.Configure(policy)
	r.logger.Info("match policy updated",
		slog.Bool("accepts_first_recognition", policy.AcceptsFirstRecognition),
		slog.Bool("on_device_only", policy.OnDeviceOnly),
		slog.Float64("minimum_acceptable_confidence", float64(policy.MinimumAcceptableConfidence)))
	writeJSON(w, policy)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
