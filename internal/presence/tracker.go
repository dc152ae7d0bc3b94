package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/bus"
	"github.com/loqalabs/loqa-voicecommand/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "voice.runtime.announce"
	subjectHeartbeat = "voice.runtime.heartbeat"
)

// Status describes a voice runtime as seen on the bus.
type Status struct {
	Runtime  string   `json:"runtime"`
	Source   string   `json:"source,omitempty"`
	Commands []string `json:"commands,omitempty"`
	State    string   `json:"state"`
}

// Peer is a voice runtime known to the tracker, including the local one.
type Peer struct {
	Status
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	Status
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	Runtime   string    `json:"runtime"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithMeterProvider records the runtime gauges on provider instead of the
// global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(t *Tracker) { t.meters = provider }
}

// Tracker announces the local runtime and follows the others sharing the bus.
type Tracker struct {
	cfg    config.PresenceConfig
	local  func() Status
	log    *slog.Logger
	bus    *bus.Client
	now    func() time.Time
	cancel context.CancelFunc
	subs   []*nats.Subscription
	meters metric.MeterProvider
	gauges metric.Registration
	wg     sync.WaitGroup

	mu    sync.RWMutex
	peers map[string]*Peer
}

// Start subscribes to presence traffic, announces the local runtime and
// begins heartbeating. local is sampled on every heartbeat.
func Start(ctx context.Context, cfg config.PresenceConfig, busClient *bus.Client, local func() Status, log *slog.Logger, opts ...Option) (*Tracker, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		now:    time.Now,
		cancel: cancel,
		meters: otel.GetMeterProvider(),
		peers:  make(map[string]*Peer),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := t.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := t.Announce(); err != nil {
		t.log.Warn("failed to announce runtime", slog.String("error", err.Error()))
	}

	t.wg.Add(1)
	go t.run(ctx)
	return t, nil
}

func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
	for _, sub := range t.subs {
		_ = sub.Drain()
	}
	if t.gauges != nil {
		_ = t.gauges.Unregister()
	}
}

func (t *Tracker) subscribe() error {
	conn := t.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, t.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	t.subs = append(t.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeat+".*", t.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	t.subs = append(t.subs, heartbeatSub)
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()
	heartbeat := time.NewTicker(time.Duration(t.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := t.publishHeartbeat(); err != nil {
				t.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			t.evaluateHealth()
		}
	}
}

// Announce publishes the full local status, including the command list that
// heartbeats omit.
func (t *Tracker) Announce() error {
	msg := announceMessage{Status: t.local(), Timestamp: t.now().UTC()}
	if err := t.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	t.update(msg.Status, msg.Timestamp)
	return nil
}

func (t *Tracker) publishHeartbeat() error {
	status := t.local()
	msg := heartbeatMessage{Runtime: status.Runtime, State: status.State, Timestamp: t.now().UTC()}
	return t.bus.PublishJSON(subjectHeartbeat+"."+subjectToken(status.Runtime), msg)
}

func (t *Tracker) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		t.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Runtime == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = t.now().UTC()
	}
	// Introduce ourselves to newcomers, they missed our own announcement.
	if t.update(announcement.Status, announcement.Timestamp) && announcement.Runtime != t.local().Runtime {
		if err := t.Announce(); err != nil {
			t.log.Warn("failed to announce runtime", slog.String("error", err.Error()))
		}
	}
}

func (t *Tracker) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		t.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Runtime == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = t.now().UTC()
	}
	t.update(Status{Runtime: hb.Runtime, State: hb.State}, hb.Timestamp)
}

// update merges status into the peer table and reports whether the runtime
// was new. Empty fields keep what an earlier announcement said.
func (t *Tracker) update(status Status, seen time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[status.Runtime]
	if !ok {
		peer = &Peer{Status: Status{Runtime: status.Runtime}}
		t.peers[status.Runtime] = peer
	}
	if status.Source != "" {
		peer.Source = status.Source
	}
	if len(status.Commands) > 0 {
		peer.Commands = status.Commands
	}
	if status.State != "" {
		peer.State = status.State
	}
	peer.LastSeen = seen
	peer.Healthy = true
	return !ok
}

func (t *Tracker) evaluateHealth() {
	t.mu.Lock()
	defer t.mu.Unlock()

	timeout := time.Duration(t.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := t.now()
	for _, peer := range t.peers {
		if now.Sub(peer.LastSeen) > timeout {
			peer.Healthy = false
		}
	}
}

// Healthy reports whether the local runtime's own heartbeats come back.
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peer, ok := t.peers[t.local().Runtime]
	return ok && peer.Healthy
}

// Peers returns the known runtimes sorted by name.
func (t *Tracker) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runtime < out[j].Runtime })
	return out
}

// Listening returns the healthy runtimes that registered text.
func (t *Tracker) Listening(text string) []string {
	key := strings.ToLower(text)
	var out []string
	for _, peer := range t.Peers() {
		if !peer.Healthy {
			continue
		}
		for _, cmd := range peer.Commands {
			if strings.ToLower(cmd) == key {
				out = append(out, peer.Runtime)
				break
			}
		}
	}
	return out
}

func (t *Tracker) initMetrics() error {
	meter := t.meters.Meter("github.com/loqalabs/loqa-voicecommand/presence")
	known, err := meter.Int64ObservableGauge("loqa.voice.runtimes", metric.WithDescription("Voice runtimes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.voice.runtimes.healthy", metric.WithDescription("Voice runtimes with recent heartbeats"))
	if err != nil {
		return err
	}
	t.gauges, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var total, up int64
		for _, peer := range t.Peers() {
			total++
			if peer.Healthy {
				up++
			}
		}
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, known, healthy)
	return err
}

func subjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, name)
}
