package command

import (
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicecommand/internal/stt"
)

// CooldownWindow is how long a first recognition suppresses further matches
// when confidence scores come from an online recognizer.
const CooldownWindow = time.Second

// Policy controls when a candidate match is accepted.
type Policy struct {
	// AcceptsFirstRecognition accepts the first recognition regardless of its
	// confidence. Faster, occasionally wrong.
	AcceptsFirstRecognition bool `yaml:"accepts_first_recognition" json:"accepts_first_recognition"`
	// MinimumAcceptableConfidence is the threshold used when first
	// recognitions are not accepted.
	MinimumAcceptableConfidence float32 `yaml:"minimum_acceptable_confidence" json:"minimum_acceptable_confidence"`
	// OnDeviceOnly keeps recognition local. On-device recognizers report a
	// confidence of 0 for partial results.
	OnDeviceOnly bool `yaml:"on_device_only" json:"on_device_only"`
}

// DefaultPolicy mirrors the recognizer defaults applications expect.
func DefaultPolicy() Policy {
	return Policy{
		AcceptsFirstRecognition:     true,
		MinimumAcceptableConfidence: 0.8,
		OnDeviceOnly:                true,
	}
}

// Matcher turns transcription updates into detected commands. It owns the
// first-recognition cooldown, so one Matcher belongs to one session.
type Matcher struct {
	cooldown cooldown
}

// NewMatcher returns a Matcher with an idle cooldown.
func NewMatcher() *Matcher {
	return &Matcher{cooldown: cooldown{afterFunc: realAfterFunc, window: CooldownWindow}}
}

// Evaluate returns the commands accepted for update, single-word match first.
//
// With OnDeviceOnly and AcceptsFirstRecognition set, only candidates with a
// confidence of exactly 0 are accepted. With OnDeviceOnly set and
// AcceptsFirstRecognition cleared, the threshold can never be met by an
// on-device recognizer since it only reports 0.
func (m *Matcher) Evaluate(update stt.Update, policy Policy, registry *Registry) []Command {
	if registry == nil {
		return nil
	}
	var detected []Command

	if update.Segment != "" {
		if cmd, ok := registry.Word(strings.ToLower(update.Segment)); ok {
			if m.accept(update.Confidence, policy) {
				detected = append(detected, cmd)
			}
		}
	}

	transcript := strings.ToLower(update.Transcript)
	var candidates []Command
	for key, cmd := range registry.Sentences() {
		if strings.HasSuffix(transcript, key) {
			candidates = append(candidates, cmd)
		}
	}
	if len(candidates) > 0 && m.accept(update.Confidence, policy) {
		detected = append(detected, candidates...)
	}
	return detected
}

// Reset cancels a pending cooldown and clears it.
func (m *Matcher) Reset() {
	m.cooldown.reset()
}

func (m *Matcher) accept(confidence float32, policy Policy) bool {
	switch {
	case policy.OnDeviceOnly && policy.AcceptsFirstRecognition:
		return confidence == 0
	case policy.AcceptsFirstRecognition:
		return m.cooldown.acquire()
	default:
		return confidence >= policy.MinimumAcceptableConfidence
	}
}

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// cooldown is a flag cleared by a scheduled, cancellable timer.
type cooldown struct {
	afterFunc func(time.Duration, func()) stopper
	window    time.Duration

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  stopper
}

func (c *cooldown) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	c.gen++
	gen := c.gen
	c.timer = c.afterFunc(c.window, func() { c.release(gen) })
	return true
}

func (c *cooldown) release(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a reset or newer acquisition owns the flag now
	if gen != c.gen {
		return
	}
	c.active = false
	c.timer = nil
}

func (c *cooldown) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.active = false
	c.gen++
}

func (c *cooldown) engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
