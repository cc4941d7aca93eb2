// Package timeref tracks the external time reference (GPS time) published on
// the message bus, so readings can be stamped with it.
package timeref

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cast"
)

// ErrUnavailable is returned when no time reference arrived within the startup timeout.
var ErrUnavailable = errors.New("time reference unavailable")

// DefaultMaxWait bounds how long Latest waits for a fresh message.
const DefaultMaxWait = 2 * time.Second

type Options struct {
	// StartupTimeout limits WaitForFirst. Zero waits until ctx is done.
	StartupTimeout time.Duration
	// MaxWait is both the age under which the last message counts as fresh and
	// the longest Latest waits for a new one.
	MaxWait time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// OnObserve and OnStale are optional hooks, used for metrics.
	OnObserve func()
	OnStale   func()
}

// Tracker keeps the most recent time reference.
type Tracker struct {
	opts Options

	mu         sync.Mutex
	latest     time.Time
	receivedAt time.Time
	have       bool
	// changed is closed and replaced on every accepted message.
	changed chan struct{}
}

func NewTracker(opts Options) *Tracker {
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{opts: opts, changed: make(chan struct{})}
}

// Observe records a raw time reference message.
func (t *Tracker) Observe(payload []byte) error {
	ref, err := ParsePayload(payload)
	if err != nil {
		return err
	}
	t.Set(ref)
	return nil
}

// Set records ref as the latest time reference.
func (t *Tracker) Set(ref time.Time) {
	t.mu.Lock()
	t.latest = ref
	t.receivedAt = t.opts.Clock.Now()
	t.have = true
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()

	if t.opts.OnObserve != nil {
		t.opts.OnObserve()
	}
}

// WaitForFirst blocks until a time reference has been observed. It returns
// ErrUnavailable once the startup timeout expires.
func (t *Tracker) WaitForFirst(ctx context.Context) (time.Time, error) {
	var timeout <-chan time.Time
	if t.opts.StartupTimeout > 0 {
		timer := t.opts.Clock.Timer(t.opts.StartupTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		t.mu.Lock()
		ref, have, changed := t.latest, t.have, t.changed
		t.mu.Unlock()
		if have {
			return ref, nil
		}

		select {
		case <-changed:
		case <-timeout:
			return time.Time{}, fmt.Errorf("%w after %s", ErrUnavailable, t.opts.StartupTimeout)
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
}

// Latest returns the most recent time reference. When the last message is
// older than MaxWait it waits up to MaxWait for a new one and otherwise reuses
// the last known value. Before any message was seen it behaves like an
// unbounded WaitForFirst.
func (t *Tracker) Latest(ctx context.Context) (time.Time, error) {
	t.mu.Lock()
	ref, have, receivedAt, changed := t.latest, t.have, t.receivedAt, t.changed
	t.mu.Unlock()

	if !have {
		return t.waitAny(ctx)
	}
	if t.opts.Clock.Since(receivedAt) <= t.opts.MaxWait {
		return ref, nil
	}

	timer := t.opts.Clock.Timer(t.opts.MaxWait)
	defer timer.Stop()

	select {
	case <-changed:
		t.mu.Lock()
		ref = t.latest
		t.mu.Unlock()
		return ref, nil
	case <-timer.C:
		t.opts.Logger.Warn("time reference stale, reusing last known value",
			"time_ref", ref,
			"age", t.opts.Clock.Since(receivedAt).String(),
		)
		if t.opts.OnStale != nil {
			t.opts.OnStale()
		}
		return ref, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (t *Tracker) waitAny(ctx context.Context) (time.Time, error) {
	for {
		t.mu.Lock()
		ref, have, changed := t.latest, t.have, t.changed
		t.mu.Unlock()
		if have {
			return ref, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
}

// Snapshot returns the last time reference and when it was received, without
// blocking.
func (t *Tracker) Snapshot() (ref, receivedAt time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.receivedAt, t.have
}

type message struct {
	TimeRef json.RawMessage `json:"time_ref"`
	Source  string          `json:"source,omitempty"`
}

// ParsePayload decodes a time reference message. Accepted forms are a JSON
// object {"time_ref": ..., "source": ...} or bare text, where the value is
// either an RFC 3339 timestamp or unix seconds.
func ParsePayload(payload []byte) (time.Time, error) {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return time.Time{}, errors.New("empty time reference")
	}
	if p[0] != '{' {
		return parseText(string(p))
	}

	var msg message
	if err := json.Unmarshal(p, &msg); err != nil {
		return time.Time{}, fmt.Errorf("decode time reference: %w", err)
	}
	if len(msg.TimeRef) == 0 || string(msg.TimeRef) == "null" {
		return time.Time{}, errors.New("time reference message has no time_ref")
	}
	var s string
	if err := json.Unmarshal(msg.TimeRef, &s); err == nil {
		return parseText(s)
	}
	var secs float64
	if err := json.Unmarshal(msg.TimeRef, &secs); err == nil {
		return fromUnix(secs)
	}
	return time.Time{}, fmt.Errorf("invalid time_ref %s", msg.TimeRef)
}

func parseText(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(secs)
	}
	ts, err := cast.ToTimeE(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time reference %q: %w", s, err)
	}
	return ts.UTC(), nil
}

func fromUnix(secs float64) (time.Time, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return time.Time{}, fmt.Errorf("invalid time reference %v", secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}
