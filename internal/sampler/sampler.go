// Package sampler runs the sampling loop: every cycle it reads each sensor on
// the bus in a fixed order, stamps the reading with the external time
// reference and publishes it.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"atlas-gateway/internal/backlog"
	"atlas-gateway/internal/bus"
	"atlas-gateway/internal/metrics"
	"atlas-gateway/internal/params"
	"atlas-gateway/internal/reading"

	"github.com/benbjohnson/clock"
)

const (
	RateParam   = "atlas/rate"
	DefaultRate = 10.0

	TimeRefTopicParam   = "atlas/gpst/topic"
	DefaultTimeRefTopic = "time_reference"

	DefaultSourceID = "atlaspi"
)

// Publisher is one outgoing channel. Publish must not block on the network.
type Publisher interface {
	Publish(v any) error
}

type MessageBus interface {
	Advertise(topic string, depth int) (Publisher, error)
	Subscribe(topic string, handler func(payload []byte)) error
}

// TimeSource supplies the external time reference.
type TimeSource interface {
	Observe(payload []byte) error
	WaitForFirst(ctx context.Context) (time.Time, error)
	Latest(ctx context.Context) (time.Time, error)
}

type Options struct {
	SourceID string
	// Depth is the per channel backlog.
	Depth   int
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Loop struct {
	bus     bus.Client
	msgs    MessageBus
	params  params.Source
	timeref TimeSource
	opts    Options

	started  bool
	channels map[reading.Kind]Publisher

	// Read by health checks from other goroutines.
	period    atomic.Int64
	cycles    atomic.Uint64
	lastCycle atomic.Int64
}

func New(b bus.Client, msgs MessageBus, src params.Source, ts TimeSource, opts Options) *Loop {
	if opts.SourceID == "" {
		opts.SourceID = DefaultSourceID
	}
	if opts.Depth <= 0 {
		opts.Depth = backlog.DefaultDepth
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		bus:      b,
		msgs:     msgs,
		params:   src,
		timeref:  ts,
		opts:     opts,
		channels: make(map[reading.Kind]Publisher),
	}
}

// Start resolves topics and rate, waits for the first time reference and
// advertises one channel per sensor. No bus read happens before it returns.
func (l *Loop) Start(ctx context.Context) error {
	if l.started {
		return errors.New("sampler already started")
	}
	logger := l.opts.Logger

	topics := make(map[reading.Kind]string, len(reading.Kinds()))
	for _, kind := range reading.Kinds() {
		topic, err := params.NonEmpty(l.params, kind.TopicParam(), kind.DefaultTopic())
		if err != nil {
			return err
		}
		topics[kind] = topic
	}
	rate, err := params.PositiveFloat(l.params, RateParam, DefaultRate)
	if err != nil {
		return err
	}
	timeRefTopic, err := params.NonEmpty(l.params, TimeRefTopicParam, DefaultTimeRefTopic)
	if err != nil {
		return err
	}

	err = l.msgs.Subscribe(timeRefTopic, func(payload []byte) {
		if err := l.timeref.Observe(payload); err != nil {
			logger.Warn("ignoring malformed time reference", "topic", timeRefTopic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe time reference: %w", err)
	}

	logger.Info("waiting for time reference", "topic", timeRefTopic)
	ref, err := l.timeref.WaitForFirst(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("time reference on %s: %w", timeRefTopic, err)
	}
	logger.Info("time reference received", "time_ref", ref)

	for _, kind := range reading.Kinds() {
		ch, err := l.msgs.Advertise(topics[kind], l.opts.Depth)
		if err != nil {
			return fmt.Errorf("advertise %s: %w", kind, err)
		}
		l.channels[kind] = ch
	}

	period := time.Duration(float64(time.Second) / rate)
	l.period.Store(int64(period))
	l.started = true
	logger.Info("sampler started", "rate_hz", rate, "period", period.String())
	return nil
}

// Run samples until ctx is done, starting the loop first if needed. Cycles
// begin one period apart; a cycle that overruns is followed immediately by
// the next one and missed cycles are not made up.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}

	clk := l.opts.Clock
	period := l.Period()
	for {
		start := clk.Now()
		if err := l.Cycle(ctx); err != nil {
			return err
		}
		end := clk.Now()
		l.lastCycle.Store(end.UnixNano())
		l.cycles.Add(1)
		if m := l.opts.Metrics; m != nil {
			m.CycleDuration.Observe(end.Sub(start).Seconds())
			m.LastCycle.Set(float64(end.UnixNano()) / 1e9)
		}

		wait := start.Add(period).Sub(end)
		if wait <= 0 {
			l.opts.Logger.Warn("sampling cycle overran",
				"period", period.String(),
				"elapsed", end.Sub(start).String(),
			)
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		timer := clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cycle reads and publishes every sensor once, in order. A failing sensor is
// logged and skipped. It returns only when ctx is done, leaving the remaining
// sensors of the cycle unread.
func (l *Loop) Cycle(ctx context.Context) error {
	if !l.started {
		return errors.New("sampler not started")
	}
	for _, kind := range reading.Kinds() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sample(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) sample(ctx context.Context, kind reading.Kind) error {
	logger := l.opts.Logger
	m := l.opts.Metrics

	address := strings.TrimSpace(l.params.Get(kind.AddressParam(), kind.DefaultAddress()))

	ref, err := l.timeref.Latest(ctx)
	if err != nil {
		return err
	}

	raw, err := l.bus.Read(address)
	if err != nil {
		logger.Warn("bus read failed", "kind", kind.String(), "address", address, "error", err)
		if m != nil {
			m.BusErrors.WithLabelValues(kind.String()).Inc()
		}
		return nil
	}

	rec, err := reading.Parse(kind, raw)
	if err != nil {
		logger.Warn("discarding unparsable response", "kind", kind.String(), "address", address, "error", err)
		if m != nil {
			m.ParseErrors.WithLabelValues(kind.String()).Inc()
		}
		return nil
	}

	rec.Stamp(reading.Header{
		Timestamp:             l.opts.Clock.Now().UTC(),
		ExternalTimeReference: ref,
		SourceID:              l.opts.SourceID,
	})
	if err := l.channels[kind].Publish(rec); err != nil {
		logger.Error("publish failed", "kind", kind.String(), "error", err)
		return nil
	}
	if m != nil {
		m.ReadingsPublished.WithLabelValues(kind.String()).Inc()
	}
	logger.Debug("reading published", "kind", kind.String(), "address", address, "raw", raw)
	return nil
}

// Period is the time between cycle starts, known once started.
func (l *Loop) Period() time.Duration { return time.Duration(l.period.Load()) }

// Cycles is the number of cycles Run has completed.
func (l *Loop) Cycles() uint64 { return l.cycles.Load() }

// LastCycle is when the last complete cycle ended. ok is false before the first.
func (l *Loop) LastCycle() (t time.Time, ok bool) {
	if l.cycles.Load() == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, l.lastCycle.Load()), true
}
