// Package health publishes a retained heartbeat describing the gateway and
// its host, so consumers can tell a quiet sensor from a dead gateway.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"
)

const mb = 1024 * 1024

type Publisher interface {
	PublishRetained(topic string, v any) error
}

type Sampler interface {
	Cycles() uint64
	LastCycle() (time.Time, bool)
}

type HostStats struct {
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemTotalMB    float64 `json:"mem_total_mb"`
	DiskUsedMB    float64 `json:"disk_used_mb"`
	DiskTotalMB   float64 `json:"disk_total_mb"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

type Report struct {
	SourceID  string     `json:"source_id"`
	Timestamp time.Time  `json:"timestamp"`
	Version   string     `json:"version"`
	Cycles    uint64     `json:"cycles"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	Host      HostStats  `json:"host"`
}

// Topic is where the heartbeat of sourceID is retained.
func Topic(sourceID string) string {
	return "atlas/" + sourceID + "/health"
}

// CollectHost reads load, memory, disk and uptime. Whatever could be read is
// returned even when some probes fail.
func CollectHost(ctx context.Context) (HostStats, error) {
	var stats HostStats
	var errs error

	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1, stats.Load5, stats.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		errs = multierr.Append(errs, err)
	}

	// Total minus available; Used would count the page cache.
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemUsedMB = float64(vm.Total-vm.Available) / mb
		stats.MemTotalMB = float64(vm.Total) / mb
	} else {
		errs = multierr.Append(errs, err)
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		stats.DiskUsedMB = float64(du.Used) / mb
		stats.DiskTotalMB = float64(du.Total) / mb
	} else {
		errs = multierr.Append(errs, err)
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = up
	} else {
		errs = multierr.Append(errs, err)
	}

	return stats, errs
}

type Options struct {
	SourceID string
	Version  string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
	// Collect defaults to CollectHost.
	Collect func(ctx context.Context) (HostStats, error)
}

type Heartbeat struct {
	pub     Publisher
	sampler Sampler
	opts    Options
	topic   string
}

func NewHeartbeat(pub Publisher, sampler Sampler, opts Options) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collect == nil {
		opts.Collect = CollectHost
	}
	return &Heartbeat{pub: pub, sampler: sampler, opts: opts, topic: Topic(opts.SourceID)}
}

// Report assembles the current heartbeat.
func (h *Heartbeat) Report(ctx context.Context) Report {
	r := Report{
		SourceID:  h.opts.SourceID,
		Timestamp: h.opts.Clock.Now().UTC(),
		Version:   h.opts.Version,
		Cycles:    h.sampler.Cycles(),
	}
	if last, ok := h.sampler.LastCycle(); ok {
		last = last.UTC()
		r.LastCycle = &last
	}
	stats, err := h.opts.Collect(ctx)
	if err != nil {
		h.opts.Logger.Debug("host stats incomplete", "error", err)
	}
	r.Host = stats
	return r
}

// Beat publishes one heartbeat.
func (h *Heartbeat) Beat(ctx context.Context) error {
	return h.pub.PublishRetained(h.topic, h.Report(ctx))
}

// Run beats once immediately and then every interval until ctx is done.
// Failed beats are logged and retried at the next tick.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := h.opts.Clock.Ticker(h.opts.Interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil {
			h.opts.Logger.Warn("health heartbeat not published", "topic", h.topic, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
