package limits

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard enforces static admission limits for the gateway:
// a hard connection ceiling and a CPU threshold above which new
// connections are rejected. Limits come from configuration; nothing is
// auto-tuned.
type ResourceGuard struct {
	maxConnections     int64
	cpuRejectThreshold float64

	currentConns *int64 // owned by the connection manager, read atomically

	cpuPercent atomic.Value // float64, refreshed by the sampler
	logger     zerolog.Logger
}

// ResourceGuardConfig holds the guard's static limits.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64 // percent, 0 disables the CPU check
	Logger             zerolog.Logger
}

// NewResourceGuard creates a guard reading the live connection count
// from currentConns.
func NewResourceGuard(config ResourceGuardConfig, currentConns *int64) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections:     int64(config.MaxConnections),
		cpuRejectThreshold: config.CPURejectThreshold,
		currentConns:       currentConns,
		logger:             config.Logger.With().Str("component", "resource_guard").Logger(),
	}
	g.cpuPercent.Store(0.0)
	return g
}

// Run samples process-wide CPU usage until ctx is cancelled. Sampling
// is decoupled from the admission path so ShouldAccept stays cheap.
func (g *ResourceGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pcts, err := cpu.Percent(0, false)
			if err != nil || len(pcts) == 0 {
				continue
			}
			g.cpuPercent.Store(pcts[0])
		}
	}
}

// CPUPercent returns the last sampled CPU usage.
func (g *ResourceGuard) CPUPercent() float64 {
	v, _ := g.cpuPercent.Load().(float64)
	return v
}

// ShouldAccept reports whether a new connection may be admitted, with a
// reason when it may not.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if atomic.LoadInt64(g.currentConns) >= g.maxConnections {
		return false, "max_connections"
	}
	if g.cpuRejectThreshold > 0 {
		if pct := g.CPUPercent(); pct >= g.cpuRejectThreshold && !math.IsNaN(pct) {
			return false, "cpu_threshold"
		}
	}
	return true, ""
}
