package modelmanager

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	defaultProbeInterval = 5 * time.Minute
	probeTimeout         = 15 * time.Second
)

// Monitor probes registered providers in the background and keeps the
// last observed status per provider. A failed probe is retried with
// exponential backoff before the provider is marked unhealthy.
type Monitor struct {
	manager  *Manager
	interval time.Duration

	mu     sync.RWMutex
	status map[string]string // provider name → "healthy" | error text

	stopCh chan struct{}
	once   sync.Once
}

// NewMonitor creates a health monitor for the manager's providers.
func NewMonitor(m *Manager, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Monitor{
		manager:  m,
		interval: interval,
		status:   make(map[string]string),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. The first sweep runs immediately.
func (mon *Monitor) Start(ctx context.Context) {
	go func() {
		mon.sweep(ctx)
		ticker := time.NewTicker(mon.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mon.sweep(ctx)
			case <-mon.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", mon.interval).Msg("Provider health monitor started")
}

// Stop halts the probe loop.
func (mon *Monitor) Stop() {
	mon.once.Do(func() { close(mon.stopCh) })
}

// Status returns a copy of the last observed provider statuses.
func (mon *Monitor) Status() map[string]string {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	out := make(map[string]string, len(mon.status))
	for k, v := range mon.status {
		out[k] = v
	}
	return out
}

func (mon *Monitor) sweep(ctx context.Context) {
	for _, p := range mon.manager.Providers() {
		probe := func() error {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			return p.HealthCheck(probeCtx)
		}

		// Transient failures get a short retry window before the
		// provider is marked unhealthy.
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 2 * time.Second
		policy.MaxElapsedTime = 30 * time.Second

		err := backoff.Retry(probe, backoff.WithContext(policy, ctx))

		mon.mu.Lock()
		if err != nil {
			mon.status[p.Name()] = err.Error()
			log.Warn().Str("provider", p.Name()).Err(err).Msg("Provider probe failed")
		} else {
			mon.status[p.Name()] = "healthy"
		}
		mon.mu.Unlock()
	}
}
