// Package sweeper runs the periodic cleanup of expired keyed-store entries
// (stale throttle windows, expired idempotency records, idle sessions).
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is used when a target is registered without a schedule.
const DefaultInterval = time.Minute

// Target removes expired entries and reports how many it removed.
// kvstore.KeyedStore implements it.
type Target interface {
	Sweep(ctx context.Context) (int, error)
}

// Scheduler runs sweeps on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu      sync.Mutex
	targets map[string]Target
}

// New creates a scheduler. Each sweep run is bounded by timeout
// (30s when <= 0).
func New(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		cron:    cron.New(),
		timeout: timeout,
		targets: make(map[string]Target),
	}
}

// Register sweeps target on spec, a standard 5-field cron expression or a
// descriptor such as "@every 1m". An empty spec means every DefaultInterval.
func (s *Scheduler) Register(name, spec string, target Target) error {
	if spec == "" {
		spec = "@every " + DefaultInterval.String()
	}
	if _, err := s.cron.AddFunc(spec, func() { s.sweep(name, target) }); err != nil {
		return fmt.Errorf("registering sweep %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	s.targets[name] = target
	s.mu.Unlock()
	return nil
}

// RunOnce sweeps every registered target immediately and returns the total
// number of removed entries.
func (s *Scheduler) RunOnce() int {
	s.mu.Lock()
	targets := make(map[string]Target, len(s.targets))
	for k, v := range s.targets {
		targets[k] = v
	}
	s.mu.Unlock()

	total := 0
	for name, t := range targets {
		total += s.sweep(name, t)
	}
	return total
}

func (s *Scheduler) sweep(name string, target Target) int {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := target.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Str("target", name).Msg("sweep_failed")
		return n
	}
	log.Debug().
		Str("target", name).
		Int("removed", n).
		Dur("duration", time.Since(start)).
		Msg("sweep_completed")
	return n
}

// Start begins executing registered sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
