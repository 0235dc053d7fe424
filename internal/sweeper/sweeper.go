// Package sweeper periodically probes connections and evicts the ones that
// stopped answering.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/sarathsp06/relay/internal/logger"
	"github.com/sarathsp06/relay/internal/presence"
	"github.com/sarathsp06/relay/internal/registry"
)

// Result summarizes one sweep.
type Result struct {
	Probed  int
	Evicted int
}

// Sweeper runs liveness sweeps on a fixed interval.
type Sweeper struct {
	reg      *registry.Registry
	tracker  *presence.Tracker
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Sweeper. Evictions go through tracker so offline events fire.
func New(reg *registry.Registry, tracker *presence.Tracker, interval time.Duration) *Sweeper {
	return &Sweeper{
		reg:      reg,
		tracker:  tracker,
		interval: interval,
		logger:   logger.NewLogger("sweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Liveness sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Liveness sweeper stopped")
			return
		case <-ticker.C:
			res := s.Sweep()
			if res.Evicted > 0 {
				s.logger.Info("Liveness sweep evicted connections", "probed", res.Probed, "evicted", res.Evicted)
			}
		}
	}
}

// Sweep performs one pass. Closed links are evicted at once; links that did
// not answer the previous probe are closed and evicted; every other link is
// marked pending and probed again.
func (s *Sweeper) Sweep() Result {
	var res Result
	for _, info := range s.reg.Snapshot() {
		if !info.Link.Open() {
			s.evict(info, "closed")
			res.Evicted++
			continue
		}

		wasAlive, ok := s.reg.MarkPending(info.ID)
		if !ok {
			continue
		}
		if !wasAlive {
			_ = info.Link.Close()
			s.evict(info, "unresponsive")
			res.Evicted++
			continue
		}

		if err := info.Link.Probe(); err != nil {
			_ = info.Link.Close()
			s.evict(info, "probe failed")
			res.Evicted++
			continue
		}
		res.Probed++
	}

	s.tracker.Prune()
	return res
}

func (s *Sweeper) evict(info registry.Info, reason string) {
	s.logger.Debug("Evicting connection",
		"connection_id", info.ID,
		"identity", info.Identity,
		"reason", reason,
	)
	s.tracker.Disconnect(info.ID)
}
