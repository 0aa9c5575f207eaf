package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker intervals.
const (
	LimiterCleanupInterval = time.Minute
	PeerPruneInterval      = time.Minute
	PeerOfflineTimeout     = 10 * time.Minute
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.limiter != nil {
		go s.limiter.Run(ctx, LimiterCleanupInterval)
	}
	if s.wsLimiter != nil {
		go s.wsLimiter.Run(ctx, LimiterCleanupInterval)
	}
	go s.runPeerPrune(ctx, PeerPruneInterval, PeerOfflineTimeout)
}

// --- Peer Prune Worker ---

// runPeerPrune periodically marks peers silent for longer than timeout as
// offline.
func (s *Server) runPeerPrune(ctx context.Context, every, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
			if n := s.prunePeers(timeout); n > 0 {
				s.logger.Info("pruned offline peers", zap.Int("count", n))
			}
		}
	}
}

// prunePeers marks stale peers offline and forgets the rate state of
// revoked agents. Returns the number of peers marked offline.
func (s *Server) prunePeers(timeout time.Duration) int {
	n := s.tracker.PruneOffline(timeout)
	for _, conn := range s.rates.Conns() {
		if ag, err := s.registry.Get(conn); err == nil && !ag.Active() {
			s.rates.Remove(conn)
		}
	}
	return n
}
