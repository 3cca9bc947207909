package broker

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// RunHeartbeatMonitor scans the registry at every heartbeat interval and
// evicts nodes that missed the configured number of consecutive
// heartbeats. Evictions submit their mutation through the same dispatch
// lock as inbound calls, preserving the single-writer invariant, and the
// departure is broadcast to all remaining sessions. The evicted node is
// not notified; it is already unreachable.
//
// Blocks until ctx is cancelled.
func (s *Server) RunHeartbeatMonitor(ctx context.Context) {
	interval := s.config.HeartbeatInterval
	maxAge := interval * time.Duration(s.config.HeartbeatMisses)

	s.logger.Info("heartbeat monitor started",
		zap.Duration("interval", interval),
		zap.Int("misses", s.config.HeartbeatMisses))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			s.evictStale(maxAge)
		}
	}
}

func (s *Server) evictStale(maxAge time.Duration) {
	s.dispatchMu.Lock()
	evicted := s.team.EvictStale(maxAge)
	stale := make([]*session, 0, len(evicted))
	for _, node := range evicted {
		sess := s.sessionForNode(node.NodeID)
		if sess != nil {
			stale = append(stale, sess)
		}
		s.metrics.Eviction()
		// The evicted node is not told about its own timeout; its
		// session is simply torn down.
		s.broadcast(Event{
			Kind:   EventLeave,
			Reason: "heartbeat-timeout",
			Node:   node.NodeID,
		}, sess)
	}
	s.dispatchMu.Unlock()

	// Tear down any connection still bound to an evicted node.
	for _, sess := range stale {
		sess.close(websocket.StatusGoingAway, "heartbeat timeout")
	}
}
