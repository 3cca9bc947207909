package broker

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session owns one node's transport. Outbound traffic goes through a
// bounded queue drained by a dedicated writer goroutine so one slow
// connection never stalls fan-out to the others; a session whose queue
// backs up is disconnected instead.
type session struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	out     chan []byte
	done    chan struct{}
	closeFn sync.Once

	limiter *rate.Limiter

	mu     sync.Mutex
	nodeID string
}

func newSession(id string, conn *websocket.Conn, queueSize int, frameRate float64, logger *zap.Logger) *session {
	var limiter *rate.Limiter
	if frameRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(frameRate), int(frameRate))
	}
	return &session{
		id:      id,
		conn:    conn,
		logger:  logger.With(zap.String("component", "session"), zap.String("session_id", id)),
		out:     make(chan []byte, queueSize),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// bindNode records which registered node this session speaks for.
func (s *session) bindNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = nodeID
}

func (s *session) boundNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// enqueue offers data to the outbound queue without blocking. It reports
// false when the queue is full or the session is closing; the caller is
// expected to disconnect the session on overflow.
func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the wire. It exits when the
// session closes or a write fails.
func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.logger.Warn("session write failed", zap.Error(err))
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// throttle applies the per-session inbound frame rate limit.
func (s *session) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeFn.Do(func() {
		close(s.done)
		_ = s.conn.Close(status, reason)
	})
}
