package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/teamwire/internal/metrics"
	"github.com/BaSui01/teamwire/protocol"
	"github.com/BaSui01/teamwire/secure"
)

// Config tunes the broker's session handling and failure detection.
type Config struct {
	// Interval between heartbeat-monitor ticks.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// Consecutive missed heartbeats before a node is evicted.
	HeartbeatMisses int `yaml:"heartbeat_misses" json:"heartbeat_misses"`
	// Outbound queue capacity per session.
	SessionQueueSize int `yaml:"session_queue_size" json:"session_queue_size"`
	// Inbound frames per second per session. Zero disables the limit.
	FrameRateLimit float64 `yaml:"frame_rate_limit" json:"frame_rate_limit"`
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatMisses:   5,
		SessionQueueSize:  64,
		FrameRateLimit:    200,
	}
}

// Server accepts node connections and routes their decrypted calls into
// the team authority. Mutation plus the resulting broadcast run under one
// dispatch lock, so every session observes state changes in the same
// relative order.
type Server struct {
	team    *Team
	codec   *protocol.Codec
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	// Serializes mutation + broadcast as a single step.
	dispatchMu sync.Mutex

	sessMu   sync.RWMutex
	sessions map[string]*session

	handlers map[string]handlerFunc
}

// NewServer wires the team, codec, and metrics into a broker server.
// A nil collector disables metrics.
func NewServer(team *Team, codec *protocol.Codec, config Config, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.HeartbeatMisses <= 0 {
		config.HeartbeatMisses = 5
	}
	if config.SessionQueueSize <= 0 {
		config.SessionQueueSize = 64
	}
	s := &Server{
		team:     team,
		codec:    codec,
		config:   config,
		logger:   logger.With(zap.String("component", "broker_server")),
		metrics:  collector,
		sessions: make(map[string]*session),
	}
	s.handlers = s.methodTable()
	return s
}

// Team exposes the underlying state authority, mainly for tests and the
// daemon's status logging.
func (s *Server) Team() *Team {
	return s.team
}

// ServeHTTP upgrades the request to a WebSocket and serves the session
// until the connection drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"teamwire"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	s.serveConn(r.Context(), conn)
}

// serveConn runs one session's read loop. Membership is not tied to the
// connection: a dropped connection leaves the node registered until it
// explicitly leaves or the heartbeat monitor evicts it.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	sess := newSession(uuid.NewString(), conn, s.config.SessionQueueSize, s.config.FrameRateLimit, s.logger)

	s.sessMu.Lock()
	s.sessions[sess.id] = sess
	s.sessMu.Unlock()
	s.metrics.SessionOpened()
	s.logger.Info("session opened", zap.String("session_id", sess.id))

	go sess.writeLoop(ctx)

	defer func() {
		sess.close(websocket.StatusNormalClosure, "closing")
		s.sessMu.Lock()
		delete(s.sessions, sess.id)
		s.sessMu.Unlock()
		s.metrics.SessionClosed()
		s.logger.Info("session closed", zap.String("session_id", sess.id))
	}()

	for {
		if err := sess.throttle(ctx); err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Info("session read ended", zap.String("session_id", sess.id), zap.Error(err))
			}
			return
		}
		s.processFrame(ctx, sess, data)
	}
}

// processFrame decodes, decrypts, and dispatches one inbound frame.
// Framing and decryption errors affect only the frame: it is dropped with
// a warning and the connection stays open.
func (s *Server) processFrame(ctx context.Context, sess *session, data []byte) {
	frame, err := s.codec.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame",
			zap.String("session_id", sess.id), zap.Error(err))
		return
	}
	if frame.IsResponse() {
		// The broker never issues requests to clients, so responses have
		// nothing to match against.
		s.logger.Warn("dropping unexpected response frame",
			zap.String("session_id", sess.id), zap.String("id", frame.ID))
		return
	}

	msg, err := s.codec.OpenMessage(frame)
	if err != nil {
		if errors.Is(err, secure.ErrDecryptFailure) {
			s.metrics.DecryptFailure()
			s.logger.Warn("dropping undecryptable frame",
				zap.String("session_id", sess.id))
			return
		}
		s.replyError(sess, frame.ID, protocol.ErrorCodeInvalidRequest, err.Error())
		return
	}

	s.metrics.FrameProcessed(msg.Method)

	handler, ok := s.handlers[msg.Method]
	if !ok {
		s.logger.Warn("unknown method",
			zap.String("session_id", sess.id), zap.String("method", msg.Method))
		s.replyError(sess, frame.ID, protocol.ErrorCodeMethodNotFound,
			"unknown method "+msg.Method)
		return
	}

	s.dispatchMu.Lock()
	result, rpcErr := handler(ctx, sess, msg.Params)
	s.dispatchMu.Unlock()

	if frame.ID == "" {
		return
	}
	if rpcErr != nil {
		s.replyError(sess, frame.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.reply(sess, frame.ID, result)
}

func (s *Server) reply(sess *session, id string, result any) {
	data, err := s.codec.EncodeResult(id, result)
	if err != nil {
		s.logger.Error("encode result failed", zap.Error(err))
		return
	}
	s.deliver(sess, data)
}

func (s *Server) replyError(sess *session, id string, code int, message string) {
	if id == "" {
		return
	}
	data, err := s.codec.EncodeError(id, code, message)
	if err != nil {
		s.logger.Error("encode error failed", zap.Error(err))
		return
	}
	s.deliver(sess, data)
}

// deliver enqueues data for one session, disconnecting it on overflow.
func (s *Server) deliver(sess *session, data []byte) {
	if sess.enqueue(data) {
		return
	}
	s.metrics.QueueOverflow()
	s.logger.Warn("session queue overflow, disconnecting",
		zap.String("session_id", sess.id),
		zap.String("node_id", sess.boundNode()))
	sess.close(websocket.StatusPolicyViolation, "outbound queue overflow")
}

// broadcast fans a team.event notification out to every live session
// except exclude. The event is encoded once and enqueued per session.
func (s *Server) broadcast(event Event, exclude *session) {
	data, err := s.codec.EncodeNotification(protocol.MethodTeamEvent, event)
	if err != nil {
		s.logger.Error("encode broadcast failed", zap.Error(err))
		return
	}

	s.sessMu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if exclude != nil && sess.id == exclude.id {
			continue
		}
		targets = append(targets, sess)
	}
	s.sessMu.RUnlock()

	for _, sess := range targets {
		s.metrics.Broadcast()
		s.deliver(sess, data)
	}
}

// sessionForNode finds the session currently bound to a node id.
func (s *Server) sessionForNode(nodeID string) *session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for _, sess := range s.sessions {
		if sess.boundNode() == nodeID {
			return sess
		}
	}
	return nil
}
