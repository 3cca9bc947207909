package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/teamwire/protocol"
)

// handlerFunc executes one decrypted call. Handlers validate fully before
// mutating and run under the server's dispatch lock, so mutation and the
// resulting broadcast form one atomic step.
type handlerFunc func(ctx context.Context, sess *session, params json.RawMessage) (any, *protocol.Error)

// methodTable is the explicit enumeration of recognized methods. Anything
// outside it is rejected with a method-not-found error and never mutates
// state.
func (s *Server) methodTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.MethodRegister:  s.handleRegister,
		protocol.MethodBroadcast: s.handleBroadcast,
		protocol.MethodLedger:    s.handleLedger,
		protocol.MethodAttach:    s.handleAttach,
		protocol.MethodHandoff:   s.handleHandoff,
		protocol.MethodMode:      s.handleMode,
		protocol.MethodHeartbeat: s.handleHeartbeat,
		protocol.MethodLeave:     s.handleLeave,
	}
}

func decodeParams[T any](params json.RawMessage) (T, *protocol.Error) {
	var p T
	if len(params) == 0 {
		return p, &protocol.Error{Code: protocol.ErrorCodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, &protocol.Error{Code: protocol.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return p, nil
}

// callError maps domain errors onto call-scoped JSON-RPC errors.
func callError(err error) *protocol.Error {
	code := protocol.ErrorCodeInternalError
	switch {
	case errors.Is(err, ErrUnknownNode):
		code = protocol.ErrorCodeUnknownNode
	case errors.Is(err, ErrUnknownRepo):
		code = protocol.ErrorCodeUnknownRepo
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidMode), errors.Is(err, ErrInvalidNodeID):
		code = protocol.ErrorCodeInvalidParams
	}
	return &protocol.Error{Code: code, Message: err.Error()}
}

func (s *Server) handleRegister(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[RegisterParams](params)
	if perr != nil {
		return nil, perr
	}
	state, err := s.team.Register(p)
	if err != nil {
		return nil, callError(err)
	}
	sess.bindNode(p.NodeID)
	node := state.NodeByID(p.NodeID)
	s.broadcast(Event{Kind: EventJoin, Node: p.NodeID, Peer: node}, sess)
	return state, nil
}

func (s *Server) handleBroadcast(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[BroadcastParams](params)
	if perr != nil {
		return nil, perr
	}
	s.broadcast(Event{
		Kind:    EventBroadcast,
		Node:    p.NodeID,
		Message: p.Message,
		Payload: p.Payload,
	}, sess)
	return statusOK, nil
}

func (s *Server) handleLedger(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[LedgerParams](params)
	if perr != nil {
		return nil, perr
	}
	reply, err := s.team.AppendLedger(p)
	if err != nil {
		return nil, callError(err)
	}
	s.metrics.LedgerAppended(s.team.PendingPersists())
	s.broadcast(Event{Kind: EventLedger, Node: p.NodeID, Entry: &reply.Entry}, sess)
	return reply, nil
}

func (s *Server) handleAttach(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[AttachParams](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.team.Attach(p); err != nil {
		return nil, callError(err)
	}
	s.broadcast(Event{Kind: EventAttach, Node: p.NodeID, Repo: p.Repo, Path: p.Path}, sess)
	return statusOK, nil
}

func (s *Server) handleHandoff(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[HandoffParams](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.team.Handoff(p); err != nil {
		return nil, callError(err)
	}
	s.broadcast(Event{
		Kind:   EventHandoff,
		Repo:   p.Repo,
		Task:   p.Task,
		Source: p.Source,
		Target: p.Target,
	}, sess)
	return statusOK, nil
}

func (s *Server) handleMode(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[ModeParams](params)
	if perr != nil {
		return nil, perr
	}
	if err := s.team.SetMode(p.Mode); err != nil {
		return nil, callError(err)
	}
	s.broadcast(Event{Kind: EventMode, Mode: p.Mode}, sess)
	return statusOK, nil
}

func (s *Server) handleHeartbeat(_ context.Context, _ *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[HeartbeatParams](params)
	if perr != nil {
		return nil, perr
	}
	// Unknown nodes are a silent no-op; the caller should re-register.
	s.team.Heartbeat(p.NodeID)
	return statusOK, nil
}

func (s *Server) handleLeave(_ context.Context, sess *session, params json.RawMessage) (any, *protocol.Error) {
	p, perr := decodeParams[LeaveParams](params)
	if perr != nil {
		return nil, perr
	}
	nodeID := p.NodeID
	if nodeID == "" {
		nodeID = sess.boundNode()
	}
	if s.team.Leave(nodeID) {
		s.broadcast(Event{Kind: EventLeave, Node: nodeID}, sess)
	}
	return statusOK, nil
}
