// Package client implements a team node: it dials the broker, registers,
// keeps a read-only mirror of the team state updated from responses and
// team.event notifications, and sends periodic heartbeats in the
// background.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/teamwire/broker"
	"github.com/BaSui01/teamwire/internal/tlsutil"
	"github.com/BaSui01/teamwire/protocol"
	"github.com/BaSui01/teamwire/secure"
)

// ErrClosed is returned for calls made after the client has closed.
var ErrClosed = errors.New("client: closed")

// Options configures a Client.
type Options struct {
	// Broker websocket URL, e.g. "ws://127.0.0.1:7341/ws".
	URL string
	// Shared 32-byte team key.
	Key []byte
	// Node identity announced at registration.
	NodeID       string
	Name         string
	Role         broker.Role
	Capabilities []string
	// Interval between heartbeat notifications (default 5s).
	HeartbeatInterval time.Duration
	// Capacity of the event subscription channel (default 64).
	EventBuffer int
	// RequestTimeout bounds each in-flight request (default 10s).
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Client is one node's connection to the team broker.
type Client struct {
	opts   Options
	codec  *protocol.Codec
	logger *zap.Logger

	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame
	// First transport failure observed; reported instead of ErrClosed so
	// callers can tell a lost connection from an explicit Close.
	transportErr error

	stateMu sync.RWMutex
	state   broker.TeamState

	events chan broker.Event

	done      chan struct{}
	closeOnce sync.Once
	hbOnce    sync.Once
}

// New creates an unconnected client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: broker URL is required")
	}
	enc, err := secure.NewEncryptor(opts.Key)
	if err != nil {
		return nil, err
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Name == "" {
		opts.Name = opts.NodeID
	}
	if opts.Role == "" {
		opts.Role = broker.RoleEditor
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		codec:   protocol.NewCodec(enc),
		logger:  logger.With(zap.String("component", "team_client"), zap.String("node_id", opts.NodeID)),
		pending: make(map[string]chan *protocol.Frame),
		events:  make(chan broker.Event, opts.EventBuffer),
		done:    make(chan struct{}),
	}, nil
}

// NodeID returns this node's identifier.
func (c *Client) NodeID() string {
	return c.opts.NodeID
}

// Join connects to the broker, registers, and starts the background
// heartbeat. The returned state is the broker's full snapshot at
// registration time.
func (c *Client) Join(ctx context.Context) (broker.TeamState, error) {
	dialOpts := &websocket.DialOptions{
		Subprotocols: []string{"teamwire"},
	}
	if strings.HasPrefix(c.opts.URL, "wss://") {
		dialOpts.HTTPClient = &http.Client{Transport: tlsutil.ClientTransport()}
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, dialOpts)
	if err != nil {
		return broker.TeamState{}, fmt.Errorf("client: connect: %w", err)
	}
	c.conn = conn
	go c.readLoop(context.WithoutCancel(ctx))

	host, _ := os.Hostname()
	params := broker.RegisterParams{
		NodeID:       c.opts.NodeID,
		Name:         c.opts.Name,
		Host:         host,
		Role:         c.opts.Role,
		Capabilities: c.opts.Capabilities,
	}
	var state broker.TeamState
	if err := c.request(ctx, protocol.MethodRegister, params, &state); err != nil {
		c.Close()
		return broker.TeamState{}, err
	}

	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()

	c.hbOnce.Do(func() {
		go c.heartbeatLoop()
	})
	c.logger.Info("joined team", zap.String("team_id", state.TeamID))
	return state, nil
}

// State returns the local read-only mirror of the team state.
func (c *Client) State() broker.TeamState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Events returns the subscription channel for team events. Events are
// dropped when the subscriber falls more than the buffer behind.
func (c *Client) Events() <-chan broker.Event {
	return c.events
}

// Attach claims ownership of a repo for this node. Successful calls fold
// their own mutation into the local mirror; the broadcast covers the
// other nodes.
func (c *Client) Attach(ctx context.Context, repo, path string) error {
	var reply broker.StatusReply
	if err := c.request(ctx, protocol.MethodAttach, broker.AttachParams{
		NodeID: c.opts.NodeID,
		Repo:   repo,
		Path:   path,
	}, &reply); err != nil {
		return err
	}
	c.applyEvent(broker.Event{Kind: broker.EventAttach, Node: c.opts.NodeID, Repo: repo, Path: path})
	return nil
}

// Handoff delegates a repo and task to another registered node.
func (c *Client) Handoff(ctx context.Context, repo, task, target string) error {
	var reply broker.StatusReply
	if err := c.request(ctx, protocol.MethodHandoff, broker.HandoffParams{
		Repo:   repo,
		Task:   task,
		Source: c.opts.NodeID,
		Target: target,
	}, &reply); err != nil {
		return err
	}
	c.applyEvent(broker.Event{Kind: broker.EventHandoff, Repo: repo, Source: c.opts.NodeID, Target: target})
	return nil
}

// RecordLedger appends a budget entry and returns the broker's totals.
func (c *Client) RecordLedger(ctx context.Context, amount float64, description string) (broker.LedgerReply, error) {
	var reply broker.LedgerReply
	err := c.request(ctx, protocol.MethodLedger, broker.LedgerParams{
		NodeID:      c.opts.NodeID,
		Amount:      amount,
		Description: description,
	}, &reply)
	if err != nil {
		return reply, err
	}
	c.applyEvent(broker.Event{Kind: broker.EventLedger, Node: c.opts.NodeID, Entry: &reply.Entry})
	return reply, nil
}

// SetMode switches the team collaboration mode.
func (c *Client) SetMode(ctx context.Context, mode broker.Mode) error {
	var reply broker.StatusReply
	if err := c.request(ctx, protocol.MethodMode, broker.ModeParams{Mode: mode}, &reply); err != nil {
		return err
	}
	c.applyEvent(broker.Event{Kind: broker.EventMode, Mode: mode})
	return nil
}

// Broadcast re-emits a message to every other connected node.
func (c *Client) Broadcast(ctx context.Context, message string, payload []byte) error {
	var reply broker.StatusReply
	return c.request(ctx, protocol.MethodBroadcast, broker.BroadcastParams{
		NodeID:  c.opts.NodeID,
		Message: message,
		Payload: payload,
	}, &reply)
}

// Leave announces departure and closes the connection.
func (c *Client) Leave(ctx context.Context) error {
	err := c.notify(ctx, protocol.MethodLeave, broker.LeaveParams{NodeID: c.opts.NodeID})
	c.Close()
	return err
}

// Close tears down the connection without announcing departure. The
// broker's heartbeat monitor will eventually evict the node.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		}
		c.failPending(ErrClosed)
	})
}

func (c *Client) request(ctx context.Context, method string, params, out any) error {
	select {
	case <-c.done:
		return c.closeReason()
	default:
	}

	id := uuid.NewString()
	data, err := c.codec.EncodeRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if err := c.write(ctx, data); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeReason()
	case frame := <-ch:
		if frame == nil {
			return c.closeReason()
		}
		if frame.Error != nil {
			return frame.Error
		}
		return c.codec.OpenResult(frame, out)
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := c.codec.EncodeNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *Client) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
				// Read errors after an explicit Close are expected.
				c.failPending(ErrClosed)
			default:
				c.logger.Warn("connection lost", zap.Error(err))
				c.failPending(fmt.Errorf("client: connection lost: %w", err))
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	frame, err := c.codec.DecodeFrame(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if frame.IsResponse() {
		c.pendingMu.Lock()
		ch, ok := c.pending[frame.ID]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Warn("response with no pending request", zap.String("id", frame.ID))
			return
		}
		ch <- frame
		return
	}

	msg, err := c.codec.OpenMessage(frame)
	if err != nil {
		if errors.Is(err, secure.ErrDecryptFailure) {
			c.logger.Warn("dropping undecryptable frame")
			return
		}
		c.logger.Warn("dropping malformed payload", zap.Error(err))
		return
	}
	if msg.Method != protocol.MethodTeamEvent {
		c.logger.Warn("ignoring unexpected method", zap.String("method", msg.Method))
		return
	}

	var event broker.Event
	if err := json.Unmarshal(msg.Params, &event); err != nil {
		c.logger.Warn("dropping malformed event", zap.Error(err))
		return
	}
	c.applyEvent(event)

	select {
	case c.events <- event:
	default:
		c.logger.Debug("event subscriber behind, dropping event",
			zap.String("kind", event.Kind))
	}
}

// applyEvent folds a broadcast into the local state mirror.
func (c *Client) applyEvent(event broker.Event) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	switch event.Kind {
	case broker.EventJoin:
		if event.Peer == nil {
			return
		}
		replaced := false
		for i := range c.state.Nodes {
			if c.state.Nodes[i].NodeID == event.Peer.NodeID {
				c.state.Nodes[i] = *event.Peer
				replaced = true
				break
			}
		}
		if !replaced {
			c.state.Nodes = append(c.state.Nodes, *event.Peer)
		}
	case broker.EventLeave:
		nodes := c.state.Nodes[:0]
		for _, n := range c.state.Nodes {
			if n.NodeID != event.Node {
				nodes = append(nodes, n)
			}
		}
		c.state.Nodes = nodes
		for repo, owner := range c.state.Attachments {
			if owner == event.Node {
				delete(c.state.Attachments, repo)
			}
		}
	case broker.EventAttach:
		if c.state.Attachments == nil {
			c.state.Attachments = make(map[string]string)
		}
		c.state.Attachments[event.Repo] = event.Node
	case broker.EventHandoff:
		if c.state.Attachments == nil {
			c.state.Attachments = make(map[string]string)
		}
		c.state.Attachments[event.Repo] = event.Target
	case broker.EventMode:
		c.state.Mode = event.Mode
	case broker.EventLedger:
		if event.Entry != nil {
			c.state.Ledger = append(c.state.Ledger, *event.Entry)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
			err := c.notify(ctx, protocol.MethodHeartbeat, broker.HeartbeatParams{NodeID: c.opts.NodeID})
			cancel()
			if err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// failPending records the failure and wakes every in-flight request with
// a nil frame; the request path reports closeReason for those.
func (c *Client) failPending(err error) {
	c.logger.Debug("failing pending requests", zap.Error(err))
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.transportErr == nil && !errors.Is(err, ErrClosed) {
		c.transportErr = err
	}
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

// closeReason returns the first transport failure, or ErrClosed when the
// client was shut down deliberately.
func (c *Client) closeReason() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.transportErr != nil {
		return c.transportErr
	}
	return ErrClosed
}
