package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/teamwire/broker"
	"github.com/BaSui01/teamwire/client"
	"github.com/BaSui01/teamwire/protocol"
	"github.com/BaSui01/teamwire/secure"
)

type testBroker struct {
	key    []byte
	url    string
	server *broker.Server
	http   *httptest.Server
}

func startBroker(t *testing.T, cfg broker.Config) *testBroker {
	t.Helper()

	key, err := secure.GenerateKey()
	require.NoError(t, err)
	enc, err := secure.NewEncryptor(key)
	require.NoError(t, err)

	team := broker.NewTeam(zap.NewNop(), broker.WithTeamID("team-test"))
	srv := broker.NewServer(team, protocol.NewCodec(enc), cfg, nil, zap.NewNop())

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testBroker{
		key:    key,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
		server: srv,
		http:   ts,
	}
}

func joinNode(t *testing.T, tb *testBroker, nodeID string, opts client.Options) (*client.Client, broker.TeamState) {
	t.Helper()

	opts.URL = tb.url
	opts.Key = tb.key
	opts.NodeID = nodeID
	if opts.Name == "" {
		opts.Name = nodeID
	}
	c, err := client.New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := c.Join(ctx)
	require.NoError(t, err)
	return c, state
}

// waitEvent drains the channel until an event of the wanted kind arrives.
func waitEvent(t *testing.T, events <-chan broker.Event, kind string) broker.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestJoinReturnsFullSnapshot(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	_, state1 := joinNode(t, tb, "n1", client.Options{Role: broker.RoleAdmin})
	require.Len(t, state1.Nodes, 1)
	assert.Equal(t, "team-test", state1.TeamID)
	assert.Equal(t, broker.ModeSync, state1.Mode)

	_, state2 := joinNode(t, tb, "n2", client.Options{})
	require.Len(t, state2.Nodes, 2)
	assert.Equal(t, "n1", state2.Nodes[0].NodeID)
	assert.Equal(t, "n2", state2.Nodes[1].NodeID)
}

func TestJoinEventReachesPeers(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	joinNode(t, tb, "n2", client.Options{Role: broker.RoleObserver})

	ev := waitEvent(t, c1.Events(), broker.EventJoin)
	assert.Equal(t, "n2", ev.Node)
	require.NotNil(t, ev.Peer)
	assert.Equal(t, broker.RoleObserver, ev.Peer.Role)

	// The mirror folds the join in.
	require.Eventually(t, func() bool {
		return len(c1.State().Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAttachThenHandoff(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})

	ctx := context.Background()
	require.NoError(t, c1.Attach(ctx, "alpha", "/work/alpha"))

	ev := waitEvent(t, c2.Events(), broker.EventAttach)
	assert.Equal(t, "n1", ev.Node)
	assert.Equal(t, "alpha", ev.Repo)
	assert.Equal(t, "/work/alpha", ev.Path)

	require.NoError(t, c1.Handoff(ctx, "alpha", "finish the review", "n2"))

	ev = waitEvent(t, c2.Events(), broker.EventHandoff)
	assert.Equal(t, "alpha", ev.Repo)
	assert.Equal(t, "finish the review", ev.Task)
	assert.Equal(t, "n1", ev.Source)
	assert.Equal(t, "n2", ev.Target)

	assert.Equal(t, "n2", c2.State().Attachments["alpha"])
	assert.Equal(t, "n2", tb.server.Team().Snapshot().Attachments["alpha"])
}

func TestHandoffUnknownRepoFailsWithoutMutation(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	joinNode(t, tb, "n2", client.Options{})

	err := c1.Handoff(context.Background(), "never-attached", "task", "n2")
	require.Error(t, err)

	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrorCodeUnknownRepo, rpcErr.Code)
	assert.Empty(t, tb.server.Team().Snapshot().Attachments)
}

func TestHandoffUnknownTarget(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())
	c1, _ := joinNode(t, tb, "n1", client.Options{})

	require.NoError(t, c1.Attach(context.Background(), "alpha", ""))
	err := c1.Handoff(context.Background(), "alpha", "task", "ghost")
	require.Error(t, err)

	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrorCodeUnknownNode, rpcErr.Code)
}

func TestConcurrentLedgerAppends(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})

	var wg sync.WaitGroup
	record := func(c *client.Client, amount float64, desc string) {
		defer wg.Done()
		_, err := c.RecordLedger(context.Background(), amount, desc)
		assert.NoError(t, err)
	}
	wg.Add(2)
	go record(c1, 5, "tokens")
	go record(c2, 3, "minutes")
	wg.Wait()

	totals := tb.server.Team().Totals()
	assert.Equal(t, 2, totals.Entries)
	assert.InDelta(t, 8.0, totals.TotalAmount, 1e-9)

	// Entry ids are unique and monotonic regardless of arrival order.
	ledger := tb.server.Team().Snapshot().Ledger
	require.Len(t, ledger, 2)
	assert.Equal(t, uint64(0), ledger[0].ID)
	assert.Equal(t, uint64(1), ledger[1].ID)
}

func TestLedgerEventReachesPeers(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})

	reply, err := c1.RecordLedger(context.Background(), 4.5, "api spend")
	require.NoError(t, err)
	assert.Equal(t, "n1", reply.Entry.ActorNodeID)
	assert.InDelta(t, 4.5, reply.Totals.TotalAmount, 1e-9)

	ev := waitEvent(t, c2.Events(), broker.EventLedger)
	require.NotNil(t, ev.Entry)
	assert.Equal(t, reply.Entry.ID, ev.Entry.ID)
	assert.InDelta(t, 4.5, ev.Entry.Amount, 1e-9)
}

func TestCallerMirrorsOwnMutations(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	joinNode(t, tb, "n2", client.Options{})

	ctx := context.Background()

	// Broadcasts exclude the caller, so the caller's mirror must reflect
	// its own successful calls immediately.
	require.NoError(t, c1.SetMode(ctx, broker.ModeReview))
	assert.Equal(t, broker.ModeReview, c1.State().Mode)

	require.NoError(t, c1.Attach(ctx, "alpha", "/alpha"))
	assert.Equal(t, "n1", c1.State().Attachments["alpha"])

	reply, err := c1.RecordLedger(ctx, 2.5, "tokens")
	require.NoError(t, err)
	ledger := c1.State().Ledger
	require.NotEmpty(t, ledger)
	assert.Equal(t, reply.Entry.ID, ledger[len(ledger)-1].ID)

	require.NoError(t, c1.Handoff(ctx, "alpha", "take over", "n2"))
	assert.Equal(t, "n2", c1.State().Attachments["alpha"])
}

func TestSetModePropagates(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})

	require.NoError(t, c1.SetMode(context.Background(), broker.ModeReview))

	ev := waitEvent(t, c2.Events(), broker.EventMode)
	assert.Equal(t, broker.ModeReview, ev.Mode)
	assert.Equal(t, broker.ModeReview, c2.State().Mode)

	err := c1.SetMode(context.Background(), "frantic")
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrorCodeInvalidParams, rpcErr.Code)
}

func TestBroadcastFansOutToOthers(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})
	c3, _ := joinNode(t, tb, "n3", client.Options{})

	require.NoError(t, c1.Broadcast(context.Background(), "build green", []byte(`{"sha":"abc"}`)))

	for _, c := range []*client.Client{c2, c3} {
		ev := waitEvent(t, c.Events(), broker.EventBroadcast)
		assert.Equal(t, "n1", ev.Node)
		assert.Equal(t, "build green", ev.Message)
		assert.JSONEq(t, `{"sha":"abc"}`, string(ev.Payload))
	}

	// The sender does not hear its own broadcast.
	select {
	case ev := <-c1.Events():
		assert.NotEqual(t, broker.EventBroadcast, ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLeaveReleasesAttachmentsAndNotifies(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c2, _ := joinNode(t, tb, "n2", client.Options{})

	require.NoError(t, c1.Attach(context.Background(), "alpha", ""))
	waitEvent(t, c2.Events(), broker.EventAttach)

	require.NoError(t, c1.Leave(context.Background()))

	ev := waitEvent(t, c2.Events(), broker.EventLeave)
	assert.Equal(t, "n1", ev.Node)

	require.Eventually(t, func() bool {
		state := tb.server.Team().Snapshot()
		return len(state.Nodes) == 1 && len(state.Attachments) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, c2.State().Attachments)
}

func TestHeartbeatEviction(t *testing.T) {
	cfg := broker.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   4,
		SessionQueueSize:  64,
	}
	tb := startBroker(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tb.server.RunHeartbeatMonitor(ctx)

	// The watcher heartbeats well inside the eviction window; the silent
	// node never heartbeats at all.
	watcher, _ := joinNode(t, tb, "watcher", client.Options{HeartbeatInterval: 20 * time.Millisecond})
	silent, _ := joinNode(t, tb, "silent", client.Options{HeartbeatInterval: time.Hour})

	ev := waitEvent(t, watcher.Events(), broker.EventLeave)
	assert.Equal(t, "silent", ev.Node)
	assert.Equal(t, "heartbeat-timeout", ev.Reason)

	require.Eventually(t, func() bool {
		return tb.server.Team().NodeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The timeout is not surfaced to the evicted node itself.
	drained := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-silent.Events():
			assert.False(t, ev.Kind == broker.EventLeave && ev.Node == "silent",
				"evicted node received its own departure event")
		case <-drained:
			return
		}
	}
}

func TestReconnectResumesMembership(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c1, _ := joinNode(t, tb, "n1", client.Options{})
	c1.Close()

	// Membership survives the dropped connection until eviction.
	assert.Equal(t, 1, tb.server.Team().NodeCount())

	_, state := joinNode(t, tb, "n1", client.Options{Name: "n1-again"})
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, "n1-again", state.Nodes[0].Name)
}

func TestWrongKeyNeverReachesHandlers(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	wrongKey, err := secure.GenerateKey()
	require.NoError(t, err)
	c, err := client.New(client.Options{
		URL:            tb.url,
		Key:            wrongKey,
		NodeID:         "intruder",
		RequestTimeout: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// The broker drops undecryptable frames without replying, so the
	// register call times out and no node is admitted.
	_, err = c.Join(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, tb.server.Team().NodeCount())
}

func TestLostConnectionFailsWithTransportError(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c, _ := joinNode(t, tb, "n1", client.Options{RequestTimeout: 500 * time.Millisecond})

	tb.http.CloseClientConnections()

	// Once the loss is detected, calls fail with the transport error, not
	// with ErrClosed.
	require.Eventually(t, func() bool {
		err := c.Attach(context.Background(), "alpha", "")
		return err != nil && !errors.Is(err, client.ErrClosed) &&
			!errors.Is(err, context.DeadlineExceeded)
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRequestAfterCloseFails(t *testing.T) {
	tb := startBroker(t, broker.DefaultConfig())

	c, _ := joinNode(t, tb, "n1", client.Options{})
	c.Close()

	err := c.Attach(context.Background(), "alpha", "")
	assert.ErrorIs(t, err, client.ErrClosed)
}
