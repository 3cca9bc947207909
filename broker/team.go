package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Persister durably records team state. broker/store provides the disk
// implementation; tests substitute fakes.
type Persister interface {
	WriteSnapshot(TeamState) error
	AppendLedger(LedgerEntry) error
	WriteCapabilities(Node) error
	// PendingLedger reports acknowledged entries still awaiting a
	// successful append.
	PendingLedger() int
}

// Recorder mirrors acknowledged ledger entries into an analytics sink.
type Recorder interface {
	Record(teamID string, entry LedgerEntry) error
}

// Team is the single authority over shared team state. Every mutation,
// including heartbeat evictions, goes through its methods under one mutex,
// so all sessions observe state changes in the same relative order.
//
// Persistence follows accept-then-best-effort: the in-memory mutation is
// acknowledged even when the disk write fails; failures are logged and the
// ledger store retries on the next append.
type Team struct {
	teamID string
	logger *zap.Logger

	mu          sync.Mutex
	mode        Mode
	nodes       map[string]Node
	ledger      []LedgerEntry
	attachments map[string]string
	nextEntryID uint64

	persist Persister
	record  Recorder
	now     func() time.Time
}

// Option configures a Team.
type Option func(*Team)

// WithPersister attaches a durable store.
func WithPersister(p Persister) Option {
	return func(t *Team) { t.persist = p }
}

// WithRecorder attaches an analytics sink.
func WithRecorder(r Recorder) Option {
	return func(t *Team) { t.record = r }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Team) { t.now = now }
}

// WithTeamID fixes the team id instead of generating one. Used when
// restoring a persisted team.
func WithTeamID(id string) Option {
	return func(t *Team) { t.teamID = id }
}

// NewTeam creates an empty team. The team id is assigned once and never
// changes for the lifetime of the process.
func NewTeam(logger *zap.Logger, opts ...Option) *Team {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Team{
		mode:        ModeSync,
		nodes:       make(map[string]Node),
		attachments: make(map[string]string),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.teamID == "" {
		t.teamID = uuid.NewString()
	}
	t.logger = logger.With(zap.String("component", "team"), zap.String("team_id", t.teamID))
	return t
}

// Restore seeds the team from a persisted snapshot, typically at broker
// startup. It must be called before any session is served.
func (t *Team) Restore(state TeamState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state.Mode.Valid() {
		t.mode = state.Mode
	}
	t.ledger = append([]LedgerEntry(nil), state.Ledger...)
	for _, e := range t.ledger {
		if e.ID >= t.nextEntryID {
			t.nextEntryID = e.ID + 1
		}
	}
	t.attachments = make(map[string]string, len(state.Attachments))
	for repo, owner := range state.Attachments {
		t.attachments[repo] = owner
	}
	// Nodes are not restored: membership reflects live connections only.
}

// TeamID returns the immutable team identifier.
func (t *Team) TeamID() string {
	return t.teamID
}

// Register inserts or replaces a node and returns the full team snapshot.
// Re-registering an existing node id replaces the prior entry, which is
// how reconnecting nodes resume membership. Idempotent.
func (t *Team) Register(p RegisterParams) (TeamState, error) {
	if !ValidNodeID(p.NodeID) {
		return TeamState{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, p.NodeID)
	}
	if p.Role == "" {
		p.Role = RoleEditor
	}
	if !p.Role.Valid() {
		return TeamState{}, fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := Node{
		NodeID:        p.NodeID,
		Name:          p.Name,
		Host:          p.Host,
		Role:          p.Role,
		Capabilities:  append([]string(nil), p.Capabilities...),
		LastHeartbeat: t.now(),
	}
	if node.Name == "" {
		node.Name = node.NodeID
	}
	t.nodes[node.NodeID] = node
	t.logger.Info("node registered",
		zap.String("node_id", node.NodeID),
		zap.String("role", string(node.Role)))

	t.persistLocked()
	if t.persist != nil {
		if err := t.persist.WriteCapabilities(node); err != nil {
			t.logger.Warn("capabilities write failed", zap.Error(err))
		}
	}
	return t.snapshotLocked(), nil
}

// Heartbeat refreshes a node's liveness timestamp. Unknown nodes are a
// silent no-op; the caller is expected to re-register.
func (t *Team) Heartbeat(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	node.LastHeartbeat = t.now()
	t.nodes[nodeID] = node
}

// AppendLedger assigns the next entry id, appends, persists, and returns
// the entry with updated derived totals.
func (t *Team) AppendLedger(p LedgerParams) (LedgerReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := LedgerEntry{
		ID:          t.nextEntryID,
		Timestamp:   t.now().UTC(),
		ActorNodeID: p.NodeID,
		Amount:      p.Amount,
		Description: p.Description,
	}
	t.nextEntryID++
	t.ledger = append(t.ledger, entry)

	if t.persist != nil {
		if err := t.persist.AppendLedger(entry); err != nil {
			// The mutation is already accepted; the store keeps the entry
			// pending and retries on the next append.
			t.logger.Error("ledger persist failed, entry pending retry",
				zap.Uint64("entry_id", entry.ID), zap.Error(err))
		}
	}
	t.persistLocked()
	if t.record != nil {
		if err := t.record.Record(t.teamID, entry); err != nil {
			t.logger.Warn("analytics record failed", zap.Error(err))
		}
	}
	return LedgerReply{Entry: entry, Totals: t.totalsLocked()}, nil
}

// PendingPersists reports how many acknowledged ledger entries await a
// successful disk append.
func (t *Team) PendingPersists() int {
	if t.persist == nil {
		return 0
	}
	return t.persist.PendingLedger()
}

// Totals derives ledger totals without mutating anything.
func (t *Team) Totals() LedgerTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalsLocked()
}

// Attach binds repo ownership to a node. Last writer wins: a new owner
// silently replaces the previous one, resolving concurrent attaches by
// arrival order at the broker. Idempotent.
func (t *Team) Attach(p AttachParams) error {
	if p.Repo == "" || p.NodeID == "" {
		return fmt.Errorf("%w: repo and node_id are required", ErrUnknownRepo)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attachments[p.Repo] = p.NodeID
	t.persistLocked()
	return nil
}

// Handoff reassigns repo ownership to target. The repo must already have
// an owner and the target must be a registered node; both checks run
// before any mutation.
func (t *Team) Handoff(p HandoffParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.attachments[p.Repo]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRepo, p.Repo)
	}
	if _, ok := t.nodes[p.Target]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, p.Target)
	}
	t.attachments[p.Repo] = p.Target
	t.persistLocked()
	return nil
}

// SetMode switches the collaboration mode. Idempotent.
func (t *Team) SetMode(mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	t.persistLocked()
	return nil
}

// Mode returns the current collaboration mode.
func (t *Team) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Leave removes a node and releases every attachment it owns. Removing an
// unknown node is a no-op.
func (t *Team) Leave(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[nodeID]; !ok {
		return false
	}
	delete(t.nodes, nodeID)
	t.releaseAttachmentsLocked(nodeID)
	t.persistLocked()
	t.logger.Info("node left", zap.String("node_id", nodeID))
	return true
}

// EvictStale removes every node whose last heartbeat is older than maxAge
// and returns the evicted nodes so the caller can broadcast departures.
// This is the only mutation not triggered by an inbound call.
func (t *Team) EvictStale(maxAge time.Duration) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	var evicted []Node
	for id, node := range t.nodes {
		if node.LastHeartbeat.Before(cutoff) {
			evicted = append(evicted, node)
			delete(t.nodes, id)
			t.releaseAttachmentsLocked(id)
		}
	}
	if len(evicted) > 0 {
		sort.Slice(evicted, func(i, j int) bool { return evicted[i].NodeID < evicted[j].NodeID })
		for _, node := range evicted {
			t.logger.Warn("node evicted after heartbeat timeout",
				zap.String("node_id", node.NodeID),
				zap.Time("last_heartbeat", node.LastHeartbeat))
		}
		t.persistLocked()
	}
	return evicted
}

// Snapshot returns a consistent point-in-time copy of the team state.
func (t *Team) Snapshot() TeamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// NodeCount returns the number of currently registered nodes.
func (t *Team) NodeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

func (t *Team) snapshotLocked() TeamState {
	nodes := make([]Node, 0, len(t.nodes))
	for _, node := range t.nodes {
		node.Capabilities = append([]string(nil), node.Capabilities...)
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	attachments := make(map[string]string, len(t.attachments))
	for repo, owner := range t.attachments {
		attachments[repo] = owner
	}
	return TeamState{
		TeamID:      t.teamID,
		Mode:        t.mode,
		Nodes:       nodes,
		Ledger:      append([]LedgerEntry(nil), t.ledger...),
		Attachments: attachments,
	}
}

func (t *Team) totalsLocked() LedgerTotals {
	totals := LedgerTotals{
		Entries: len(t.ledger),
		ByActor: make(map[string]float64),
	}
	for _, e := range t.ledger {
		totals.TotalAmount += e.Amount
		totals.ByActor[e.ActorNodeID] += e.Amount
	}
	return totals
}

func (t *Team) releaseAttachmentsLocked(nodeID string) {
	for repo, owner := range t.attachments {
		if owner == nodeID {
			delete(t.attachments, repo)
		}
	}
}

func (t *Team) persistLocked() {
	if t.persist == nil {
		return
	}
	if err := t.persist.WriteSnapshot(t.snapshotLocked()); err != nil {
		t.logger.Error("snapshot persist failed", zap.Error(err))
	}
}
