// Package store persists team state to disk. Each team owns a directory
// keyed by its team id containing a snapshot file, an append-only ledger
// log, and one capabilities file per node. Snapshot writes go through a
// temp-file-and-rename so a partially written file is never read back as
// valid; the ledger log is line-delimited and safe to truncate-recover.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/teamwire/broker"
)

const (
	snapshotFile = "snapshot.json"
	ledgerFile   = "ledger.jsonl"
)

// Store writes team state under a root directory. It is safe for
// concurrent use, though the broker serializes mutations before it ever
// reaches the store.
type Store struct {
	root   string
	teamID string
	logger *zap.Logger

	mu sync.Mutex
	// Entries whose append failed; retried before the next append so an
	// acknowledged entry is never silently lost.
	pending []broker.LedgerEntry
}

// New creates a store rooted at root for the given team, creating the
// team directory if needed.
func New(root, teamID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, teamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create team dir: %w", err)
	}
	return &Store{
		root:   root,
		teamID: teamID,
		logger: logger.With(zap.String("component", "team_store"), zap.String("team_id", teamID)),
	}, nil
}

// Dir returns the team-scoped directory.
func (s *Store) Dir() string {
	return filepath.Join(s.root, s.teamID)
}

// WriteSnapshot atomically replaces the team snapshot file.
func (s *Store) WriteSnapshot(state broker.TeamState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	if err := s.writeAtomic(filepath.Join(s.Dir(), snapshotFile), data); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the last persisted snapshot. Returns os.ErrNotExist
// if no snapshot has been written yet.
func (s *Store) LoadSnapshot() (broker.TeamState, error) {
	var state broker.TeamState
	data, err := os.ReadFile(filepath.Join(s.Dir(), snapshotFile))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("store: parse snapshot: %w", err)
	}
	return state, nil
}

// AppendLedger appends one entry to the ledger log, flushing any entries
// whose previous append failed first. On failure the entry joins the
// pending buffer and the error is returned so the caller can surface an
// alert; the in-memory mutation stands regardless.
func (s *Store) AppendLedger(entry broker.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := append(s.pending, entry)
	f, err := os.OpenFile(filepath.Join(s.Dir(), ledgerFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.pending = batch
		return fmt.Errorf("store: open ledger: %w", err)
	}
	defer f.Close()

	for i, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			s.pending = batch[i:]
			return fmt.Errorf("store: marshal ledger entry %d: %w", e.ID, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			s.pending = batch[i:]
			return fmt.Errorf("store: append ledger entry %d: %w", e.ID, err)
		}
	}
	if err := f.Sync(); err != nil {
		s.logger.Warn("ledger fsync failed", zap.Error(err))
	}
	s.pending = nil
	return nil
}

// PendingLedger reports how many acknowledged entries still await a
// successful append.
func (s *Store) PendingLedger() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LoadLedger replays the ledger log. A trailing partial line, as left by a
// crash mid-append, is skipped.
func (s *Store) LoadLedger() ([]broker.LedgerEntry, error) {
	f, err := os.Open(filepath.Join(s.Dir(), ledgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open ledger: %w", err)
	}
	defer f.Close()

	var entries []broker.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry broker.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping unreadable ledger line", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("store: read ledger: %w", err)
	}
	return entries, nil
}

// WriteCapabilities records a node's declared skills. The node id is
// embedded in the file name, so ids that do not form a plain file name
// are rejected to keep every write inside the team directory.
func (s *Store) WriteCapabilities(node broker.Node) error {
	if !broker.ValidNodeID(node.NodeID) {
		return fmt.Errorf("store: node id %q is not a valid file name", node.NodeID)
	}
	payload := struct {
		NodeID       string    `json:"node_id"`
		Name         string    `json:"name"`
		Host         string    `json:"host"`
		Capabilities []string  `json:"capabilities"`
		Timestamp    time.Time `json:"timestamp"`
	}{
		NodeID:       node.NodeID,
		Name:         node.Name,
		Host:         node.Host,
		Capabilities: node.Capabilities,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal capabilities: %w", err)
	}
	name := fmt.Sprintf("%s.capabilities.json", node.NodeID)
	if err := s.writeAtomic(filepath.Join(s.Dir(), name), data); err != nil {
		return fmt.Errorf("store: write capabilities: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the target directory and
// renames it over the destination.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
