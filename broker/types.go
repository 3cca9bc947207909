// Package broker implements the authoritative team broker: it owns the
// team state (node registry, ledger, attachments, collaboration mode),
// serializes every mutation, and fans resulting events out to all connected
// sessions over the encrypted wire protocol.
package broker

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Role describes what a node is allowed to do at the collaboration layer.
// Role-based restriction of individual calls is enforced by outer layers,
// not by the broker.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleObserver Role = "observer"
)

// Valid reports whether the role is one of the recognized values.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleObserver:
		return true
	}
	return false
}

// Mode is the team-wide collaboration style.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeReview Mode = "review"
)

// Valid reports whether the mode is one of the recognized values.
func (m Mode) Valid() bool {
	switch m {
	case ModeSync, ModeAsync, ModeReview:
		return true
	}
	return false
}

// Node is one connected agent process within the team.
type Node struct {
	NodeID        string    `json:"node_id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Role          Role      `json:"role"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// LedgerEntry is one immutable budget/spend record. Entry ids are assigned
// by the broker and strictly increase.
type LedgerEntry struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ActorNodeID string    `json:"actor_node_id"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
}

// TeamState is the full read-only snapshot returned to registering nodes
// and persisted by the store. The broker owns the authoritative copy.
type TeamState struct {
	TeamID      string            `json:"team_id"`
	Mode        Mode              `json:"mode"`
	Nodes       []Node            `json:"nodes"`
	Ledger      []LedgerEntry     `json:"ledger"`
	Attachments map[string]string `json:"attachments"`
}

// NodeByID finds a node in the snapshot, or nil if absent.
func (ts TeamState) NodeByID(id string) *Node {
	for i := range ts.Nodes {
		if ts.Nodes[i].NodeID == id {
			return &ts.Nodes[i]
		}
	}
	return nil
}

// LedgerTotals are derived from the ledger on demand, never stored.
type LedgerTotals struct {
	Entries     int                `json:"entries"`
	TotalAmount float64            `json:"total_amount"`
	ByActor     map[string]float64 `json:"by_actor"`
}

// Sentinel errors surfaced to callers as call-scoped JSON-RPC errors.
var (
	ErrUnknownNode   = errors.New("broker: unknown node")
	ErrUnknownRepo   = errors.New("broker: unknown repo")
	ErrInvalidRole   = errors.New("broker: invalid role")
	ErrInvalidMode   = errors.New("broker: invalid mode")
	ErrInvalidNodeID = errors.New("broker: invalid node id")
)

// ValidNodeID reports whether id is safe to use as a registry key and in
// per-node file names: non-empty, no path separators, and not a
// directory-relative name.
func ValidNodeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// RegisterParams creates or replaces a node entry. Re-registering an
// existing node_id is treated as a reconnection.
type RegisterParams struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	Host         string   `json:"host"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// BroadcastParams re-emits an arbitrary message to all other sessions.
type BroadcastParams struct {
	NodeID  string          `json:"node_id"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LedgerParams appends a budget entry on behalf of a node.
type LedgerParams struct {
	NodeID      string  `json:"node_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

// LedgerReply acknowledges an appended entry with updated derived totals.
type LedgerReply struct {
	Entry  LedgerEntry  `json:"entry"`
	Totals LedgerTotals `json:"totals"`
}

// AttachParams binds a repo to its owning node.
type AttachParams struct {
	NodeID string `json:"node_id"`
	Repo   string `json:"repo"`
	Path   string `json:"path,omitempty"`
}

// HandoffParams reassigns repo ownership to a target node along with a
// description of the delegated task.
type HandoffParams struct {
	Repo   string `json:"repo"`
	Task   string `json:"task"`
	Source string `json:"source,omitempty"`
	Target string `json:"target"`
}

// ModeParams switches the team collaboration mode.
type ModeParams struct {
	Mode Mode `json:"mode"`
}

// HeartbeatParams refreshes a node's liveness timestamp.
type HeartbeatParams struct {
	NodeID string `json:"node_id"`
}

// LeaveParams removes a node from the team.
type LeaveParams struct {
	NodeID string `json:"node_id"`
}

// StatusReply is the generic acknowledgement for calls that return no data.
type StatusReply struct {
	Status string `json:"status"`
}

var statusOK = StatusReply{Status: "ok"}

// Event kinds carried inside team.event notifications.
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventAttach    = "attach"
	EventHandoff   = "handoff"
	EventMode      = "mode"
	EventLedger    = "ledger"
	EventBroadcast = "broadcast"
)

// Event is the body of a team.event notification. Only the fields relevant
// to the kind are populated.
type Event struct {
	Kind    string          `json:"kind"`
	Reason  string          `json:"reason,omitempty"`
	Node    string          `json:"node,omitempty"`
	Peer    *Node           `json:"peer,omitempty"`
	Repo    string          `json:"repo,omitempty"`
	Path    string          `json:"path,omitempty"`
	Task    string          `json:"task,omitempty"`
	Source  string          `json:"source,omitempty"`
	Target  string          `json:"target,omitempty"`
	Mode    Mode            `json:"mode,omitempty"`
	Entry   *LedgerEntry    `json:"entry,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
