// Package tracebus assembles a growing tree of step nodes from a stream
// of AgentEvents and fans both the raw events and the derived tree out
// to subscribers, buffering for late joiners.
package tracebus

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of transition an AgentEvent carries.
type EventType string

const (
	EventNodeCreated   EventType = "nodeCreated"
	EventNodeStarted   EventType = "nodeStarted"
	EventNodeProgress  EventType = "nodeProgress"
	EventNodeFinished  EventType = "nodeFinished"
	EventNodeFailed    EventType = "nodeFailed"
	EventArtifactAdded EventType = "artifactAdded"
)

// NodeStatus is a trace node's lifecycle state.
type NodeStatus string

const (
	StatusPending NodeStatus = "pending"
	StatusRunning NodeStatus = "running"
	StatusSuccess NodeStatus = "success"
	StatusError   NodeStatus = "error"
)

// Artifact is a file or screenshot attached to a node.
type Artifact struct {
	Kind string `msgpack:"kind"`
	Path string `msgpack:"path"`
}

// Payload carries the subset of fields relevant to one event.
type Payload struct {
	StepKey      string    `msgpack:"stepKey,omitempty"`
	Title        string    `msgpack:"title,omitempty"`
	Status       string    `msgpack:"status,omitempty"`
	Message      string    `msgpack:"message,omitempty"`
	ProgressPct  float64   `msgpack:"progressPct,omitempty"`
	Score        *float64  `msgpack:"score,omitempty"`
	Decision     string    `msgpack:"decision,omitempty"`
	IsBest       *bool     `msgpack:"isBest,omitempty"`
	FocusArea    string    `msgpack:"focusArea,omitempty"`
	Artifact     *Artifact `msgpack:"artifact,omitempty"`
}

// AgentEvent is an immutable record of a trace transition.
type AgentEvent struct {
	EventID   string    `msgpack:"eventId"`
	ProjectID string    `msgpack:"projectId"`
	PackID    string    `msgpack:"packId,omitempty"`
	NodeID    string    `msgpack:"nodeId"`
	Type      EventType `msgpack:"type"`
	Ts        time.Time `msgpack:"ts"`
	Payload   Payload   `msgpack:"payload"`
}

// NewEvent stamps a fresh event id and timestamp.
func NewEvent(projectID, nodeID string, typ EventType, payload Payload) AgentEvent {
	return AgentEvent{
		EventID:   uuid.New().String(),
		ProjectID: projectID,
		NodeID:    nodeID,
		Type:      typ,
		Ts:        time.Now(),
		Payload:   payload,
	}
}

// Node is one entry in the progress tree. Children are ordered by
// first-seen time.
type Node struct {
	ID         string      `msgpack:"id"`
	ParentID   string      `msgpack:"parentId,omitempty"`
	StepKey    string      `msgpack:"stepKey"`
	Title      string      `msgpack:"title"`
	Status     NodeStatus  `msgpack:"status"`
	Message    string      `msgpack:"message,omitempty"`
	FocusArea  string      `msgpack:"focusArea,omitempty"`
	Score      *float64    `msgpack:"score,omitempty"`
	IsBest     bool        `msgpack:"isBest"`
	StartedAt  time.Time   `msgpack:"startedAt,omitempty"`
	FinishedAt time.Time   `msgpack:"finishedAt,omitempty"`
	Artifacts  []Artifact  `msgpack:"artifacts,omitempty"`
	Children   []*Node     `msgpack:"children,omitempty"`
}

// Tree is the full progress tree for one run.
type Tree struct {
	Root *Node
	// index is a flat lookup from node id to node, so Apply does not
	// need to walk the tree for every event.
	index map[string]*Node
}

// NewTree builds an empty tree rooted at rootID.
func NewTree(rootID, title string) *Tree {
	root := &Node{ID: rootID, StepKey: "root", Title: title, Status: StatusPending}
	return &Tree{Root: root, index: map[string]*Node{rootID: root}}
}

// parentID derives a node's parent id by stripping its last
// "-<segment>" suffix. Root has no parent.
func parentID(id, rootID string) string {
	if id == rootID {
		return ""
	}
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return rootID
	}
	return id[:idx]
}

// Apply mutates the tree according to one event, creating the node on
// first sight (for nodeCreated/nodeStarted) or updating it otherwise.
// Unknown event types or malformed references to a not-yet-created
// node (for event types other than created/started) are ignored.
func (t *Tree) Apply(ev AgentEvent) {
	node, exists := t.index[ev.NodeID]
	if !exists {
		if ev.Type != EventNodeCreated && ev.Type != EventNodeStarted {
			return
		}
		parent := t.index[parentID(ev.NodeID, t.Root.ID)]
		if parent == nil {
			parent = t.Root
		}
		node = &Node{
			ID:      ev.NodeID,
			ParentID: parent.ID,
			StepKey: ev.Payload.StepKey,
			Title:   ev.Payload.Title,
			Status:  StatusPending,
		}
		t.index[ev.NodeID] = node
		parent.Children = append(parent.Children, node)
	}

	switch ev.Type {
	case EventNodeCreated:
		if ev.Payload.Title != "" {
			node.Title = ev.Payload.Title
		}
	case EventNodeStarted:
		node.Status = StatusRunning
		node.StartedAt = ev.Ts
		if ev.Payload.Title != "" {
			node.Title = ev.Payload.Title
		}
	case EventNodeProgress:
		if ev.Payload.Message != "" {
			node.Message = ev.Payload.Message
		}
		if ev.Payload.FocusArea != "" {
			node.FocusArea = ev.Payload.FocusArea
		}
	case EventNodeFinished:
		status := StatusSuccess
		if ev.Payload.Status != "" {
			status = NodeStatus(ev.Payload.Status)
		}
		node.Status = status
		node.FinishedAt = ev.Ts
		if ev.Payload.Message != "" {
			node.Message = ev.Payload.Message
		}
		if ev.Payload.Score != nil {
			node.Score = ev.Payload.Score
		}
		if ev.Payload.IsBest != nil {
			t.setBest(node, *ev.Payload.IsBest)
		}
	case EventNodeFailed:
		node.Status = StatusError
		node.FinishedAt = ev.Ts
		if ev.Payload.Message != "" {
			node.Message = ev.Payload.Message
		}
	case EventArtifactAdded:
		if ev.Payload.Artifact != nil {
			node.Artifacts = append(node.Artifacts, *ev.Payload.Artifact)
		}
	}
}

// setBest enforces "isBest is set on exactly one finished iteration node
// at a time" by clearing every sibling iteration node's flag before
// setting this one.
func (t *Tree) setBest(node *Node, isBest bool) {
	if !isBest {
		node.IsBest = false
		return
	}
	for _, n := range t.index {
		if n.StepKey == "iteration" {
			n.IsBest = false
		}
	}
	node.IsBest = true
}

// BestIterationIndex scans iteration children for IsBest, returning -1
// if none is currently set.
func (t *Tree) BestIterationIndex() int {
	best := -1
	for i, child := range t.Root.Children {
		if child.StepKey == "iteration" && child.IsBest {
			best = i
		}
	}
	return best
}

// Clone deep-copies the tree for safe handoff to a subscriber. This
// module has no structural-sharing representation; it favors the
// simpler, correct-by-construction clone since run trees stay small
// (tens of nodes, not millions).
func (t *Tree) Clone() *Node {
	return cloneNode(t.Root)
}

func cloneNode(n *Node) *Node {
	cp := *n
	cp.Children = make([]*Node, len(n.Children))
	for i, c := range n.Children {
		cp.Children[i] = cloneNode(c)
	}
	cp.Artifacts = append([]Artifact(nil), n.Artifacts...)
	return &cp
}
