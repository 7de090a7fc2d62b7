package tracebus

import (
	"sync"

	"github.com/rs/zerolog"
)

// FrameType is the kind of message a Frame carries down a subscriber's
// stream.
type FrameType string

const (
	FrameAgentEvent  FrameType = "agentEvent"
	FrameRunStarted  FrameType = "runStarted"
	FrameRunFinished FrameType = "runFinished"
	FramePong        FrameType = "pong"
)

// Frame is the wire envelope a subscriber receives over the
// subscribe-protocol connection.
type Frame struct {
	Type      FrameType   `msgpack:"type"`
	Event     *AgentEvent `msgpack:"event,omitempty"`
	RunID     string      `msgpack:"runId,omitempty"`
	ProjectID string      `msgpack:"projectId,omitempty"`
	Status    string      `msgpack:"status,omitempty"`
	Error     string      `msgpack:"error,omitempty"`
}

// Subscriber is a long-lived stream for one project. Frames is buffered
// so the bus never blocks on a slow reader for long; a full channel
// drops the frame for that subscriber (with a warning) rather than
// stalling every other project's fan-out.
type Subscriber struct {
	id      uint64
	project string
	Frames  chan Frame
}

const subscriberBufferSize = 256

// Bus fans project-scoped trace events out to subscribers, buffering
// recent frames so a subscriber connecting mid-run still sees the full
// history before live frames: snapshot-then-unlock dispatch, generalized
// from a fire-and-forget pub/sub into one that also replays a ring
// buffer to late joiners.
type Bus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]*Subscriber
	buffers     map[string][]Frame // projectID -> ordered frame history
	bufferCap   int
	trees       map[string]*Tree // runID -> tree (one active run's tree lives here)
	log         zerolog.Logger
}

// NewBus builds a bus that retains up to bufferCap frames per project.
func NewBus(bufferCap int, log zerolog.Logger) *Bus {
	if bufferCap <= 0 {
		bufferCap = 500
	}
	return &Bus{
		subscribers: make(map[uint64]*Subscriber),
		buffers:     make(map[string][]Frame),
		trees:       make(map[string]*Tree),
		bufferCap:   bufferCap,
		log:         log.With().Str("component", "tracebus").Logger(),
	}
}

// Subscribe registers a subscriber for a project and immediately
// replays the buffered frame history into it, before returning — so
// the caller's subsequent reads from Frames are guaranteed to see
// buffered frames before any frame published after Subscribe returns.
func (b *Bus) Subscribe(projectID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{id: b.nextID, project: projectID, Frames: make(chan Frame, subscriberBufferSize)}
	for _, f := range b.buffers[projectID] {
		select {
		case sub.Frames <- f:
		default:
			b.log.Warn().Str("project_id", projectID).Msg("subscriber buffer full during replay")
		}
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.Frames)
	}
}

// Publish appends a frame to its project's buffer and broadcasts it to
// every live subscriber for that project, in the order Publish was
// called, so agent events are always delivered in the exact program
// order of their producing steps.
func (b *Bus) Publish(projectID string, frame Frame) {
	b.mu.Lock()
	buf := append(b.buffers[projectID], frame)
	if len(buf) > b.bufferCap {
		buf = buf[len(buf)-b.bufferCap:]
	}
	b.buffers[projectID] = buf

	var targets []*Subscriber
	for _, s := range b.subscribers {
		if s.project == projectID {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		select {
		case s.Frames <- frame:
		default:
			b.log.Warn().Str("project_id", projectID).Msg("dropping frame, subscriber not keeping up")
		}
	}
}

// PublishEvent applies ev to the run's tree (creating the tree lazily
// on first event) and publishes the resulting agentEvent frame.
func (b *Bus) PublishEvent(runID string, ev AgentEvent) {
	b.mu.Lock()
	tree, ok := b.trees[runID]
	if !ok {
		tree = NewTree("root", "run")
		b.trees[runID] = tree
	}
	tree.Apply(ev)
	b.mu.Unlock()

	b.Publish(ev.ProjectID, Frame{Type: FrameAgentEvent, Event: &ev})
}

// RunStarted emits the runStarted frame. It must be emitted strictly
// before any agentEvent for that run; callers must call this before
// the first PublishEvent for a run.
func (b *Bus) RunStarted(projectID, runID string) {
	b.mu.Lock()
	b.trees[runID] = NewTree("root", "run")
	b.mu.Unlock()
	b.Publish(projectID, Frame{Type: FrameRunStarted, RunID: runID, ProjectID: projectID})
}

// RunFinished emits the terminal frame for a run.
func (b *Bus) RunFinished(projectID, runID, status string) {
	b.Publish(projectID, Frame{Type: FrameRunFinished, RunID: runID, ProjectID: projectID, Status: status})
}

// Tree returns the live tree for a run, or nil if unknown.
func (b *Bus) Tree(runID string) *Tree {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trees[runID]
}

// DropRun releases a finished run's tree once nothing will reference it
// again. The project's buffered frames are kept.
func (b *Bus) DropRun(projectID, runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.trees, runID)
}
