package tracebus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RunStartedBeforeAgentEvent(t *testing.T) {
	b := NewBus(10, zerolog.Nop())
	sub := b.Subscribe("proj-1")
	b.RunStarted("proj-1", "run-1")
	b.PublishEvent("run-1", NewEvent("proj-1", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration", Title: "Iteration 0"}))

	first := <-sub.Frames
	second := <-sub.Frames
	assert.Equal(t, FrameRunStarted, first.Type)
	assert.Equal(t, FrameAgentEvent, second.Type)
}

func TestBus_LateSubscriberReceivesBufferedFramesFirst(t *testing.T) {
	b := NewBus(10, zerolog.Nop())
	b.RunStarted("proj-1", "run-1")
	b.PublishEvent("run-1", NewEvent("proj-1", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration"}))

	sub := b.Subscribe("proj-1")
	b.PublishEvent("run-1", NewEvent("proj-1", "root-iter0", EventNodeStarted, Payload{}))

	f1 := <-sub.Frames
	f2 := <-sub.Frames
	f3 := <-sub.Frames
	assert.Equal(t, FrameRunStarted, f1.Type)
	require.NotNil(t, f2.Event)
	assert.Equal(t, EventNodeCreated, f2.Event.Type)
	require.NotNil(t, f3.Event)
	assert.Equal(t, EventNodeStarted, f3.Event.Type)
}

func TestBus_BufferCapTrims(t *testing.T) {
	b := NewBus(2, zerolog.Nop())
	b.Publish("p", Frame{Type: FrameRunStarted, RunID: "r1"})
	b.Publish("p", Frame{Type: FrameRunStarted, RunID: "r2"})
	b.Publish("p", Frame{Type: FrameRunStarted, RunID: "r3"})

	sub := b.Subscribe("p")
	require.Len(t, sub.Frames, 2)
	f1 := <-sub.Frames
	f2 := <-sub.Frames
	assert.Equal(t, "r2", f1.RunID)
	assert.Equal(t, "r3", f2.RunID)
}

func TestTree_ApplyCreatesNodeUnderDerivedParent(t *testing.T) {
	tree := NewTree("root", "run")
	tree.Apply(NewEvent("p", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration", Title: "Iteration 0"}))
	tree.Apply(NewEvent("p", "root-iter0-screenshot", EventNodeCreated, Payload{StepKey: "screenshot", Title: "Screenshot"}))

	require.Len(t, tree.Root.Children, 1)
	iter := tree.Root.Children[0]
	assert.Equal(t, "root-iter0", iter.ID)
	require.Len(t, iter.Children, 1)
	assert.Equal(t, "root-iter0-screenshot", iter.Children[0].ID)
	assert.Equal(t, "root", iter.ParentID)
	assert.Equal(t, "root-iter0", iter.Children[0].ParentID)
}

func TestTree_IsBestMigratesToExactlyOneIteration(t *testing.T) {
	tree := NewTree("root", "run")
	tree.Apply(NewEvent("p", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration"}))
	tree.Apply(NewEvent("p", "root-iter1", EventNodeCreated, Payload{StepKey: "iteration"}))

	yes := true
	tree.Apply(NewEvent("p", "root-iter0", EventNodeFinished, Payload{IsBest: &yes}))
	assert.Equal(t, 0, tree.BestIterationIndex())

	tree.Apply(NewEvent("p", "root-iter1", EventNodeFinished, Payload{IsBest: &yes}))
	assert.Equal(t, 1, tree.BestIterationIndex())

	best := 0
	for i, c := range tree.Root.Children {
		if c.IsBest {
			best++
			_ = i
		}
	}
	assert.Equal(t, 1, best)
}

func TestTree_NodeFailedSetsErrorStatus(t *testing.T) {
	tree := NewTree("root", "run")
	tree.Apply(NewEvent("p", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration"}))
	tree.Apply(NewEvent("p", "root-iter0", EventNodeFailed, Payload{Message: "boom"}))

	node := tree.Root.Children[0]
	assert.Equal(t, StatusError, node.Status)
	assert.Equal(t, "boom", node.Message)
}

func TestEncodeDecodeFrame_RoundTrips(t *testing.T) {
	ev := NewEvent("p", "root-iter0", EventNodeCreated, Payload{StepKey: "iteration", Title: "Iteration 0"})
	frame := Frame{Type: FrameAgentEvent, Event: &ev}

	b, err := EncodeFrame(frame)
	require.NoError(t, err)
	decoded, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, frame.Type, decoded.Type)
	require.NotNil(t, decoded.Event)
	assert.Equal(t, ev.NodeID, decoded.Event.NodeID)
	assert.Equal(t, ev.Payload.Title, decoded.Event.Payload.Title)
}
