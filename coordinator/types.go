// Package coordinator implements the Workflow Coordinator: one actor per
// run that drives a workflow-def graph deterministically through
// fan-out/fan-in/loop dataflow. Grounded on
// runtime/agent/runtime/runtime.go's single-threaded tool-loop driver
// (inbox -> plan -> dispatch -> emit), generalized from a fixed LLM-tool
// loop to an arbitrary graph of nodes and transitions, and on
// streamer.Actor for the channel-actor shape that drives it; see
// DESIGN.md for why this runs as a directly-owned actor rather than atop
// engine.Engine's durable WorkflowFunc replay model.
package coordinator

import (
	"goa.design/goa-ai/storekit"
)

// Graph is the resolved node/transition set for one workflow definition
// version, loaded once per run from the Definition Store.
type Graph struct {
	Nodes         []storekit.Node
	Transitions   []storekit.Transition
	InitialNodeID string
	InputSchema   []byte
	OutputSchema  []byte
	ContextSchema []byte
	OutputMapping []storekit.FieldMapping
}

func (g Graph) nodeByID(id string) (storekit.Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return storekit.Node{}, false
}

func (g Graph) outgoing(nodeID string) []storekit.Transition {
	var out []storekit.Transition
	for _, t := range g.Transitions {
		if t.FromNodeID == nodeID {
			out = append(out, t)
		}
	}
	return out
}

func (g Graph) transitionByID(id string) (storekit.Transition, bool) {
	for _, t := range g.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return storekit.Transition{}, false
}

// StartRunInput is the request to start a new run.
type StartRunInput struct {
	RunID   string
	DefID   string
	Version int
	Input   map[string]any
}

// InboxKind names the one kind of message a tick may process.
type InboxKind string

const (
	InboxTaskResult        InboxKind = "task_result"
	InboxSubworkflowResult InboxKind = "subworkflow_result"
	InboxCancel            InboxKind = "cancel"
	InboxSyncTimeout       InboxKind = "sync_timeout"
)

// InboxMessage is the single unit of work a tick applies. Exactly one is
// processed per tick.
type InboxMessage struct {
	Kind InboxKind

	// TokenID identifies the token a task/subworkflow result applies to.
	// A sync_timeout carries TransitionID instead.
	TokenID string
	Output  map[string]any
	Err     *TaskError

	// TransitionID identifies the synchronization transition a sync_timeout
	// fires against.
	TransitionID string

	Reason string // cancellation reason
}

// TaskError is a terminal task/subworkflow failure delivered into a tick.
type TaskError struct {
	Message string
	Kind    string // "abort" | "retry" | "continue", read from the node's on_failure policy by the caller
}

// EventToEmit is a workflow event pending emission through the streamer.
type EventToEmit struct {
	Type     string
	NodeID   string
	TokenID  string
	Metadata map[string]any
}

// timeoutKey identifies one in-flight synchronization timer.
type timeoutKey struct {
	transitionID string
	lineageRoot  string
}
