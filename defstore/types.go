package defstore

import (
	"encoding/json"

	"goa.design/goa-ai/storekit"
)

// NodeInput is the author-facing form of a workflow node: it names its
// references by Ref, not by the ID the pipeline generates at transform
// time.
type NodeInput struct {
	Ref              string
	Name             string
	TaskID           string
	TaskVersion      int
	InputMapping     []storekit.FieldMapping
	OutputMapping    []storekit.FieldMapping
	ResourceBindings map[string]string
}

// SynchronizationInput is the author-facing form of storekit.Synchronization,
// carrying Strategy as the raw author string ("any", "all", "m_of_n:3")
// before Transform parses it into the tagged storekit.SyncStrategy + N form.
type SynchronizationInput struct {
	Strategy     string
	SiblingGroup string
	Merge        *storekit.Merge
	TimeoutMs    int64
	OnTimeout    storekit.OnTimeout
}

// TransitionInput is the author-facing form of a workflow transition,
// referencing nodes by NodeRef rather than the generated NodeID.
type TransitionInput struct {
	Ref             string
	FromNodeRef     string
	ToNodeRef       string
	Priority        int
	Condition       string // expr-lang source; empty means unconditional
	SpawnCount      int
	SiblingGroup    string
	Foreach         *storekit.Foreach
	LoopConfig      *storekit.LoopConfig
	Synchronization *SynchronizationInput
}

// WorkflowGraphInput is the author-facing form of storekit.WorkflowGraph
// submitted to Put for kind=workflow definitions.
type WorkflowGraphInput struct {
	Nodes          []NodeInput
	Transitions    []TransitionInput
	InitialNodeRef string

	InputSchema   json.RawMessage
	OutputSchema  json.RawMessage
	ContextSchema json.RawMessage
	OutputMapping []storekit.FieldMapping
}

// PutInput is the full request to persist one definition.
type PutInput struct {
	Kind storekit.DefinitionKind
	Name string
	// Reference defaults to Name when empty.
	Reference   string
	Description string
	ProjectID   string
	LibraryID   string

	// Graph is required when Kind == storekit.KindWorkflow and ignored
	// otherwise.
	Graph *WorkflowGraphInput
	// Content is the opaque kind-specific payload for non-workflow kinds.
	// Ignored when Graph is set.
	Content json.RawMessage

	// Autoversion enables content-hash deduplication: an equivalent
	// submission reuses the existing version instead of minting a new one.
	Autoversion bool
	// Force lets a Put with Autoversion false overwrite the latest existing
	// version of (reference, owner) in place; without Force, a Put for a
	// reference that already has a version is rejected as a conflict.
	Force bool
}

// PutResult reports what Put actually did, including whether autoversion
// found and reused an existing row.
type PutResult struct {
	Definition    storekit.Definition
	Reused        bool
	LatestVersion int
}
