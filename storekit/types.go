// Package storekit defines the durable data model shared by the Workflow
// Coordinator, Conversation Runner, Event/Trace Streamer, and Definition
// Store, plus the Store contracts each component persists through. Two
// implementations ship: storekit/inmem (tests, local tooling) and
// storekit/mongostore (production), following the teacher's
// run.Record/run.Store/inmem.Store split.
package storekit

import (
	"encoding/json"
	"time"
)

// DefinitionKind enumerates the kinds of authored definition.
type DefinitionKind string

const (
	KindWorkflow      DefinitionKind = "workflow"
	KindTask          DefinitionKind = "task"
	KindPersona       DefinitionKind = "persona"
	KindAction        DefinitionKind = "action"
	KindModelProfile  DefinitionKind = "model-profile"
	KindArtifactType  DefinitionKind = "artifact-type"
	KindPromptSpec    DefinitionKind = "prompt-spec"
)

// Definition is a versioned, content-addressed authored object.
type Definition struct {
	ID          string         `bson:"_id" json:"id"`
	Version     int            `bson:"version" json:"version"`
	Kind        DefinitionKind `bson:"kind" json:"kind"`
	Name        string         `bson:"name" json:"name"`
	Reference   string         `bson:"reference" json:"reference"`
	Description string         `bson:"description,omitempty" json:"description,omitempty"`
	ProjectID   string         `bson:"projectId,omitempty" json:"projectId,omitempty"`
	LibraryID   string         `bson:"libraryId,omitempty" json:"libraryId,omitempty"`
	// Content is the kind-specific opaque payload. For kind=workflow this is
	// a WorkflowGraph encoded as raw JSON; other kinds store whatever shape
	// their authoring tool produces.
	Content     json.RawMessage `bson:"content" json:"content"`
	ContentHash string          `bson:"contentHash" json:"contentHash"`
	CreatedAt   time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time       `bson:"updatedAt" json:"updatedAt"`
}

// Owner returns the single non-empty owner scope (project or library),
// which Definition's invariant requires exactly one of for
// workflow/task/action, and one-of for persona.
func (d Definition) Owner() string {
	if d.ProjectID != "" {
		return d.ProjectID
	}
	return d.LibraryID
}

// WorkflowGraph is the structural content of a workflow-kind Definition.
type WorkflowGraph struct {
	Nodes         []Node       `json:"nodes"`
	Transitions   []Transition `json:"transitions"`
	InitialNodeID string       `json:"initialNodeId"`

	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
	ContextSchema json.RawMessage `json:"contextSchema,omitempty"`

	// OutputMapping maps dotted source paths (against {state, output,
	// _branch at terminal tokens}) to dotted target paths in the run's
	// final output, applied at completion.
	OutputMapping []FieldMapping `json:"outputMapping,omitempty"`
}

// FieldMapping is a dotted-path source → dotted-path target copy used by
// node/transition input/output mappings and the workflow's outputMapping.
type FieldMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Node is one step of a workflow graph. Nodes do no branching of their own;
// they execute at most one task and hand control to their outgoing
// transitions.
type Node struct {
	ID               string            `bson:"id" json:"id"`
	Ref              string            `bson:"ref" json:"ref"`
	Name             string            `bson:"name" json:"name"`
	TaskID           string            `bson:"taskId,omitempty" json:"taskId,omitempty"`
	TaskVersion      int               `bson:"taskVersion,omitempty" json:"taskVersion,omitempty"`
	InputMapping     []FieldMapping    `bson:"inputMapping,omitempty" json:"inputMapping,omitempty"`
	OutputMapping    []FieldMapping    `bson:"outputMapping,omitempty" json:"outputMapping,omitempty"`
	ResourceBindings map[string]string `bson:"resourceBindings,omitempty" json:"resourceBindings,omitempty"`

	// TargetType tells the tick loop whether TaskID names an external task
	// (dispatch.TargetTask) or a sub-workflow definition (dispatch.TargetWorkflow).
	// Defaults to "task" when empty.
	TargetType string `bson:"targetType,omitempty" json:"targetType,omitempty"`

	// OnFailure is the node's failure policy: "abort" (default) fails the
	// run, "retry" re-enters the token as pending with attempt+1, "continue"
	// routes as on success with a sentinel error value in context.
	OnFailure string `bson:"onFailure,omitempty" json:"onFailure,omitempty"`
}

// Node failure policies.
const (
	OnFailureAbort    = "abort"
	OnFailureRetry    = "retry"
	OnFailureContinue = "continue"
)

// SyncStrategy names a fan-in predicate.
type SyncStrategy string

const (
	SyncAny  SyncStrategy = "any"
	SyncAll  SyncStrategy = "all"
	SyncMofN SyncStrategy = "m_of_n"
)

// MergeStrategy names how sibling branch values combine at fan-in.
type MergeStrategy string

const (
	MergeAppend        MergeStrategy = "append"
	MergeCollect        MergeStrategy = "collect"
	MergeObject         MergeStrategy = "merge_object"
	MergeKeyedByBranch  MergeStrategy = "keyed_by_branch"
	MergeLastWins        MergeStrategy = "last_wins"
)

// OnTimeout names the behavior when a synchronization's timeoutMs fires
// before its predicate is satisfied.
type OnTimeout string

const (
	OnTimeoutProceedWithAvailable OnTimeout = "proceed_with_available"
	OnTimeoutFail                 OnTimeout = "fail"
)

// Merge describes how sibling branch values combine once a Synchronization
// predicate is satisfied.
type Merge struct {
	Source   string        `bson:"source" json:"source"`
	Target   string        `bson:"target" json:"target"`
	Strategy MergeStrategy `bson:"strategy" json:"strategy"`
}

// Synchronization configures fan-in behavior on a transition.
type Synchronization struct {
	Strategy SyncStrategy `bson:"strategy" json:"strategy"`
	// N is only meaningful when Strategy == SyncMofN; must be >= 1.
	N            int       `bson:"n,omitempty" json:"n,omitempty"`
	SiblingGroup string    `bson:"siblingGroup" json:"siblingGroup"`
	Merge        *Merge    `bson:"merge,omitempty" json:"merge,omitempty"`
	TimeoutMs    int64     `bson:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	OnTimeout    OnTimeout `bson:"onTimeout,omitempty" json:"onTimeout,omitempty"`
}

// Foreach drives per-element fan-out from a collection evaluated against
// the current context.
type Foreach struct {
	Collection string `bson:"collection" json:"collection"`
	ItemVar    string `bson:"itemVar" json:"itemVar"`
}

// LoopConfig bounds repeated traversal of a looping transition.
type LoopConfig struct {
	MaxIterations int `bson:"maxIterations" json:"maxIterations"`
}

// Transition connects two nodes, optionally guarded by a condition and
// configured for fan-out/fan-in/looping.
type Transition struct {
	ID           string `bson:"id" json:"id"`
	Ref          string `bson:"ref,omitempty" json:"ref,omitempty"`
	FromNodeID   string `bson:"fromNodeId" json:"fromNodeId"`
	ToNodeID     string `bson:"toNodeId" json:"toNodeId"`
	Priority     int    `bson:"priority" json:"priority"`
	// Condition is the JSON condition envelope defstore writes around the
	// expression's source text (see defstore.ConditionSource); nil means
	// unconditional.
	Condition json.RawMessage `bson:"condition,omitempty" json:"condition,omitempty"`

	SpawnCount      int              `bson:"spawnCount,omitempty" json:"spawnCount,omitempty"`
	SiblingGroup    string           `bson:"siblingGroup,omitempty" json:"siblingGroup,omitempty"`
	Foreach         *Foreach         `bson:"foreach,omitempty" json:"foreach,omitempty"`
	LoopConfig      *LoopConfig      `bson:"loopConfig,omitempty" json:"loopConfig,omitempty"`
	Synchronization *Synchronization `bson:"synchronization,omitempty" json:"synchronization,omitempty"`
}

// TokenStatus is the lifecycle state of a Token.
type TokenStatus string

const (
	TokenPending    TokenStatus = "pending"
	TokenDispatched TokenStatus = "dispatched"
	TokenCompleted  TokenStatus = "completed"
	TokenFailed     TokenStatus = "failed"
	TokenCancelled  TokenStatus = "cancelled"
	TokenWaiting    TokenStatus = "waiting"
)

// Token is a point of active execution within a WorkflowRun.
type Token struct {
	ID       string      `bson:"id" json:"id"`
	RunID    string      `bson:"runId" json:"runId"`
	NodeID   string      `bson:"nodeId" json:"nodeId"`
	Status   TokenStatus `bson:"status" json:"status"`

	ParentTokenID      string `bson:"parentTokenId,omitempty" json:"parentTokenId,omitempty"`
	FanOutTransitionID string `bson:"fanOutTransitionId,omitempty" json:"fanOutTransitionId,omitempty"`
	BranchIndex        int    `bson:"branchIndex,omitempty" json:"branchIndex,omitempty"`
	BranchTotal        int    `bson:"branchTotal,omitempty" json:"branchTotal,omitempty"`

	// LoopIteration counts how many times this token's lineage has fired
	// the loopConfig-bearing transition that produced it, enforcing
	// LoopConfig.MaxIterations.
	LoopIteration int `bson:"loopIteration,omitempty" json:"loopIteration,omitempty"`

	// Attempt counts retries of this token's current node under an
	// onFailure=retry policy.
	Attempt int `bson:"attempt,omitempty" json:"attempt,omitempty"`

	// FailureReason is set when Status is failed.
	FailureReason string `bson:"failureReason,omitempty" json:"failureReason,omitempty"`

	// BranchStore is this token's private `_branch` sub-store, dropped when
	// its branch ends (merged into a sibling or cancelled).
	BranchStore map[string]any `bson:"branchStore,omitempty" json:"branchStore,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// RunStatus is the lifecycle status of a WorkflowRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunContext holds the three JSON sections exposed to transition
// conditions and mappings.
type RunContext struct {
	Input  map[string]any `bson:"input" json:"input"`
	State  map[string]any `bson:"state" json:"state"`
	Output map[string]any `bson:"output" json:"output"`
}

// WorkflowRun is a single execution of a workflow Definition.
type WorkflowRun struct {
	ID               string     `bson:"_id" json:"id"`
	WorkflowDefID    string     `bson:"workflowDefId" json:"workflowDefId"`
	WorkflowVersion  int        `bson:"workflowVersion" json:"workflowVersion"`
	Context          RunContext `bson:"context" json:"context"`
	ActiveTokenIDs   []string   `bson:"activeTokenIds" json:"activeTokenIds"`
	Status           RunStatus  `bson:"status" json:"status"`
	ParentRunID      string     `bson:"parentRunId,omitempty" json:"parentRunId,omitempty"`
	ParentNodeID     string     `bson:"parentNodeId,omitempty" json:"parentNodeId,omitempty"`
	FailureReason    string     `bson:"failureReason,omitempty" json:"failureReason,omitempty"`
	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// ParticipantKind distinguishes the two kinds of conversation participant.
type ParticipantKind string

const (
	ParticipantUser  ParticipantKind = "user"
	ParticipantAgent ParticipantKind = "agent"
)

// Participant is one member of a Conversation, either a user or an agent.
type Participant struct {
	Kind ParticipantKind `bson:"kind" json:"kind"`
	ID   string          `bson:"id" json:"id"`
}

// ConversationStatus is the lifecycle status of a Conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationWaiting   ConversationStatus = "waiting"
	ConversationCompleted ConversationStatus = "completed"
	ConversationFailed    ConversationStatus = "failed"
)

// Conversation groups an ordered set of participants exchanging turns.
type Conversation struct {
	ID           string             `bson:"_id" json:"id"`
	Participants []Participant      `bson:"participants" json:"participants"`
	Status       ConversationStatus `bson:"status" json:"status"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// CallerKind distinguishes who initiated a Turn.
type CallerKind string

const (
	CallerUser        CallerKind = "user"
	CallerWorkflowRun CallerKind = "workflow-run"
	CallerAgentTurn   CallerKind = "agent-turn"
)

// Caller identifies who started a turn.
type Caller struct {
	Kind CallerKind `bson:"kind" json:"kind"`
	// RefID is the user ID, workflow run ID, or parent turn ID depending on
	// Kind.
	RefID string `bson:"refId,omitempty" json:"refId,omitempty"`
}

// TurnStatus is the lifecycle status of a Turn.
type TurnStatus string

const (
	TurnActive    TurnStatus = "active"
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
)

// Turn is one user-message-to-agent-response cycle within a Conversation.
type Turn struct {
	ID             string     `bson:"_id" json:"id"`
	ConversationID string     `bson:"conversationId" json:"conversationId"`
	Caller         Caller     `bson:"caller" json:"caller"`
	Input          string     `bson:"input,omitempty" json:"input,omitempty"`
	ReplyToMessageID string   `bson:"replyToMessageId,omitempty" json:"replyToMessageId,omitempty"`
	Status         TurnStatus `bson:"status" json:"status"`

	ContextAssemblyRunID  string `bson:"contextAssemblyRunId,omitempty" json:"contextAssemblyRunId,omitempty"`
	MemoryExtractionRunID string `bson:"memoryExtractionRunId,omitempty" json:"memoryExtractionRunId,omitempty"`

	MemoryExtractionFailed bool `bson:"memoryExtractionFailed" json:"memoryExtractionFailed"`
	ToolFailureCount       int  `bson:"toolFailureCount" json:"toolFailureCount"`
	// PendingAsyncCount tracks outstanding async tool dispatches; the turn
	// may only complete once this reaches zero and the LLM loop has exited.
	PendingAsyncCount int `bson:"pendingAsyncCount" json:"pendingAsyncCount"`
	// LLMLoopExited records whether the LLM returned a terminal text
	// response with no further tool calls.
	LLMLoopExited bool `bson:"llmLoopExited" json:"llmLoopExited"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// MessageRole distinguishes who authored a Message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Message is one entry in a conversation's transcript.
type Message struct {
	ID             string      `bson:"_id" json:"id"`
	ConversationID string      `bson:"conversationId" json:"conversationId"`
	TurnID         string      `bson:"turnId" json:"turnId"`
	Role           MessageRole `bson:"role" json:"role"`
	Content        string      `bson:"content" json:"content"`
	CreatedAt      time.Time   `bson:"createdAt" json:"createdAt"`
}

// Move is one iteration of a turn's LLM-tool loop, recorded in occurrence
// order within the turn.
type Move struct {
	ID           string          `bson:"_id" json:"id"`
	TurnID       string          `bson:"turnId" json:"turnId"`
	HasReasoning bool            `bson:"hasReasoning,omitempty" json:"hasReasoning,omitempty"`
	HasToolCall  bool            `bson:"hasToolCall,omitempty" json:"hasToolCall,omitempty"`
	ToolCallID   string          `bson:"toolCallId,omitempty" json:"toolCallId,omitempty"`
	ToolResult   json.RawMessage `bson:"toolResult,omitempty" json:"toolResult,omitempty"`
	CreatedAt    time.Time       `bson:"createdAt" json:"createdAt"`
}

// ExecutionType distinguishes which actor kind a stream key belongs to.
type ExecutionType string

const (
	ExecutionWorkflow     ExecutionType = "workflow"
	ExecutionConversation ExecutionType = "conversation"
)

// Event is one append-only entry in a stream key's event log. Sequence is
// strictly increasing per StreamKey with no gaps on the happy path.
type Event struct {
	ID            string         `bson:"_id" json:"id"`
	StreamKey     string         `bson:"streamKey" json:"streamKey"`
	ExecutionID   string         `bson:"executionId" json:"executionId"`
	ExecutionType ExecutionType  `bson:"executionType" json:"executionType"`
	ProjectID     string         `bson:"projectId,omitempty" json:"projectId,omitempty"`
	Sequence      int64          `bson:"sequence" json:"sequence"`
	Type          string         `bson:"type" json:"type"`
	Timestamp     time.Time      `bson:"timestamp" json:"timestamp"`
	NodeID        string         `bson:"nodeId,omitempty" json:"nodeId,omitempty"`
	TokenID       string         `bson:"tokenId,omitempty" json:"tokenId,omitempty"`
	Metadata      map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// TraceCategory enumerates the categories of TraceEvent.
type TraceCategory string

const (
	TraceDecision TraceCategory = "decision"
	TraceOperation TraceCategory = "operation"
	TraceDispatch TraceCategory = "dispatch"
	TraceSQL      TraceCategory = "sql"
	TraceDebug    TraceCategory = "debug"
)

// TraceEvent follows the same sequencing discipline as Event under a
// separate per-stream-key counter.
type TraceEvent struct {
	ID            string          `bson:"_id" json:"id"`
	StreamKey     string          `bson:"streamKey" json:"streamKey"`
	ExecutionID   string          `bson:"executionId" json:"executionId"`
	ExecutionType ExecutionType   `bson:"executionType" json:"executionType"`
	Sequence      int64           `bson:"sequence" json:"sequence"`
	Category      TraceCategory   `bson:"category" json:"category"`
	Type          string          `bson:"type" json:"type"`
	Timestamp     time.Time       `bson:"timestamp" json:"timestamp"`
	DurationMs    int64           `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
	Payload       json.RawMessage `bson:"payload,omitempty" json:"payload,omitempty"`
}
