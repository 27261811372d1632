package storekit

import (
	"context"
	"time"
)

// DefinitionStore persists Definitions and their denormalized Node/
// Transition rows. Implementations must preserve the (id, version) and
// (reference, owner, contentHash) uniqueness invariants;
// the Definition Store package (defstore) computes the fingerprint and
// autoversion decision before calling Put.
type DefinitionStore interface {
	// Put persists def (plus its parsed graph, if def.Kind == KindWorkflow)
	// in one batch: definition row, node rows, transition rows.
	Put(ctx context.Context, def Definition, nodes []Node, transitions []Transition) error

	// Get returns the definition at the given version, or the latest
	// version if version == 0.
	Get(ctx context.Context, id string, version int) (Definition, error)

	// GetByReference returns the latest version of the definition matching
	// kind/reference/owner.
	GetByReference(ctx context.Context, kind DefinitionKind, reference, owner string) (Definition, error)

	// FindByFingerprint looks up an existing row by (reference, owner,
	// contentHash) for autoversion dedup. Returns ErrNotFound if none
	// exists.
	FindByFingerprint(ctx context.Context, reference, owner, contentHash string) (Definition, error)

	// MaxVersion returns the highest existing version for (reference,
	// owner), or 0 if none exists.
	MaxVersion(ctx context.Context, reference, owner string) (int, error)

	// List returns the latest version of every definition of the given
	// kind visible to the given project/library scope.
	List(ctx context.Context, kind DefinitionKind, projectID, libraryID string) ([]Definition, error)

	// Graph returns the nodes and transitions for a workflow definition
	// version.
	Graph(ctx context.Context, id string, version int) ([]Node, []Transition, error)
}

// WorkflowRunStore persists WorkflowRun snapshots and their Tokens. The
// Workflow Coordinator writes one batch per tick.
type WorkflowRunStore interface {
	PutRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, runID string) (WorkflowRun, error)

	// PutTokens upserts the given tokens in one batch.
	PutTokens(ctx context.Context, runID string, tokens []Token) error
	// ListTokens returns every token currently recorded for runID,
	// including terminal ones still needed for fan-in lineage lookups.
	ListTokens(ctx context.Context, runID string) ([]Token, error)
}

// ConversationStore persists Conversations.
type ConversationStore interface {
	PutConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
}

// TurnStore persists Turns, their Messages, and their Moves.
type TurnStore interface {
	PutTurn(ctx context.Context, turn Turn) error
	GetTurn(ctx context.Context, id string) (Turn, error)
	// ListTurns returns the turns of a conversation ordered by CreatedAt,
	// most recent last. limit <= 0 means no limit.
	ListTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	AppendMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	AppendMove(ctx context.Context, move Move) error
	ListMoves(ctx context.Context, turnID string) ([]Move, error)
}

// EventStore persists Events and TraceEvents in flush batches.
type EventStore interface {
	// AppendEvents persists a batch of events already assigned sequence
	// numbers by the streamer actor.
	AppendEvents(ctx context.Context, events []Event) error
	// AppendTraceEvents persists a batch of trace events already assigned
	// sequence numbers.
	AppendTraceEvents(ctx context.Context, events []TraceEvent) error

	// LastSequence returns the highest persisted event sequence for
	// streamKey, or 0 if none exists. Loaded by a streamer actor on
	// restart before accepting new emissions.
	LastSequence(ctx context.Context, streamKey string) (int64, error)
	// LastTraceSequence returns the highest persisted trace sequence for
	// streamKey, or 0 if none exists.
	LastTraceSequence(ctx context.Context, streamKey string) (int64, error)

	// ListSince returns events for streamKey with sequence > afterSeq,
	// ordered by sequence. Used to serve reconnecting subscribers' history
	// window.
	ListSince(ctx context.Context, streamKey string, afterSeq int64, since time.Time) ([]Event, error)
}
