package defstore

import (
	"encoding/json"

	"github.com/google/uuid"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/storekit"
)

// conditionAST is the serialized form of a parsed condition expression. The
// expr-lang program itself is not serializable, so the pipeline stores the
// validated source text; exprlang.Evaluator recompiles (and caches) it on
// first use by the coordinator. See DESIGN.md for the rationale.
type conditionAST struct {
	Expr string `json:"expr"`
}

// transformGraph rewrites an author-facing WorkflowGraphInput into the
// ID-addressed storekit.Node/storekit.Transition rows persisted by the
// Store, generating a fresh node ID per ref. Determinism here means "exactly
// once, consistently used within one call," not reproducible across calls;
// two Put calls for equivalent content are deduplicated by fingerprint
// before this function ever runs.
func transformGraph(g WorkflowGraphInput) (nodes []storekit.Node, transitions []storekit.Transition, initialNodeID string, err error) {
	refToID := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		refToID[n.Ref] = uuid.NewString()
	}
	initialNodeID = refToID[g.InitialNodeRef]

	nodes = make([]storekit.Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, storekit.Node{
			ID:               refToID[n.Ref],
			Ref:              n.Ref,
			Name:             n.Name,
			TaskID:           n.TaskID,
			TaskVersion:      n.TaskVersion,
			InputMapping:     n.InputMapping,
			OutputMapping:    n.OutputMapping,
			ResourceBindings: n.ResourceBindings,
		})
	}

	transitions = make([]storekit.Transition, 0, len(g.Transitions))
	for _, tr := range g.Transitions {
		var condRaw json.RawMessage
		if tr.Condition != "" {
			if _, cerr := exprlang.New().Compile(tr.Condition); cerr != nil {
				return nil, nil, "", cerr
			}
			condRaw, err = json.Marshal(conditionAST{Expr: tr.Condition})
			if err != nil {
				return nil, nil, "", err
			}
		}
		var sync *storekit.Synchronization
		if tr.Synchronization != nil {
			kind, n, perr := ParseStrategy(tr.Synchronization.Strategy)
			if perr != nil {
				return nil, nil, "", perr
			}
			sync = &storekit.Synchronization{
				Strategy:     storekit.SyncStrategy(kind),
				N:            n,
				SiblingGroup: tr.Synchronization.SiblingGroup,
				Merge:        tr.Synchronization.Merge,
				TimeoutMs:    tr.Synchronization.TimeoutMs,
				OnTimeout:    tr.Synchronization.OnTimeout,
			}
		}
		transitions = append(transitions, storekit.Transition{
			ID:              uuid.NewString(),
			Ref:             tr.Ref,
			FromNodeID:      refToID[tr.FromNodeRef],
			ToNodeID:        refToID[tr.ToNodeRef],
			Priority:        tr.Priority,
			Condition:       condRaw,
			SpawnCount:      tr.SpawnCount,
			SiblingGroup:    tr.SiblingGroup,
			Foreach:         tr.Foreach,
			LoopConfig:      tr.LoopConfig,
			Synchronization: sync,
		})
	}
	return nodes, transitions, initialNodeID, nil
}

// ConditionSource extracts the expr-lang source text from a transition's
// parsed condition AST, for use by the coordinator/exprlang at evaluation
// time. Returns "" for an unconditional transition.
func ConditionSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var ast conditionAST
	if err := json.Unmarshal(raw, &ast); err != nil {
		return "", err
	}
	return ast.Expr, nil
}
