package coordinator

import (
	"fmt"
	"reflect"
	"sort"

	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/storekit"
)

// siblingSet returns every token that was spawned alongside arrived: same
// fan-out parent, and (when the originating transition declares one) the
// same siblingGroup. This is the set a synchronization predicate is
// evaluated against.
func siblingSet(g Graph, allTokens []storekit.Token, arrived storekit.Token) []storekit.Token {
	origin, ok := g.transitionByID(arrived.FanOutTransitionID)
	group := ""
	if ok {
		group = origin.SiblingGroup
	}

	var out []storekit.Token
	for _, t := range allTokens {
		if t.ParentTokenID != arrived.ParentTokenID {
			continue
		}
		if group != "" {
			ot, ok := g.transitionByID(t.FanOutTransitionID)
			if ok && ot.SiblingGroup == group {
				out = append(out, t)
			}
			continue
		}
		if t.FanOutTransitionID == arrived.FanOutTransitionID {
			out = append(out, t)
		}
	}
	return out
}

// syncOutcome is the result of evaluating a Synchronization predicate
// against a sibling set at one point in time.
type syncOutcome struct {
	Satisfied    bool
	Participants []storekit.Token // arrived siblings, in branch-index order
	Pending      []storekit.Token // siblings still running
}

// evaluateSync applies a Synchronization's any/all/m_of_n predicate to the
// current arrival state of siblings.
func evaluateSync(sync *storekit.Synchronization, siblings []storekit.Token) syncOutcome {
	var participants, pending []storekit.Token
	for _, s := range siblings {
		// Waiting counts as arrived: a token only reaches Waiting after its
		// own branch finished and parked on this same synchronization, so
		// it has output to merge just like a Completed sibling.
		if s.Status == storekit.TokenCompleted || s.Status == storekit.TokenFailed || s.Status == storekit.TokenWaiting {
			participants = append(participants, s)
		} else {
			pending = append(pending, s)
		}
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].BranchIndex < participants[j].BranchIndex })

	satisfied := false
	switch sync.Strategy {
	case storekit.SyncAny:
		satisfied = len(participants) >= 1
	case storekit.SyncAll:
		satisfied = len(siblings) > 0 && len(participants) == len(siblings)
	case storekit.SyncMofN:
		satisfied = len(participants) >= sync.N
	}
	return syncOutcome{Satisfied: satisfied, Participants: participants, Pending: pending}
}

// mergeBranches combines the merge.Source value from each participant token
// per the configured MergeStrategy and returns the value to write at
// merge.Target.
func mergeBranches(ev *exprlang.Evaluator, run storekit.WorkflowRun, merge *storekit.Merge, participants []storekit.Token) (any, error) {
	type branchVal struct {
		idx int
		val any
	}
	vals := make([]branchVal, 0, len(participants))
	for _, tok := range participants {
		env := buildEnv(run, tok)
		v, err := ev.EvalValue(merge.Source, env)
		if err != nil {
			return nil, err
		}
		vals = append(vals, branchVal{idx: tok.BranchIndex, val: v})
	}

	switch merge.Strategy {
	case storekit.MergeAppend:
		out := make([]any, len(vals))
		for i, bv := range vals {
			out[i] = bv.val
		}
		return out, nil
	case storekit.MergeCollect:
		var out []any
		for _, bv := range vals {
			dup := false
			for _, existing := range out {
				if reflect.DeepEqual(existing, bv.val) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, bv.val)
			}
		}
		return out, nil
	case storekit.MergeObject:
		out := map[string]any{}
		for _, bv := range vals {
			m, ok := bv.val.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range m {
				out[k] = v
			}
		}
		return out, nil
	case storekit.MergeKeyedByBranch:
		out := map[string]any{}
		for _, bv := range vals {
			out[fmt.Sprintf("%d", bv.idx)] = bv.val
		}
		return out, nil
	case storekit.MergeLastWins:
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[len(vals)-1].val, nil
	default:
		return nil, nil
	}
}
