package coordinator

import (
	"sort"

	"goa.design/goa-ai/defstore"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/storekit"
)

// selectTransitions implements the routing algorithm for a token whose
// task has just completed at its current node: fetch outgoing transitions
// sorted by (priority, id), evaluate conditions against context, and
// return the primary match plus every transition sharing its sibling
// group. Returns (nil, false) if no transition matches.
func selectTransitions(ev *exprlang.Evaluator, g Graph, run storekit.WorkflowRun, tok storekit.Token) ([]storekit.Transition, bool, error) {
	outgoing := g.outgoing(tok.NodeID)
	sort.Slice(outgoing, func(i, j int) bool {
		if outgoing[i].Priority != outgoing[j].Priority {
			return outgoing[i].Priority < outgoing[j].Priority
		}
		return outgoing[i].ID < outgoing[j].ID
	})

	env := buildEnv(run, tok)
	var primary *storekit.Transition
	for i := range outgoing {
		t := outgoing[i]
		src, err := defstore.ConditionSource(t.Condition)
		if err != nil {
			return nil, false, err
		}
		ok, err := ev.EvalBool(src, env)
		if err != nil {
			return nil, false, err
		}
		if ok {
			primary = &outgoing[i]
			break
		}
	}
	if primary == nil {
		return nil, false, nil
	}

	matched := []storekit.Transition{*primary}
	if primary.SiblingGroup != "" {
		for _, t := range outgoing {
			if t.ID == primary.ID {
				continue
			}
			if t.SiblingGroup == primary.SiblingGroup {
				matched = append(matched, t)
			}
		}
	}
	return matched, true, nil
}
