package coordinator

import (
	"time"

	"github.com/google/uuid"
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
)

// spawnChildren creates the child tokens produced by taking transition t
// from parent: one child per spawnCount slot, one per foreach.collection
// element, or a single child for a plain transition. Enforces
// loopConfig.maxIterations when t loops.
func spawnChildren(ev *exprlang.Evaluator, run storekit.WorkflowRun, parent storekit.Token, t storekit.Transition, now time.Time) ([]storekit.Token, error) {
	loopIteration := parent.LoopIteration
	if t.LoopConfig != nil {
		loopIteration++
		if loopIteration > t.LoopConfig.MaxIterations {
			return nil, orcherr.New(orcherr.KindLoopLimitExceeded, "loop limit exceeded for transition").
				WithField("transitionId").WithConstraint("loopConfig.maxIterations")
		}
	}

	base := storekit.Token{
		RunID:              parent.RunID,
		NodeID:             t.ToNodeID,
		Status:             storekit.TokenPending,
		ParentTokenID:      parent.ID,
		FanOutTransitionID: t.ID,
		LoopIteration:      loopIteration,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	switch {
	case t.SpawnCount > 0:
		children := make([]storekit.Token, t.SpawnCount)
		for i := 0; i < t.SpawnCount; i++ {
			c := base
			c.ID = uuid.NewString()
			c.BranchIndex = i
			c.BranchTotal = t.SpawnCount
			children[i] = c
		}
		return children, nil
	case t.Foreach != nil:
		env := buildEnv(run, parent)
		items, err := ev.EvalCollection(t.Foreach.Collection, env)
		if err != nil {
			return nil, err
		}
		children := make([]storekit.Token, len(items))
		for i, item := range items {
			c := base
			c.ID = uuid.NewString()
			c.BranchIndex = i
			c.BranchTotal = len(items)
			c.BranchStore = map[string]any{t.Foreach.ItemVar: item}
			children[i] = c
		}
		return children, nil
	default:
		c := base
		c.ID = uuid.NewString()
		c.BranchTotal = 1
		return []storekit.Token{c}, nil
	}
}
