package coordinator

import (
	"goa.design/goa-ai/exprlang"
	"goa.design/goa-ai/storekit"
)

// buildEnv assembles the expr-lang evaluation environment for a token: the
// run's three context sections plus this token's private branch store.
func buildEnv(run storekit.WorkflowRun, tok storekit.Token) exprlang.Env {
	return exprlang.Env{
		Input:  run.Context.Input,
		State:  run.Context.State,
		Output: run.Context.Output,
		Branch: tok.BranchStore,
	}
}

func ensureMap(m *map[string]any) {
	if *m == nil {
		*m = map[string]any{}
	}
}

// writePath writes value at a dotted path rooted at one of input/state/
// output/_branch, creating intermediate maps as needed.
func writePath(run *storekit.WorkflowRun, tok *storekit.Token, path string, value any) {
	section, rest, err := exprlang.SectionRoot(path)
	if err != nil {
		return
	}
	switch section {
	case "input":
		ensureMap(&run.Context.Input)
		exprlang.SetPath(run.Context.Input, rest, value)
	case "state":
		ensureMap(&run.Context.State)
		exprlang.SetPath(run.Context.State, rest, value)
	case "output":
		ensureMap(&run.Context.Output)
		exprlang.SetPath(run.Context.Output, rest, value)
	case "_branch":
		if tok == nil {
			return
		}
		if tok.BranchStore == nil {
			tok.BranchStore = map[string]any{}
		}
		exprlang.SetPath(tok.BranchStore, rest, value)
	}
}

// applyFieldMappings evaluates each mapping's Source against env and writes
// the result to Target in run (and tok, for _branch targets).
func applyFieldMappings(ev *exprlang.Evaluator, mappings []storekit.FieldMapping, env exprlang.Env, run *storekit.WorkflowRun, tok *storekit.Token) error {
	for _, m := range mappings {
		val, err := ev.EvalValue(m.Source, env)
		if err != nil {
			return err
		}
		writePath(run, tok, m.Target, val)
	}
	return nil
}
