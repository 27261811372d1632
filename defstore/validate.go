package defstore

import (
	"fmt"
	"strconv"
	"strings"

	"goa.design/goa-ai/orcherr"
)

// validateOwnership enforces that a definition belongs to exactly one of a
// project or a shared library; inputs violating this are rejected.
func validateOwnership(in PutInput) error {
	hasProject := in.ProjectID != ""
	hasLibrary := in.LibraryID != ""
	if hasProject == hasLibrary {
		return orcherr.New(orcherr.KindValidation, "exactly one of projectId/libraryId must be set").
			WithField("projectId").WithConstraint("projectId XOR libraryId")
	}
	return nil
}

// validateGraph checks structural well-formedness of a workflow-kind
// definition's graph before it is fingerprinted or persisted.
func validateGraph(g *WorkflowGraphInput) error {
	if g == nil {
		return orcherr.New(orcherr.KindValidation, "workflow definition requires a graph").WithField("graph")
	}
	if g.InitialNodeRef == "" {
		return orcherr.New(orcherr.KindValidation, "initialNodeRef is required").WithField("initialNodeRef")
	}

	refs := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Ref == "" {
			return orcherr.New(orcherr.KindValidation, "node ref must not be empty").WithField("nodes[].ref")
		}
		if _, dup := refs[n.Ref]; dup {
			return orcherr.New(orcherr.KindValidation, fmt.Sprintf("duplicate node ref %q", n.Ref)).
				WithField("nodes[].ref").WithConstraint("unique(node.ref)")
		}
		refs[n.Ref] = struct{}{}
	}
	if _, ok := refs[g.InitialNodeRef]; !ok {
		return orcherr.New(orcherr.KindValidation, fmt.Sprintf("initialNodeRef %q does not resolve to a node", g.InitialNodeRef)).
			WithField("initialNodeRef")
	}

	declaredGroups := declaredSiblingGroups(g.Transitions)

	transitionRefs := make(map[string]struct{}, len(g.Transitions))
	for _, tr := range g.Transitions {
		if tr.Ref != "" {
			if _, dup := transitionRefs[tr.Ref]; dup {
				return orcherr.New(orcherr.KindValidation, fmt.Sprintf("duplicate transition ref %q", tr.Ref)).
					WithField("transitions[].ref").WithConstraint("unique(transition.ref)")
			}
			transitionRefs[tr.Ref] = struct{}{}
		}
		if _, ok := refs[tr.FromNodeRef]; !ok {
			return orcherr.New(orcherr.KindValidation, fmt.Sprintf("fromNodeRef %q does not resolve to a node", tr.FromNodeRef)).
				WithField("transitions[].fromNodeRef")
		}
		if _, ok := refs[tr.ToNodeRef]; !ok {
			return orcherr.New(orcherr.KindValidation, fmt.Sprintf("toNodeRef %q does not resolve to a node", tr.ToNodeRef)).
				WithField("transitions[].toNodeRef")
		}
		if tr.SpawnCount < 0 {
			return orcherr.New(orcherr.KindValidation, "spawnCount must be >= 1 when set").WithField("transitions[].spawnCount")
		}
		if tr.LoopConfig != nil && tr.LoopConfig.MaxIterations < 1 {
			return orcherr.New(orcherr.KindValidation, "loopConfig.maxIterations must be >= 1").WithField("transitions[].loopConfig.maxIterations")
		}
		if tr.Synchronization != nil {
			if err := validateSynchronization(*tr.Synchronization, declaredGroups); err != nil {
				return err
			}
		}
	}
	return nil
}

// declaredSiblingGroups collects every sibling group name declared by a
// fan-out-capable transition.
func declaredSiblingGroups(transitions []TransitionInput) map[string]struct{} {
	groups := make(map[string]struct{})
	for _, tr := range transitions {
		if tr.SiblingGroup != "" {
			groups[tr.SiblingGroup] = struct{}{}
		}
	}
	return groups
}

// validateSynchronization checks a synchronization block's invariants:
// siblingGroup must name a declared group, strategy must parse.
func validateSynchronization(s SynchronizationInput, declaredGroups map[string]struct{}) error {
	if s.SiblingGroup == "" {
		return orcherr.New(orcherr.KindValidation, "synchronization.siblingGroup is required").WithField("synchronization.siblingGroup")
	}
	if _, ok := declaredGroups[s.SiblingGroup]; !ok {
		return orcherr.New(orcherr.KindValidation, fmt.Sprintf("synchronization.siblingGroup %q does not name a group declared on any transition", s.SiblingGroup)).
			WithField("synchronization.siblingGroup").WithConstraint("siblingGroup declared on >=1 transition")
	}
	if _, _, err := ParseStrategy(s.Strategy); err != nil {
		return err
	}
	if s.Merge != nil {
		switch s.Merge.Strategy {
		case "append", "collect", "merge_object", "keyed_by_branch", "last_wins":
		default:
			return orcherr.New(orcherr.KindValidation, fmt.Sprintf("unknown merge strategy %q", s.Merge.Strategy)).
				WithField("synchronization.merge.strategy")
		}
	}
	switch s.OnTimeout {
	case "", "proceed_with_available", "fail":
	default:
		return orcherr.New(orcherr.KindValidation, fmt.Sprintf("unknown onTimeout %q", s.OnTimeout)).WithField("synchronization.onTimeout")
	}
	return nil
}

// ParseStrategy parses a synchronization strategy string ("any", "all", or
// "m_of_n:N") into its tagged form.
func ParseStrategy(raw string) (kind string, n int, err error) {
	if raw == "any" || raw == "all" {
		return raw, 0, nil
	}
	const prefix = "m_of_n:"
	if strings.HasPrefix(raw, prefix) {
		nStr := strings.TrimPrefix(raw, prefix)
		parsed, convErr := strconv.Atoi(nStr)
		if convErr != nil || parsed < 1 {
			return "", 0, orcherr.New(orcherr.KindValidation, fmt.Sprintf("invalid m_of_n strategy %q: N must be an integer >= 1", raw)).
				WithField("synchronization.strategy")
		}
		return "m_of_n", parsed, nil
	}
	return "", 0, orcherr.New(orcherr.KindValidation, fmt.Sprintf("unknown synchronization strategy %q", raw)).WithField("synchronization.strategy")
}
