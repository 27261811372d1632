package defstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"goa.design/goa-ai/storekit"
)

// canonicalJSON round-trips v through json.Unmarshal into a generic
// any/map[string]any tree and re-marshals it. encoding/json sorts map keys
// on marshal, so this normalizes away author key ordering without a custom
// canonicalizer: any permutation of object keys produces the same hash.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || string(b) == "null" {
		return b, nil
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

type fingerprintNode struct {
	Ref              string                   `json:"ref"`
	Name             string                   `json:"name,omitempty"`
	TaskID           string                   `json:"taskId,omitempty"`
	TaskVersion      int                      `json:"taskVersion,omitempty"`
	InputMapping     []storekit.FieldMapping  `json:"inputMapping,omitempty"`
	OutputMapping    []storekit.FieldMapping  `json:"outputMapping,omitempty"`
	ResourceBindings map[string]string        `json:"resourceBindings,omitempty"`
}

type fingerprintTransition struct {
	Ref             string                 `json:"ref,omitempty"`
	FromNodeRef     string                 `json:"fromNodeRef"`
	ToNodeRef       string                 `json:"toNodeRef"`
	Priority        int                    `json:"priority"`
	Condition       string                 `json:"condition,omitempty"`
	SpawnCount      int                    `json:"spawnCount,omitempty"`
	SiblingGroup    string                 `json:"siblingGroup,omitempty"`
	Foreach         *storekit.Foreach      `json:"foreach,omitempty"`
	LoopConfig      *storekit.LoopConfig   `json:"loopConfig,omitempty"`
	Synchronization *SynchronizationInput  `json:"synchronization,omitempty"`
}

type fingerprintGraph struct {
	Nodes          []fingerprintNode        `json:"nodes"`
	Transitions    []fingerprintTransition  `json:"transitions"`
	InitialNodeRef string                   `json:"initialNodeRef"`
	InputSchema    json.RawMessage          `json:"inputSchema,omitempty"`
	OutputSchema   json.RawMessage          `json:"outputSchema,omitempty"`
	ContextSchema  json.RawMessage          `json:"contextSchema,omitempty"`
	OutputMapping  []storekit.FieldMapping  `json:"outputMapping,omitempty"`
}

// fingerprintWorkflow computes the structural fingerprint of a workflow
// graph: identity (generated IDs), ownership, name, and timestamps are all
// excluded by construction since fingerprintGraph never carries them.
func fingerprintWorkflow(g WorkflowGraphInput) (string, error) {
	fg := fingerprintGraph{
		InitialNodeRef: g.InitialNodeRef,
		InputSchema:    g.InputSchema,
		OutputSchema:   g.OutputSchema,
		ContextSchema:  g.ContextSchema,
		OutputMapping:  g.OutputMapping,
	}
	for _, n := range g.Nodes {
		fg.Nodes = append(fg.Nodes, fingerprintNode{
			Ref: n.Ref, Name: n.Name, TaskID: n.TaskID, TaskVersion: n.TaskVersion,
			InputMapping: n.InputMapping, OutputMapping: n.OutputMapping,
			ResourceBindings: n.ResourceBindings,
		})
	}
	sort.Slice(fg.Nodes, func(i, j int) bool { return fg.Nodes[i].Ref < fg.Nodes[j].Ref })

	for _, tr := range g.Transitions {
		fg.Transitions = append(fg.Transitions, fingerprintTransition{
			Ref: tr.Ref, FromNodeRef: tr.FromNodeRef, ToNodeRef: tr.ToNodeRef, Priority: tr.Priority,
			Condition: tr.Condition, SpawnCount: tr.SpawnCount, SiblingGroup: tr.SiblingGroup,
			Foreach: tr.Foreach, LoopConfig: tr.LoopConfig, Synchronization: tr.Synchronization,
		})
	}
	sort.Slice(fg.Transitions, func(i, j int) bool {
		a, b := fg.Transitions[i], fg.Transitions[j]
		if a.FromNodeRef != b.FromNodeRef {
			return a.FromNodeRef < b.FromNodeRef
		}
		if a.ToNodeRef != b.ToNodeRef {
			return a.ToNodeRef < b.ToNodeRef
		}
		return a.Priority < b.Priority
	})

	return hashCanonical(fg)
}

// fingerprintContent computes the structural fingerprint of a non-workflow
// definition's opaque content.
func fingerprintContent(content json.RawMessage) (string, error) {
	var generic any
	if len(content) > 0 {
		if err := json.Unmarshal(content, &generic); err != nil {
			return "", err
		}
	}
	return hashCanonical(generic)
}

func hashCanonical(v any) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
