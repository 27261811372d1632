package streamer

import "goa.design/goa-ai/storekit"

// Filter selects which events/trace events a subscriber receives. Every
// field is optional; an absent (zero-value) field does not restrict
// delivery.
type Filter struct {
	StreamID      string
	ExecutionID   string
	ExecutionType storekit.ExecutionType
	ProjectID     string
	// EventType matches a single event type exactly.
	EventType string
	// EventTypes matches if the event's type is any of these.
	EventTypes []string
	NodeID     string
	TokenID    string

	// Category and Type filter trace events specifically.
	Category      storekit.TraceCategory
	Type          string
	MinDurationMs int64
}

// MatchesEvent reports whether e passes every non-zero field of f.
func (f Filter) MatchesEvent(streamKey string, e storekit.Event) bool {
	if f.StreamID != "" && f.StreamID != streamKey {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.ExecutionType != "" && f.ExecutionType != e.ExecutionType {
		return false
	}
	if f.ProjectID != "" && f.ProjectID != e.ProjectID {
		return false
	}
	if f.EventType != "" && f.EventType != e.Type {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.Type) {
		return false
	}
	if f.NodeID != "" && f.NodeID != e.NodeID {
		return false
	}
	if f.TokenID != "" && f.TokenID != e.TokenID {
		return false
	}
	return true
}

// MatchesTrace reports whether e passes every non-zero field of f.
func (f Filter) MatchesTrace(streamKey string, e storekit.TraceEvent) bool {
	if f.StreamID != "" && f.StreamID != streamKey {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.ExecutionType != "" && f.ExecutionType != e.ExecutionType {
		return false
	}
	if f.Category != "" && f.Category != e.Category {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.Type) {
		return false
	}
	if f.MinDurationMs > 0 && e.DurationMs < f.MinDurationMs {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
