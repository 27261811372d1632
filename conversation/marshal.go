package conversation

import "encoding/json"

// mustMarshal encodes v to JSON for storekit.Move.ToolResult. v is always a
// tool's decoded output or a small {"error": ...} map built by this
// package, so marshaling failure would indicate a caller-supplied value
// unsafe for any persistence path; falling back to a null payload keeps the
// move record rather than losing the whole turn over it.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// mustMarshalString is mustMarshal for contexts (agent tool-call content)
// that need a string rather than raw JSON bytes.
func mustMarshalString(v any) string {
	return string(mustMarshal(v))
}
