package storekit

import "errors"

// ErrNotFound indicates that no record exists for the given identifier.
// Callers distinguish a missing row from other Store failures by testing
// errors.Is(err, storekit.ErrNotFound).
var ErrNotFound = errors.New("storekit: not found")
