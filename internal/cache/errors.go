package cache

import "fmt"

// Tier names used in errors, logs and metric labels.
const (
	TierL1 = "l1"
	TierL2 = "l2"
	TierL3 = "l3"
	TierL4 = "l4"
)

// TierError is a read or write failure in a single cache tier. The
// orchestrator logs and counts it; it never reaches callers.
type TierError struct {
	Tier string
	Op   string
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("cache %s: %s: %v", e.Tier, e.Op, e.Err)
}

func (e *TierError) Unwrap() error { return e.Err }

// SerializationError means a response could not be encoded or decoded for
// a tier. Only that tier's operation is skipped.
type SerializationError struct {
	Tier string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache %s: serialization: %v", e.Tier, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
