package client

type State int

const (
	// StatePending - no attempt has completed yet
	StatePending State = iota

	// StateRetrying - the last attempt was refused with a retryable signal, waiting to try again
	StateRetrying

	// StateSucceeded - the gate admitted the batch
	StateSucceeded

	// StateExhausted - the retry budget ran out while the gate kept refusing
	StateExhausted

	// StateFailed - the gate refused permanently, or the caller cancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempt will be made
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateFailed
}
