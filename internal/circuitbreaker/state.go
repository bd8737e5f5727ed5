package circuitbreaker

type State int

const (
	// StateClosed - target is healthy, batches are forwarded
	StateClosed State = iota

	// StateOpen - target failed repeatedly, batches fail fast
	StateOpen

	// StateHalfOpen - one probe batch decides whether the target recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
