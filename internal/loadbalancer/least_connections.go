package loadbalancer

import "sync"

// Sends each batch to the target with the fewest batches in flight
type LeastConnections struct {
	mu       sync.RWMutex
	inFlight map[string]int
}

func NewLeastConnections() *LeastConnections {
	return &LeastConnections{
		inFlight: make(map[string]int),
	}
}

// Ties go to the earliest target in the list
func (l *LeastConnections) Next(targets []string) string {
	if len(targets) == 0 {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	selected := targets[0]
	minConn := l.inFlight[selected]

	for _, target := range targets[1:] {
		if n := l.inFlight[target]; n < minConn {
			minConn = n
			selected = target
		}
	}

	return selected
}

func (l *LeastConnections) Acquire(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[target]++
}

func (l *LeastConnections) Release(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[target] > 1 {
		l.inFlight[target]--
	} else {
		delete(l.inFlight, target)
	}
}

// Returns the number of batches in flight to target
func (l *LeastConnections) InFlight(target string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inFlight[target]
}

func (l *LeastConnections) Name() string {
	return "least_connections"
}
