// Package loadbalancer picks which ingestion target receives the next admitted batch.
package loadbalancer

type Strategy interface {
	// Selects the next target from available targets
	Next(targets []string) string

	// Marks a batch as in flight to target. Release must be called when it finishes.
	Acquire(target string)
	Release(target string)

	// Returns the strategy name
	Name() string
}

// Embedded by strategies that do not track in-flight batches
type stateless struct{}

func (stateless) Acquire(string) {}
func (stateless) Release(string) {}
