package loadbalancer

import "math/rand/v2"

type Random struct {
	stateless
	intn func(n int) int
}

// intn defaults to math/rand/v2.IntN
func NewRandom(intn func(n int) int) *Random {
	if intn == nil {
		intn = rand.IntN
	}
	return &Random{intn: intn}
}

// Returns a random target
func (r *Random) Next(targets []string) string {
	if len(targets) == 0 {
		return ""
	}

	return targets[r.intn(len(targets))]
}

func (r *Random) Name() string {
	return "random"
}
