package client

import (
	"errors"
	"math"
	"time"
)

// Policy bounds how long and how often a batch is retried
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Total attempts including the first one
	MaxAttempts int

	// No retry is scheduled if it would start after this much time since the first attempt
	MaxElapsed time.Duration

	// Full jitter: each delay is drawn uniformly from [0, computed delay]
	Jitter bool
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  8,
		MaxElapsed:   5 * time.Minute,
		Jitter:       true,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.InitialDelay <= 0:
		return errors.New("initial delay must be positive")
	case p.MaxDelay < p.InitialDelay:
		return errors.New("max delay must not be below initial delay")
	case p.Multiplier < 1:
		return errors.New("multiplier must be at least 1")
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.MaxElapsed <= 0:
		return errors.New("max elapsed must be positive")
	}
	return nil
}

// Backoff returns the wait before retry number attempt (1 for the first retry). rnd is a value in
// [0, 1) used for jitter. The server's retryAfter is a floor and may exceed MaxDelay.
func (p Policy) Backoff(attempt int, retryAfter time.Duration, rnd float64) time.Duration {
	exp := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	delay := time.Duration(math.Min(exp, float64(p.MaxDelay)))

	if p.Jitter {
		delay = time.Duration(rnd * float64(delay))
	}

	return max(delay, retryAfter)
}
