// Package healthcheck probes ingestion targets in the background and keeps the set the sink
// may send to.
package healthcheck

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Performs health checks on ingestion targets
type Checker struct {
	mu             sync.RWMutex
	targets        []string
	healthStatus   map[string]*Status
	healthyTargets []string
	endpoint       string
	interval       time.Duration
	timeout        time.Duration
	maxFailures    int
	client         *http.Client
	logger         *zap.Logger
	now            func() time.Time
}

// Holds health checker configuration
type Config struct {
	Targets     []string
	Endpoint    string        // Health check endpoint (e.g., "/health")
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Request timeout (default: 5s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)

	// Optional
	Client *http.Client
	Logger *zap.Logger
	Now    func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/health"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	checker := &Checker{
		targets:        append([]string(nil), cfg.Targets...),
		healthStatus:   make(map[string]*Status, len(cfg.Targets)),
		healthyTargets: append([]string(nil), cfg.Targets...),
		endpoint:       cfg.Endpoint,
		interval:       cfg.Interval,
		timeout:        cfg.Timeout,
		maxFailures:    cfg.MaxFailures,
		client:         cfg.Client,
		logger:         cfg.Logger.Named("healthcheck"),
		now:            cfg.Now,
	}

	// Targets are assumed healthy until proven otherwise
	for _, target := range cfg.Targets {
		checker.healthStatus[target] = &Status{
			Target:    target,
			IsHealthy: true,
			LastCheck: cfg.Now(),
		}
	}

	return checker
}

// Runs one round of checks immediately, then one per interval until ctx is done. Blocks.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Info("starting health checks",
		zap.Int("targets", len(c.targets)),
		zap.Duration("interval", c.interval),
	)

	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			c.logger.Info("health checker stopped")
			return
		}
	}
}

// Performs health check on all targets concurrently
func (c *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, target := range c.targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			c.checkTarget(ctx, t)
		}(target)
	}

	wg.Wait()
	c.updateHealthyTargets()
}

func (c *Checker) checkTarget(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+c.endpoint, nil)
	if err != nil {
		c.recordFailure(target, err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(target, err)
		return
	}
	defer resp.Body.Close()

	// Consider 2xx and 3xx as healthy
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		c.recordSuccess(target)
	} else {
		c.recordFailure(target, nil)
	}
}

func (c *Checker) recordSuccess(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[target]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0

	if !status.IsHealthy {
		c.logger.Info("target is healthy again", zap.String("target", target))
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[target]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("target is unhealthy",
			zap.String("target", target),
			zap.Int("failures", status.FailureCount),
			zap.Error(err),
		)
		status.IsHealthy = false
	}
}

func (c *Checker) updateHealthyTargets() {
	c.mu.Lock()
	defer c.mu.Unlock()

	healthy := make([]string, 0, len(c.targets))
	for _, target := range c.targets {
		if c.healthStatus[target].IsHealthy {
			healthy = append(healthy, target)
		}
	}

	c.healthyTargets = healthy
}

// Returns a copy of the healthy targets
func (c *Checker) HealthyTargets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	targets := make([]string, len(c.healthyTargets))
	copy(targets, c.healthyTargets)
	return targets
}

// Returns all targets regardless of health
func (c *Checker) AllTargets() []string {
	targets := make([]string, len(c.targets))
	copy(targets, c.targets)
	return targets
}

// Returns health status of every target, keyed by target
func (c *Checker) AllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statusMap := make(map[string]Status, len(c.healthStatus))
	for target, status := range c.healthStatus {
		statusMap[target] = *status
	}
	return statusMap
}

func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthyCount := len(c.healthyTargets)

	if healthyCount == 0 {
		return Unhealthy
	}
	if healthyCount < len(c.targets) {
		return Degraded
	}

	return Healthy
}
