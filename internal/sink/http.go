package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aman-churiwal/event-gate/internal/circuitbreaker"
	"github.com/aman-churiwal/event-gate/internal/healthcheck"
	"github.com/aman-churiwal/event-gate/internal/loadbalancer"
	"github.com/aman-churiwal/event-gate/internal/models"
	"go.uber.org/zap"
)

const DeploymentHeader = "X-Deployment-ID"

// HTTPSink forwards batches as JSON to one of several downstream targets
type HTTPSink struct {
	targets       []string
	path          string
	client        *http.Client
	breakers      map[string]*circuitbreaker.CircuitBreaker
	loadBalancer  loadbalancer.Strategy
	healthChecker *healthcheck.Checker
	logger        *zap.Logger
}

type HTTPConfig struct {
	Targets              []string
	Path                 string
	Timeout              time.Duration
	LoadBalancerStrategy string
	CircuitBreaker       circuitbreaker.Config
	HealthCheck          healthcheck.Config
	Client               *http.Client
}

func NewHTTPSink(cfg HTTPConfig, logger *zap.Logger) (*HTTPSink, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("at least one target is required")
	}

	lb, err := loadbalancer.NewStrategy(cfg.LoadBalancerStrategy)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("sink")

	// One breaker per target so a failing target does not take the others down
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(cfg.Targets))
	for _, target := range cfg.Targets {
		if _, err := url.ParseRequestURI(target); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", target, err)
		}

		cbCfg := cfg.CircuitBreaker
		cbCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("target", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
		breakers[target] = circuitbreaker.New(target, cbCfg)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	hcCfg := cfg.HealthCheck
	hcCfg.Targets = cfg.Targets
	if hcCfg.Logger == nil {
		hcCfg.Logger = logger
	}

	path := cfg.Path
	if path == "" {
		path = "/ingest"
	}

	s := &HTTPSink{
		targets:       cfg.Targets,
		path:          "/" + strings.TrimPrefix(path, "/"),
		client:        client,
		breakers:      breakers,
		loadBalancer:  lb,
		healthChecker: healthcheck.NewChecker(hcCfg),
		logger:        logger,
	}

	logger.Info("http sink initialized",
		zap.Int("targets", len(cfg.Targets)),
		zap.String("strategy", lb.Name()),
	)

	return s, nil
}

// Runs the background health checker until ctx is done
func (s *HTTPSink) Run(ctx context.Context) {
	s.healthChecker.Run(ctx)
}

// Ingest sends the batch to a healthy target whose circuit is not open. Targets with an open
// circuit are skipped in favour of the next one.
func (s *HTTPSink) Ingest(ctx context.Context, deploymentID string, events []models.Event) (Ack, error) {
	body, err := json.Marshal(models.EventBatch{Events: events})
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	healthy := s.healthChecker.HealthyTargets()
	if len(healthy) == 0 {
		return Ack{}, ErrNoHealthyTargets
	}

	var lastErr error
	for range healthy {
		target := s.loadBalancer.Next(healthy)
		if target == "" {
			break
		}

		cb := s.breakers[target]
		if !cb.Allow() {
			lastErr = circuitbreaker.ErrCircuitOpen
			continue
		}

		ack, err := s.send(ctx, cb, target, deploymentID, body, len(events))
		if err == nil || !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return ack, err
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoHealthyTargets
	}
	return Ack{}, lastErr
}

func (s *HTTPSink) send(ctx context.Context, cb *circuitbreaker.CircuitBreaker, target, deploymentID string, body []byte, n int) (Ack, error) {
	s.loadBalancer.Acquire(target)
	defer s.loadBalancer.Release(target)

	var rejected error
	err := cb.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+s.path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(DeploymentHeader, deploymentID)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return &StatusError{Target: target, StatusCode: resp.StatusCode}
		case resp.StatusCode >= 300:
			// The target is up, it just refused this batch
			rejected = &StatusError{Target: target, StatusCode: resp.StatusCode}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			s.logger.Warn("forwarding batch failed",
				zap.String("target", target),
				zap.String("deployment_id", deploymentID),
				zap.Error(err),
			)
		}
		return Ack{}, err
	}
	if rejected != nil {
		return Ack{}, rejected
	}

	return Ack{Accepted: n, Target: target}, nil
}

// TargetStatus combines health and breaker state of one target
type TargetStatus struct {
	Target         string                 `json:"target"`
	Health         healthcheck.Status     `json:"health"`
	CircuitBreaker circuitbreaker.Metrics `json:"circuit_breaker"`
}

type Status struct {
	Strategy string                   `json:"strategy"`
	Overall  healthcheck.HealthStatus `json:"overall"`
	Targets  []TargetStatus           `json:"targets"`
}

func (s *HTTPSink) Status() Status {
	health := s.healthChecker.AllStatus()

	st := Status{
		Strategy: s.loadBalancer.Name(),
		Overall:  s.healthChecker.OverallHealth(),
		Targets:  make([]TargetStatus, 0, len(s.targets)),
	}
	for _, target := range s.targets {
		st.Targets = append(st.Targets, TargetStatus{
			Target:         target,
			Health:         health[target],
			CircuitBreaker: s.breakers[target].Metrics(),
		})
	}
	return st
}

// Manually closes every circuit breaker
func (s *HTTPSink) ResetCircuitBreakers() {
	for _, cb := range s.breakers {
		cb.Reset()
	}
	s.logger.Info("circuit breakers reset")
}
