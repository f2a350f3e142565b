// Package grpcserver hosts the daemon's gRPC endpoint: health reporting plus the shared interceptors.
package grpcserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServicePrefix prefixes per-check health service names.
const ServicePrefix = "guardkeeper."

// New builds a gRPC server with the interceptor chain and a registered health service.
// Services registered later get engine errors mapped to codes by StatusUnary.
func New(log *zap.Logger, dev bool, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
		StatusUnary(),
	))
	s := grpc.NewServer(opts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	return s, hs
}

// Check returns nil while a dependency is healthy.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Monitor runs checks and publishes their results on a health server.
// The overall service ("") is serving only when every check passes.
type Monitor struct {
	hs  *health.Server
	log *zap.Logger

	mu     sync.Mutex
	checks []namedCheck
	failed map[string]bool
}

// NewMonitor constructs a monitor.
func NewMonitor(hs *health.Server, log *zap.Logger) *Monitor {
	return &Monitor{hs: hs, log: log, failed: map[string]bool{}}
}

// Add registers a check published as ServicePrefix+name.
func (m *Monitor) Add(name string, c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, namedCheck{name: name, check: c})
	m.hs.SetServingStatus(ServicePrefix+name, healthpb.HealthCheckResponse_UNKNOWN)
}

// Probe runs all checks once and reports whether all passed.
func (m *Monitor) Probe(ctx context.Context) bool {
	m.mu.Lock()
	checks := append([]namedCheck(nil), m.checks...)
	m.mu.Unlock()

	ok := true
	for _, c := range checks {
		err := c.check(ctx)
		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			ok = false
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		m.hs.SetServingStatus(ServicePrefix+c.name, st)
		m.logTransition(c.name, err)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !ok {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.hs.SetServingStatus("", overall)
	return ok
}

func (m *Monitor) logTransition(name string, err error) {
	m.mu.Lock()
	was := m.failed[name]
	m.failed[name] = err != nil
	m.mu.Unlock()
	switch {
	case err != nil && !was:
		m.log.Warn("health check failing", zap.String("check", name), zap.Error(err))
	case err == nil && was:
		m.log.Info("health check recovered", zap.String("check", name))
	}
}

// Run probes every interval until ctx is done, then marks everything not serving.
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.hs.Shutdown()
			return
		case <-t.C:
			probeCtx, cancel := context.WithTimeout(ctx, every)
			m.Probe(probeCtx)
			cancel()
		}
	}
}

// Freshness fails when last() is older than maxAge.
func Freshness(last func() time.Time, maxAge time.Duration) Check {
	return func(context.Context) error {
		at := last()
		if at.IsZero() {
			return fmt.Errorf("no completed cycle yet")
		}
		if age := time.Since(at); age > maxAge {
			return fmt.Errorf("last cycle %s ago", age.Round(time.Second))
		}
		return nil
	}
}
