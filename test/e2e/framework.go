package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/config"
	"github.com/marmos91/dittogw/pkg/metrics"
	promMetrics "github.com/marmos91/dittogw/pkg/metrics/prometheus"
	"github.com/marmos91/dittogw/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
)

// TestContext provides a complete testing environment with:
// - Running gateway configured through pkg/config
// - Isolated Prometheus registry
// - HTTP client with its own connection pool
type TestContext struct {
	T        *testing.T
	Config   *TestConfig
	Gateway  *config.Config
	Server   *server.Server
	Registry *prometheus.Registry
	Client   *http.Client
	Port     int

	transport *http.Transport
	stopped   bool
}

// NewTestContext starts a gateway for config.
func NewTestContext(t *testing.T, cfg *TestConfig) *TestContext {
	t.Helper()

	// Functional tests, not debugging sessions
	logger.SetLevel("ERROR")

	tc := &TestContext{
		T:        t,
		Config:   cfg,
		Port:     findFreePort(t),
		Registry: prometheus.NewRegistry(),
	}
	tc.Gateway = cfg.Gateway(tc.Port)

	if err := config.Validate(tc.Gateway); err != nil {
		t.Fatalf("Invalid test configuration %s: %v", cfg, err)
	}

	inbound, outbound, err := config.CreateHandlers(&tc.Gateway.Handlers)
	if err != nil {
		t.Fatalf("Failed to create handlers: %v", err)
	}

	tc.Server, err = server.New(tc.Gateway.Gateway, inbound, outbound,
		server.WithMetrics(promMetrics.NewGatewayMetrics(tc.Registry)))
	if err != nil {
		t.Fatalf("Failed to create gateway: %v", err)
	}

	if err := tc.Server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start gateway: %v", err)
	}

	tc.transport = &http.Transport{
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     30 * time.Second,
	}
	tc.Client = &http.Client{Transport: tc.transport, Timeout: 10 * time.Second}

	return tc
}

// URL returns an absolute URL for path on the gateway.
func (tc *TestContext) URL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", tc.Port, path)
}

// Dial opens a raw TCP connection to the gateway.
func (tc *TestContext) Dial() net.Conn {
	tc.T.Helper()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", tc.Port), 2*time.Second)
	if err != nil {
		tc.T.Fatalf("Failed to dial gateway: %v", err)
	}
	return conn
}

// Scrape returns the Prometheus exposition of the gateway metrics.
func (tc *TestContext) Scrape() string {
	tc.T.Helper()

	srv := metrics.NewServer(metrics.ServerConfig{Gatherer: tc.Registry})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		tc.T.Fatalf("Metrics scrape failed with status %d", rec.Code)
	}
	return rec.Body.String()
}

// Shutdown stops the gateway and returns the shutdown error.
func (tc *TestContext) Shutdown() error {
	tc.stopped = true
	tc.transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return tc.Server.Shutdown(ctx)
}

// Cleanup stops the gateway if the test did not.
func (tc *TestContext) Cleanup() {
	if tc.stopped {
		return
	}
	if err := tc.Shutdown(); err != nil {
		tc.T.Errorf("Gateway shutdown failed: %v", err)
	}
}
