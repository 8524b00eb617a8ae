// Package health reports service readiness over HTTP and the standard gRPC
// health protocol.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "edututor.Tutor"

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the /healthz body.
type Status struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	LLMProvider string `json:"llm_provider"`
}

// Checker probes dependencies.
type Checker struct {
	db       Pinger
	provider string
	timeout  time.Duration
}

// NewChecker creates a Checker.
func NewChecker(db Pinger, provider string) *Checker {
	return &Checker{db: db, provider: provider, timeout: 2 * time.Second}
}

// Check pings the database.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st := Status{Status: "ok", Database: "ok", LLMProvider: c.provider}
	if err := c.db.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "component", "database", "error", err)
		st.Status = "degraded"
		st.Database = "unreachable"
	}
	return st
}

// ServeHTTP handles GET /healthz.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := c.Check(r.Context())
	code := http.StatusOK
	if st.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}

// GRPCServer serves grpc.health.v1.Health and reflection.
type GRPCServer struct {
	srv     *grpc.Server
	health  *grpchealth.Server
	checker *Checker
	once    sync.Once
}

// NewGRPCServer registers the health and reflection services. The status
// starts NOT_SERVING until the first check.
func NewGRPCServer(checker *Checker) *GRPCServer {
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	g := &GRPCServer{srv: srv, health: hs, checker: checker}
	g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return g
}

// Serve blocks serving on lis.
func (g *GRPCServer) Serve(lis net.Listener) error {
	return g.srv.Serve(lis)
}

// Refresh runs one check and publishes the result.
func (g *GRPCServer) Refresh(ctx context.Context) {
	if g.checker.Check(ctx).Status == "ok" {
		g.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		g.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Watch refreshes the status every interval until ctx is done.
func (g *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		g.Refresh(ctx)
		for {
			select {
			case <-ticker.C:
				g.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (g *GRPCServer) Stop() {
	g.once.Do(func() {
		g.health.Shutdown()
		g.srv.GracefulStop()
	})
}

func (g *GRPCServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}
