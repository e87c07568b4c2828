package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/nats-io/nats.go"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MetaPinger is the part of the metadata store the checker probes.
type MetaPinger interface {
	Ping() error
}

// RemotePinger probes the remote tier.
type RemotePinger interface {
	Ping(ctx context.Context) error
}

// LoopStatus reports the background durability loop. Err is nil while the
// loop runs or after a clean stop.
type LoopStatus interface {
	Err() error
}

// HealthChecker runs health probes.
type HealthChecker struct {
	natsConn *nats.Conn
	meta     MetaPinger
	remote   RemotePinger
	loop     LoopStatus
}

// NewHealthChecker creates a new health checker. Any dependency may be nil.
func NewHealthChecker(nc *nats.Conn, meta MetaPinger, remote RemotePinger, loop LoopStatus) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		meta:     meta,
		remote:   remote,
		loop:     loop,
	}
}

// Liveness checks if the process is alive. A durability loop that died
// with an error makes the process unhealthy.
func (h *HealthChecker) Liveness() HealthStatus {
	status := HealthStatus{OK: true}
	if h.loop != nil {
		if err := h.loop.Err(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "durability", Status: "stopped", Error: err.Error(),
			})
		}
	}
	return status
}

// Readiness checks if the service can handle requests.
func (h *HealthChecker) Readiness() HealthStatus {
	status := h.Liveness()

	if h.natsConn != nil {
		if !h.natsConn.IsConnected() {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "disconnected",
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "nats", Status: "connected",
			})
		}
	}

	if h.meta != nil {
		if err := h.meta.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "metadata", Status: "ok",
			})
		}
	}

	if h.remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.remote.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "error", Error: err.Error(),
			})
		} else {
			status.Checks = append(status.Checks, Check{
				Name: "s3", Status: "ok",
			})
		}
	}

	return status
}

// NewHealthMux builds the liveness and readiness handlers.
func NewHealthMux(cfg config.HealthConfig, checker *HealthChecker) *http.ServeMux {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})
	return mux
}

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHealthMux(cfg, checker),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
