// Package server mounts the REST API, the MCP endpoint, probes and metrics on one listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hylla/crc/internal/adapters/server/common"
	"github.com/hylla/crc/internal/adapters/server/httpapi"
	"github.com/hylla/crc/internal/adapters/server/mcpapi"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBindAddress     = "127.0.0.1:5437"
	defaultShutdownTimeout = 5 * time.Second
)

// Config selects the listener and where each surface is mounted.
type Config struct {
	HTTPBind      string
	APIEndpoint   string
	MCPEndpoint   string
	ServerName    string
	ServerVersion string
}

// Dependencies are the app-side pieces the listener serves.
type Dependencies struct {
	Service common.PipelineService
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready backs /readyz. Nil reports ready.
	Ready func(context.Context) error
	// Background runs alongside the listener and is cancelled on shutdown.
	Background func(context.Context) error
}

// NewHandler builds the root mux and returns the normalized config it was built with.
func NewHandler(cfg Config, deps Dependencies) (http.Handler, Config, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Config{}, err
	}
	if deps.Service == nil {
		return nil, Config{}, errors.New("pipeline service dependency is required")
	}
	mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
		EndpointPath:  cfg.MCPEndpoint,
	}, deps.Service)
	if err != nil {
		return nil, Config{}, fmt.Errorf("configure mcp handler: %w", err)
	}
	api := http.StripPrefix(cfg.APIEndpoint, httpapi.NewHandler(deps.Service))

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, writeHealthStatus)
	mux.HandleFunc(readyPath, readinessHandler(deps.Ready))
	if deps.Metrics != nil {
		mux.Handle(metricsPath, deps.Metrics)
	}
	mux.Handle(cfg.MCPEndpoint, mcpHandler)
	mux.Handle(cfg.APIEndpoint, api)
	mux.Handle(cfg.APIEndpoint+"/", api)
	return mux, cfg, nil
}

// Run serves until ctx is cancelled, the listener fails, or the background worker returns an error.
// A background worker that finishes cleanly leaves the listener running.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if ctx == nil {
		ctx = context.Background()
	}

	handler, cfg, err := NewHandler(cfg, deps)
	if err != nil {
		return fmt.Errorf("build server handler: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPBind,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})
	if deps.Background != nil {
		group.Go(func() error {
			if err := deps.Background(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("background worker: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Fixed paths served beside the API and MCP endpoints.
const (
	healthPath  = "/healthz"
	readyPath   = "/readyz"
	metricsPath = "/metrics"
)

// normalizeConfig fills defaults and rejects endpoints that would shadow each other or a probe.
func normalizeConfig(cfg Config) (Config, error) {
	if cfg.HTTPBind = strings.TrimSpace(cfg.HTTPBind); cfg.HTTPBind == "" {
		cfg.HTTPBind = defaultBindAddress
	}
	cfg.APIEndpoint = cleanEndpoint(cfg.APIEndpoint, "/api/v1")
	cfg.MCPEndpoint = cleanEndpoint(cfg.MCPEndpoint, "/mcp")
	if overlaps(cfg.APIEndpoint, cfg.MCPEndpoint) {
		return Config{}, fmt.Errorf("api endpoint %s and mcp endpoint %s overlap", cfg.APIEndpoint, cfg.MCPEndpoint)
	}
	for _, fixed := range []string{healthPath, readyPath, metricsPath} {
		if overlaps(cfg.APIEndpoint, fixed) || overlaps(cfg.MCPEndpoint, fixed) {
			return Config{}, fmt.Errorf("endpoint %s is reserved", fixed)
		}
	}
	if cfg.ServerName = strings.TrimSpace(cfg.ServerName); cfg.ServerName == "" {
		cfg.ServerName = "crc"
	}
	if cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion); cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	return cfg, nil
}

// cleanEndpoint returns p as a rooted path without a trailing slash, or fallback for "" and "/".
func cleanEndpoint(p, fallback string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	if p == "/" {
		return fallback
	}
	return p
}

// overlaps reports whether one endpoint equals the other or is mounted beneath it.
func overlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

type probeStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func writeProbe(w http.ResponseWriter, code int, status probeStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func writeHealthStatus(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, probeStatus{Status: "ok"})
}

// readinessHandler answers 503 while ready returns an error.
func readinessHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, probeStatus{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		writeHealthStatus(w, r)
	}
}
