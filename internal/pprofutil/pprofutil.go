// Package pprofutil runs the optional debug HTTP server: pprof plus the
// Prometheus scrape endpoint.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EnvAllowPublic lifts the loopback-only restriction on the debug address.
const EnvAllowPublic = "COUNTERMESH_DEBUG_ALLOW_PUBLIC"

// Server is a running debug server.
type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string { return s.addr }

// Start listens on addr and serves /debug/pprof/ and /metrics from gatherer.
// An empty addr disables the server and returns nil, nil.
func Start(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowPublic := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("debug-addr must be loopback unless %s=1: %s", EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("debug listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	actual := ln.Addr().String()
	s := &Server{
		addr: actual,
		srv: &http.Server{
			Addr:              actual,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	logger.Info("debug server enabled", zap.String("pprof", "http://"+actual+"/debug/pprof/"), zap.String("metrics", "http://"+actual+"/metrics"))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("debug server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
