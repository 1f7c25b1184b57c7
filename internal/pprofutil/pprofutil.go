// Package pprofutil serves net/http/pprof for a running node when enabled in
// the config.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"time"

	"dxbnet/internal/config"
)

// Start listens on cfg.Addr and serves the pprof handlers until ctx ends.
// A disabled config is a no-op. Non-loopback addresses need AllowPublic.
// The returned address is empty when nothing was started.
func Start(ctx context.Context, cfg config.PprofConfig, log *slog.Logger) (string, error) {
	if !cfg.Enabled {
		return "", nil
	}
	addr := strings.TrimSpace(cfg.Addr)
	if !cfg.AllowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("pprof.addr must be loopback unless pprof.allow_public is set: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Warn("pprof server stopped", "err", err)
		}
	}()
	if log != nil {
		log.Info("pprof enabled", "url", "http://"+actual+"/debug/pprof/")
	}
	return actual, nil
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
