// Package pprofutil starts an optional pprof listener configured from the
// environment.
package pprofutil

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"os"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
)

const (
	EnvEnable      = "MELODYBRAIN_PPROF"
	EnvAddr        = "MELODYBRAIN_PPROF_ADDR"
	EnvAllowPublic = "MELODYBRAIN_PPROF_ALLOW_PUBLIC"

	defaultAddr = "127.0.0.1:6060"
)

// StartFromEnv serves pprof until ctx is done when MELODYBRAIN_PPROF=1. It
// returns the bound address, or nil when profiling is disabled.
func StartFromEnv(ctx context.Context, log slog.Logger) (net.Addr, error) {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = defaultAddr
	}
	allowPublic := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return nil, xerrors.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("pprof listen: %w", err)
	}
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	context.AfterFunc(ctx, func() { _ = srv.Close() })
	go func() {
		_ = srv.Serve(ln)
	}()
	log.Info(ctx, "pprof enabled", slog.F("url", "http://"+ln.Addr().String()+"/debug/pprof/"))
	return ln.Addr(), nil
}

// Handler routes the standard pprof endpoints without touching
// http.DefaultServeMux.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
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
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
