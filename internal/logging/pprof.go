package logging

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"
)

var pprofLog = ForComponent(CompPprof)

var (
	pprofMu  sync.Mutex
	pprofSrv *http.Server
	pprofLn  net.Listener
)

// startPprof serves the profiling endpoints on their own mux so nothing
// registered on http.DefaultServeMux leaks onto the debug port.
func startPprof(addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		pprofLog.Warn("pprof_listen_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	pprofMu.Lock()
	pprofSrv, pprofLn = srv, ln
	pprofMu.Unlock()

	go func() {
		pprofLog.Info("pprof_started", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pprofLog.Error("pprof_stopped", slog.String("error", err.Error()))
		}
	}()
}

// pprofAddr reports the bound listener address, or "" when not serving.
func pprofAddr() string {
	pprofMu.Lock()
	defer pprofMu.Unlock()
	if pprofLn == nil {
		return ""
	}
	return pprofLn.Addr().String()
}

func stopPprof() {
	pprofMu.Lock()
	srv := pprofSrv
	pprofSrv, pprofLn = nil, nil
	pprofMu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
