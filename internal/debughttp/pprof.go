// Package debughttp serves runtime profiles on an operator-only listener.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Options configure the profiling listener.
type Options struct {
	// Addr is the listen address; empty disables the listener.
	Addr string
	// Authorize, when set, gates every request. Rejected requests get 401.
	Authorize func(*http.Request) bool
	Log       *slog.Logger
}

// Serve binds opts.Addr and serves pprof until ctx is cancelled. It returns
// the bound address once the listener is up so a port conflict fails the
// caller immediately.
func Serve(ctx context.Context, opts Options) (string, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return "", nil
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           Handler(opts.Authorize),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("pprof listening", "addr", ln.Addr().String(), "protected", opts.Authorize != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("pprof server error", "err", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Handler returns the pprof routes, gated by authorize when it is non-nil.
func Handler(authorize func(*http.Request) bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/pprof/", httppprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("POST /debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", httppprof.Trace)
	if authorize == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
