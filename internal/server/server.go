// Package server exposes the edgeman control plane over HTTP: the admin JSON
// API, the publish trigger and its event stream, the gateway config
// endpoints and an optional ACME challenge listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/koltyakov/edgeman/internal/certs"
	"github.com/koltyakov/edgeman/internal/config"
	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/publish"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
)

type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	publisher publish.Publisher
	log       *slog.Logger
	events    *eventHub
	limiter   *rateLimiter
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

const (
	errCodeValidation = "validation_failed"
	errCodeNotFound   = "not_found"
	errCodeConflict   = "conflict"
	errCodeBusy       = "publish_busy"
	errCodeRateLimit  = "rate_limited"
)

func New(cfg config.ServerConfig, store *sqlite.Store, publisher publish.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		log:       logger,
		events:    newEventHub(),
		limiter:   newRateLimiter(apiRateLimit, apiBurstLimit),
	}
}

// PublishObserver forwards orchestrator progress to event stream subscribers.
func (s *Server) PublishObserver() func(publish.Event) {
	return s.events.broadcast
}

// Handler returns the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/publish", s.admin(s.handlePublish))
	mux.HandleFunc("GET /v1/publish/latest", s.admin(s.handlePublishLatest))
	mux.HandleFunc("GET /v1/publish/history", s.admin(s.handlePublishHistory))
	mux.HandleFunc("GET /v1/publish/events", s.admin(s.handlePublishEvents))

	mux.HandleFunc("GET /v1/domains", s.admin(s.handleListDomains))
	mux.HandleFunc("POST /v1/domains", s.admin(s.handleCreateDomain))
	mux.HandleFunc("DELETE /v1/domains/{id}", s.admin(s.handleDeleteDomain))

	mux.HandleFunc("GET /v1/routes", s.admin(s.handleListRoutes))
	mux.HandleFunc("POST /v1/routes", s.admin(s.handleSaveRoute))
	mux.HandleFunc("DELETE /v1/routes/{id}", s.admin(s.handleDeleteRoute))
	mux.HandleFunc("POST /v1/routes/{id}/active", s.admin(s.handleSetRouteActive))

	mux.HandleFunc("GET /v1/dns/records", s.admin(s.handleListRecords))
	mux.HandleFunc("POST /v1/dns/records", s.admin(s.handleCreateRecord))
	mux.HandleFunc("DELETE /v1/dns/records/{id}", s.admin(s.handleDeleteRecord))

	mux.HandleFunc("GET /v1/gateway/servers", s.admin(s.handleListServers))
	mux.HandleFunc("POST /v1/gateway/servers", s.admin(s.handleCreateServer))
	mux.HandleFunc("GET /v1/gateway/clients", s.admin(s.handleListClients))
	mux.HandleFunc("POST /v1/gateway/clients", s.admin(s.handleCreateClient))
	mux.HandleFunc("GET /v1/gateway/connections", s.admin(s.handleListConnections))
	mux.HandleFunc("POST /v1/gateway/connections", s.admin(s.handleCreateConnection))

	mux.HandleFunc("GET /v1/certificates", s.admin(s.handleListCertificates))

	mux.HandleFunc("GET /api/gateway/server/{name}", s.handleGatewayServerConfig)
	mux.HandleFunc("GET /api/gateway/client/{name}", s.handleGatewayClientConfig)
	return mux
}

// ChallengeHandler serves HTTP-01 tokens from the ACME web root.
func ChallengeHandler(acmeDir string) http.Handler {
	prefix := "/" + certs.ChallengePath + "/"
	mux := http.NewServeMux()
	mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(filepath.Join(acmeDir, certs.ChallengePath)))))
	return mux
}

// Run serves the API, and the challenge listener when configured, until ctx
// is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	apiServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)

	var challengeServer *http.Server
	if strings.TrimSpace(s.cfg.ACMEListen) != "" {
		challengeServer = &http.Server{
			Addr:              s.cfg.ACMEListen,
			Handler:           ChallengeHandler(s.cfg.ACMEDir),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ACMEListen)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		s.log.Info("starting API server", "addr", s.cfg.Listen)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	s.events.close()
	if err := shutdownServer(apiServer, 5*time.Second); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, 5*time.Second); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), ErrorCode: errCodeValidation})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), ErrorCode: errCodeNotFound})
	case errors.Is(err, domain.ErrConflict), errors.Is(err, sqlite.ErrNotUserRecord):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), ErrorCode: errCodeConflict})
	case errors.Is(err, domain.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), ErrorCode: errCodeBusy})
	default:
		s.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
