package server

import (
	"net/http"

	"github.com/koltyakov/edgeman/internal/auth"
	"github.com/koltyakov/edgeman/internal/tunnelcfg"
)

func (s *Server) handleGatewayServerConfig(w http.ResponseWriter, r *http.Request) {
	token := gatewayToken(r)
	if token == "" {
		http.Error(w, "missing gateway token", http.StatusUnauthorized)
		return
	}
	srv, err := s.store.ServerByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeGatewayLookupError(w, err)
		return
	}
	if !auth.TokenEquals(token, srv.AuthToken) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	doc, err := tunnelcfg.EmitServer(srv)
	if err != nil {
		s.log.Error("emit server config", "server", srv.Name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.TouchServerPull(r.Context(), srv.ID); err != nil {
		s.log.Warn("record server config pull", "server", srv.Name, "err", err)
	}
	writeTOML(w, doc)
}

func (s *Server) handleGatewayClientConfig(w http.ResponseWriter, r *http.Request) {
	token := gatewayToken(r)
	if token == "" {
		http.Error(w, "missing gateway token", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	c, err := s.store.ClientByName(ctx, r.PathValue("name"))
	if err != nil {
		s.writeGatewayLookupError(w, err)
		return
	}
	srv, err := s.store.GetServer(ctx, c.ServerID)
	if err != nil {
		s.writeGatewayLookupError(w, err)
		return
	}
	if !auth.TokenEquals(token, srv.AuthToken) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conns, err := s.store.ListConnections(ctx, c.ID)
	if err != nil {
		s.log.Error("list client connections", "client", c.Name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	doc, err := tunnelcfg.EmitClient(c, srv, conns, tunnelcfg.ClientOptions{LocalIP: s.cfg.LocalIP})
	if err != nil {
		s.log.Error("emit client config", "client", c.Name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.TouchClientPull(ctx, c.ID); err != nil {
		s.log.Warn("record client config pull", "client", c.Name, "err", err)
	}
	writeTOML(w, doc)
}

func (s *Server) writeGatewayLookupError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	if isNotFound(err) {
		status, msg = http.StatusNotFound, "not found"
	} else {
		s.log.Error("gateway lookup", "err", err)
	}
	http.Error(w, msg, status)
}

func writeTOML(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
