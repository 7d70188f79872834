package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/auth"
	"github.com/koltyakov/edgeman/internal/domain"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ValidationError{Entity: "request", Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, &domain.ValidationError{Entity: "request", Field: name, Reason: "must be a non-negative integer"}
	}
	return id, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error(), ErrorCode: errCodeValidation})
		return false
	}
	return true
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.ListDomains(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(domains))
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var d domain.Domain
	if !s.decode(w, r, &d) {
		return
	}
	d.ID = 0
	if err := domain.ValidateDomain(d); err != nil {
		s.writeError(w, err)
		return
	}
	d.Name = strings.TrimSuffix(d.Name, ".")
	created, err := s.store.CreateDomain(r.Context(), d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("domain created", "domain", created.Name, "id", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteDomain(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.store.ListRoutes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(routes))
}

// handleSaveRoute creates a route, or replaces it when the body carries an id.
func (s *Server) handleSaveRoute(w http.ResponseWriter, r *http.Request) {
	var rt domain.Route
	if !s.decode(w, r, &rt) {
		return
	}
	ctx := r.Context()
	d, err := s.store.GetDomain(ctx, rt.DomainID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := domain.ValidateRoute(rt, d.Name); err != nil {
		s.writeError(w, err)
		return
	}
	if rt.Kind == domain.RouteKindRedirect && rt.Redirect != nil && rt.Redirect.RouteID != 0 {
		if _, err := s.store.GetRoute(ctx, rt.Redirect.RouteID); err != nil {
			s.writeError(w, err)
			return
		}
	}
	status := http.StatusCreated
	if rt.ID != 0 {
		status = http.StatusOK
	}
	saved, err := s.store.SaveRoute(ctx, rt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("route saved", "domain", d.Name, "route", saved.Key(), "id", saved.ID)
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteRoute(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetRouteActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req activeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.SetRouteActive(r.Context(), id, req.Active); err != nil {
		s.writeError(w, err)
		return
	}
	rt, err := s.store.GetRoute(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	domainID, err := queryID(r, "domain_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.store.ListRecords(r.Context(), domainID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// handleCreateRecord stores a USER record; the provenance in the body is
// ignored.
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec domain.DNSRecord
	if !s.decode(w, r, &rec) {
		return
	}
	rec.ID = 0
	rec.ProviderID = ""
	rec.Provenance = domain.ProvenanceUser
	if _, err := s.store.GetDomain(r.Context(), rec.DomainID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := domain.ValidateRecord(rec); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.store.CreateUserRecord(r.Context(), rec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteUserRecord(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createServerRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	BindPort int    `json:"bind_port"`
}

type createServerResponse struct {
	domain.GatewayServer
	// AuthToken is only ever returned here.
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(servers))
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !s.decode(w, r, &req) {
		return
	}
	srv := domain.GatewayServer{Name: strings.TrimSpace(req.Name), Host: strings.TrimSpace(req.Host), BindPort: req.BindPort}
	if err := domain.ValidateServer(srv); err != nil {
		s.writeError(w, err)
		return
	}
	token, err := auth.GenerateGatewayToken()
	if err != nil {
		s.writeError(w, err)
		return
	}
	srv.AuthToken = token
	created, err := s.store.CreateServer(r.Context(), srv)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("gateway server created", "server", created.Name)
	writeJSON(w, http.StatusCreated, createServerResponse{GatewayServer: created, AuthToken: created.AuthToken})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(clients))
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var c domain.GatewayClient
	if !s.decode(w, r, &c) {
		return
	}
	c.ID = 0
	c.LastConfigPull = nil
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" || strings.ContainsAny(c.Name, " \t/") {
		s.writeError(w, &domain.ValidationError{Entity: "client " + c.Name, Field: "name", Reason: "required and must not contain spaces or slashes"})
		return
	}
	created, err := s.store.CreateClient(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	clientID, err := queryID(r, "client_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	conns, err := s.store.ListConnections(r.Context(), clientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(conns))
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var c domain.GatewayConnection
	if !s.decode(w, r, &c) {
		return
	}
	c.ID = 0
	if err := domain.ValidateConnection(c); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.store.CreateConnection(r.Context(), c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := s.store.ListCertificates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(certs))
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
