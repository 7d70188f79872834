package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func intPtr(v int) *int { return &v }

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state", "edgeman.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("expected parent directory to exist: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestDomainLifecycle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: " Example.COM ", UseForDirectPrefix: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.ID == 0 || d.Name != "example.com" {
		t.Fatalf("unexpected domain %+v", d)
	}
	if _, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.SetZoneID(ctx, d.ID, "zone-1"); err != nil {
		t.Fatal(err)
	}
	d.AutoWildcard = true
	if err := store.UpdateDomain(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetDomain(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ZoneID != "zone-1" || !got.AutoWildcard || !got.UseForDirectPrefix {
		t.Fatalf("unexpected stored domain %+v", got)
	}
	if err := store.DeleteDomain(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetDomain(ctx, d.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.SetZoneID(ctx, d.ID, "zone-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for zone update, got %v", err)
	}
}

func TestRouteSaveRoundTripAndUniqueness(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	r, err := store.SaveRoute(ctx, domain.Route{
		DomainID:  d.ID,
		Protocol:  domain.ProtocolHTTP,
		Subdomain: "App",
		Path:      "api",
		Active:    true,
		Kind:      domain.RouteKindProxy,
		Proxy: &domain.ProxySpec{Scheme: "http", Targets: []domain.Target{
			{Host: "10.0.0.1:80", Weight: intPtr(3), Active: true},
			{Host: "10.0.0.2:80", Backup: true, Active: true},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Subdomain != "app" || r.Path != "/api" {
		t.Fatalf("route not normalized: %+v", r)
	}

	got, err := store.GetRoute(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Proxy == nil || len(got.Proxy.Targets) != 2 || *got.Proxy.Targets[0].Weight != 3 || !got.Proxy.Targets[1].Backup {
		t.Fatalf("proxy spec not preserved: %+v", got.Proxy)
	}
	if got.Redirect != nil {
		t.Fatalf("unexpected redirect %+v", got.Redirect)
	}

	dup := r
	dup.ID = 0
	if _, err := store.SaveRoute(ctx, dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate key conflict, got %v", err)
	}

	redirect, err := store.SaveRoute(ctx, domain.Route{
		DomainID:  d.ID,
		Protocol:  domain.ProtocolHTTP,
		Subdomain: "old",
		Active:    true,
		Kind:      domain.RouteKindRedirect,
		Redirect:  &domain.RedirectSpec{RouteID: r.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetRouteActive(ctx, redirect.ID, false); err != nil {
		t.Fatal(err)
	}
	routes, err := store.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[1].Active || routes[1].Redirect == nil || routes[1].Redirect.RouteID != r.ID {
		t.Fatalf("unexpected routes %+v", routes)
	}

	got.Path = "/v2"
	if _, err := store.SaveRoute(ctx, got); err != nil {
		t.Fatal(err)
	}
	missing := got
	missing.ID = 9999
	if _, err := store.SaveRoute(ctx, missing); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}

	if err := store.DeleteDomain(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	routes, err = store.ListRoutes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Fatalf("routes should cascade with their domain, got %d", len(routes))
	}
}

func TestReplaceGeneratedRecordsKeepsUserRecords(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	user, err := store.CreateUserRecord(ctx, domain.DNSRecord{DomainID: d.ID, Name: "Mail", Type: "mx", Content: "mx.example.net", Priority: intPtr(10)})
	if err != nil {
		t.Fatal(err)
	}
	if user.Provenance != domain.ProvenanceUser || user.Name != "mail" || user.Type != "MX" {
		t.Fatalf("unexpected user record %+v", user)
	}

	system := []domain.DNSRecord{{Name: "app", Type: "A", Content: "198.51.100.1", Proxied: true, ProviderID: "p1"}}
	imported := []domain.DNSRecord{{Name: "legacy", Type: "TXT", Content: "v=spf1 -all", ProviderID: "p2"}}
	if err := store.ReplaceGeneratedRecords(ctx, d.ID, system, imported); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceGeneratedRecords(ctx, d.ID, system[:1], nil); err != nil {
		t.Fatal(err)
	}

	records, err := store.ListRecords(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[domain.Provenance]int{}
	for _, r := range records {
		counts[r.Provenance]++
	}
	if counts[domain.ProvenanceUser] != 1 || counts[domain.ProvenanceSystem] != 1 || counts[domain.ProvenanceImported] != 0 {
		t.Fatalf("unexpected provenance counts %v", counts)
	}
	for _, r := range records {
		if r.Provenance == domain.ProvenanceUser && (r.Priority == nil || *r.Priority != 10) {
			t.Fatalf("user record priority lost: %+v", r)
		}
		if r.Provenance == domain.ProvenanceSystem && (!r.Proxied || r.ProviderID != "p1" || r.TTL != 1) {
			t.Fatalf("system record not preserved: %+v", r)
		}
	}

	sysID := int64(0)
	for _, r := range records {
		if r.Provenance == domain.ProvenanceSystem {
			sysID = r.ID
		}
	}
	if err := store.DeleteUserRecord(ctx, sysID); !errors.Is(err, ErrNotUserRecord) {
		t.Fatalf("expected generated record delete to be refused, got %v", err)
	}
	if err := store.DeleteUserRecord(ctx, user.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteUserRecord(ctx, user.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteDomainRefusedWhileSystemRecordsPublished(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	system := []domain.DNSRecord{{Name: "app", Type: "A", Content: "198.51.100.1", Proxied: true, ProviderID: "p1"}}
	if err := store.ReplaceGeneratedRecords(ctx, d.ID, system, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDomain(ctx, d.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := store.GetDomain(ctx, d.ID); err != nil {
		t.Fatalf("domain must survive a refused delete: %v", err)
	}

	// An empty pass clears the generation and unblocks the delete.
	if err := store.ReplaceGeneratedRecords(ctx, d.ID, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDomain(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
}

func TestGatewayTopologyAndTouchThrottle(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	srv, err := store.CreateServer(ctx, domain.GatewayServer{Name: "ams", Host: "198.51.100.1", BindPort: 7000, AuthToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateClient(ctx, domain.GatewayClient{Name: "orphan", ServerID: 999}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing parent error, got %v", err)
	}
	c, err := store.CreateClient(ctx, domain.GatewayClient{Name: "edge", ServerID: srv.ID, IsOrigin: true})
	if err != nil {
		t.Fatal(err)
	}
	conn, err := store.CreateConnection(ctx, domain.GatewayConnection{
		ClientID: c.ID, Name: "web", Type: "tcp", LocalIP: "127.0.0.1", LocalPort: 443, RemotePort: 443,
		Flags: []string{domain.FlagEncryption}, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateConnection(ctx, domain.GatewayConnection{ClientID: c.ID, Name: "web", Type: "tcp", LocalIP: "127.0.0.1", LocalPort: 80, RemotePort: 80}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate connection conflict, got %v", err)
	}

	conns, err := store.ListConnections(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 || conns[0].ID != conn.ID || len(conns[0].Flags) != 1 || conns[0].Flags[0] != domain.FlagEncryption {
		t.Fatalf("unexpected connections %+v", conns)
	}

	if err := store.TouchServerPull(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	first, err := store.ServerByName(ctx, "ams")
	if err != nil {
		t.Fatal(err)
	}
	if first.LastConfigPull == nil || first.AuthToken != "tok" {
		t.Fatalf("unexpected server %+v", first)
	}
	if err := store.TouchServerPull(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	second, err := store.ServerByName(ctx, "ams")
	if err != nil {
		t.Fatal(err)
	}
	if !second.LastConfigPull.Equal(*first.LastConfigPull) {
		t.Fatalf("touch within the throttle window should be skipped")
	}

	if err := store.TouchClientPull(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	gotClient, err := store.ClientByName(ctx, "edge")
	if err != nil {
		t.Fatal(err)
	}
	if gotClient.LastConfigPull == nil || !gotClient.IsOrigin {
		t.Fatalf("unexpected client %+v", gotClient)
	}
	if _, err := store.ClientByName(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatal(err)
	}
	all, err := store.ListConnections(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("connections should cascade, got %d", len(all))
	}
}

func TestSnapshotCarriesEveryEntity(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveRoute(ctx, domain.Route{DomainID: d.ID, Protocol: domain.ProtocolStream, Subdomain: "mc", Port: 25565, Active: true, Kind: domain.RouteKindProxy,
		Proxy: &domain.ProxySpec{Targets: []domain.Target{{Host: "10.0.0.5:25565", Active: true}}}, SRVRecord: "_minecraft._tcp"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateUserRecord(ctx, domain.DNSRecord{DomainID: d.ID, Name: "@", Type: "TXT", Content: "hello"}); err != nil {
		t.Fatal(err)
	}
	srv, err := store.CreateServer(ctx, domain.GatewayServer{Name: "ams", Host: "198.51.100.1", BindPort: 7000, AuthToken: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	c, err := store.CreateClient(ctx, domain.GatewayClient{Name: "edge", ServerID: srv.ID, IsOrigin: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateConnection(ctx, domain.GatewayConnection{ClientID: c.ID, Name: "web", Type: "tcp", LocalIP: "127.0.0.1", LocalPort: 443, RemotePort: 443, Active: true}); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := store.SaveCertificates(ctx, []domain.Certificate{{
		Label: "*.example.com", Names: []string{"example.com", "*.example.com"}, Backend: domain.CertBackendProviderCA,
		NotBefore: now, NotAfter: now.Add(90 * 24 * time.Hour), ChainPath: "/ssl/example.com/fullchain.pem", KeyPath: "/ssl/example.com/privkey.pem",
	}}); err != nil {
		t.Fatal(err)
	}

	st, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Domains) != 1 || len(st.Routes) != 1 || len(st.Records) != 1 || len(st.Servers) != 1 || len(st.Clients) != 1 || len(st.Connections) != 1 || len(st.Certificates) != 1 {
		t.Fatalf("incomplete snapshot %+v", st)
	}
	if st.Routes[0].SRVRecord != "_minecraft._tcp" || st.Routes[0].Port != 25565 {
		t.Fatalf("stream route not preserved: %+v", st.Routes[0])
	}
	cert := st.Certificates[0]
	if !cert.Covers("app.example.com") || !cert.NotAfter.Equal(now.Add(90*24*time.Hour)) {
		t.Fatalf("certificate not preserved: %+v", cert)
	}
	if origins := st.Origins(nil); len(origins) != 1 || origins[0].IP != "198.51.100.1" {
		t.Fatalf("unexpected origins %+v", origins)
	}
}

func TestPublishReportHistory(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	store.PublishHistory = 2
	ctx := context.Background()

	if _, err := store.LatestPublishReport(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found before any run, got %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		r := domain.Report{
			ID:         id,
			Trigger:    "cli",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Status:     domain.StatusOK,
			Stages: []domain.StageResult{{
				Stage:  domain.StageDNS,
				Status: domain.StatusWarning,
				Issues: []domain.Issue{domain.Warn("domain example.com", "slow")},
			}},
		}
		if err := store.SavePublishReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := store.ListPublishReports(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[0].ID != "run-c" || reports[1].ID != "run-b" {
		t.Fatalf("unexpected history %+v", reports)
	}
	latest, err := store.LatestPublishReport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st, ok := latest.Stage(domain.StageDNS); !ok || len(st.Issues) != 1 {
		t.Fatalf("stage detail lost: %+v", latest)
	}
}

func TestAPIKeysAndPepper(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	k, err := store.CreateAPIKey(ctx, "admin", "hash-1")
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.ResolveAPIKeyID(ctx, "hash-1")
	if err != nil || id != k.ID {
		t.Fatalf("resolve: %q %v", id, err)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.RevokeAPIKey(ctx, k.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows on second revoke, got %v", err)
	}
	if _, err := store.ResolveAPIKeyID(ctx, "hash-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("revoked key must not resolve, got %v", err)
	}
	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].RevokedAt == nil {
		t.Fatalf("unexpected keys %+v", keys)
	}

	if _, ok, err := store.GetServerPepper(ctx); err != nil || ok {
		t.Fatalf("expected no pepper yet, ok=%v err=%v", ok, err)
	}
	pepper, err := store.ResolveServerPepper(ctx, "pepper-1")
	if err != nil || pepper != "pepper-1" {
		t.Fatalf("resolve pepper: %q %v", pepper, err)
	}
	if got, err := store.ResolveServerPepper(ctx, ""); err != nil || got != "pepper-1" {
		t.Fatalf("stored pepper not returned: %q %v", got, err)
	}
	if _, err := store.ResolveServerPepper(ctx, "other"); err == nil {
		t.Fatal("expected pepper mismatch error")
	}
}
