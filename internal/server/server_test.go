package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pelletier/go-toml/v2"

	"github.com/koltyakov/edgeman/internal/auth"
	"github.com/koltyakov/edgeman/internal/certs"
	"github.com/koltyakov/edgeman/internal/config"
	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/publish"
	"github.com/koltyakov/edgeman/internal/store/sqlite"
	"github.com/koltyakov/edgeman/internal/tunnelcfg"
)

const testAPIKey = "edg_test_key"

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	calls  int
	dryRun bool
}

func (p *fakePublisher) Publish(_ context.Context, trigger string, dryRun bool) (domain.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.dryRun = dryRun
	if p.err != nil {
		return domain.Report{}, p.err
	}
	return domain.Report{ID: "run-" + strconv.Itoa(p.calls), Trigger: trigger, DryRun: dryRun, Status: domain.StatusOK}, nil
}

func newTestServer(t *testing.T, pub publish.Publisher) (*Server, *sqlite.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := sqlite.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.CreateAPIKey(context.Background(), "test", auth.HashAPIKey(testAPIKey, "")); err != nil {
		t.Fatal(err)
	}
	cfg := config.ServerConfig{MaxBodyBytes: 1 << 20, LocalIP: "127.0.0.1"}
	return New(cfg, store, pub, nil), store
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func admin(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, method, path, body, map[string]string{"Authorization": "Bearer " + testAPIKey})
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	rr := do(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rr.Code, rr.Body.String())
	}
}

func TestAdminRequiresAPIKey(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	if rr := do(t, h, http.MethodGet, "/v1/domains", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/domains", "", map[string]string{"Authorization": "Bearer wrong"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rr.Code)
	}
	rr := admin(t, h, http.MethodGet, "/v1/domains", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestAuthorize(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	if srv.Authorize(req) {
		t.Fatal("request without a key must not be authorized")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if !srv.Authorize(req) {
		t.Fatal("request with a valid key must be authorized")
	}
}

func TestDomainAndRouteEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	rr := admin(t, h, http.MethodPost, "/v1/domains", `{"name":"example.com","use_for_direct_prefix":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create domain: %d %s", rr.Code, rr.Body.String())
	}
	var d domain.Domain
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if rr := admin(t, h, http.MethodPost, "/v1/domains", `{"name":"example.com"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected duplicate domain conflict, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodPost, "/v1/domains", `{"name":"bad name"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected validation error, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodPost, "/v1/domains", `{"name":"example.org","bogus":1}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown field rejection, got %d", rr.Code)
	}

	route := `{"domain_id":` + strconv.FormatInt(d.ID, 10) + `,"protocol":"http","subdomain":"app","active":true,"kind":"proxy","proxy":{"scheme":"http","targets":[{"host":"10.0.0.1:8080","active":true,"backup":false}]}}`
	rr = admin(t, h, http.MethodPost, "/v1/routes", route)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create route: %d %s", rr.Code, rr.Body.String())
	}
	var rt domain.Route
	if err := json.Unmarshal(rr.Body.Bytes(), &rt); err != nil {
		t.Fatal(err)
	}
	if rt.ID == 0 || rt.Path != "/" {
		t.Fatalf("unexpected route %+v", rt)
	}
	if rr := admin(t, h, http.MethodPost, "/v1/routes", route); rr.Code != http.StatusConflict {
		t.Fatalf("expected duplicate route conflict, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodPost, "/v1/routes", strings.Replace(route, `"domain_id":`+strconv.FormatInt(d.ID, 10), `"domain_id":999`, 1)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected unknown domain 404, got %d", rr.Code)
	}

	path := "/v1/routes/" + strconv.FormatInt(rt.ID, 10)
	rr = admin(t, h, http.MethodPost, path+"/active", `{"active":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("toggle active: %d %s", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rt); err != nil {
		t.Fatal(err)
	}
	if rt.Active {
		t.Fatalf("route should be inactive")
	}
	if rr := admin(t, h, http.MethodDelete, path, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete route: %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodDelete, path, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodDelete, "/v1/routes/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rr.Code)
	}
}

func TestRecordEndpointsOnlyDeleteUserRecords(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t, nil)
	h := srv.Handler()
	ctx := context.Background()

	d, err := store.CreateDomain(ctx, domain.Domain{Name: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceGeneratedRecords(ctx, d.ID, []domain.DNSRecord{{Name: "app", Type: "A", Content: "198.51.100.1"}}, nil); err != nil {
		t.Fatal(err)
	}

	body := `{"domain_id":` + strconv.FormatInt(d.ID, 10) + `,"name":"txt","type":"TXT","content":"hello","provenance":"SYSTEM"}`
	rr := admin(t, h, http.MethodPost, "/v1/dns/records", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create record: %d %s", rr.Code, rr.Body.String())
	}
	var created domain.DNSRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Provenance != domain.ProvenanceUser {
		t.Fatalf("API records must be USER, got %s", created.Provenance)
	}

	rr = admin(t, h, http.MethodGet, "/v1/dns/records?domain_id="+strconv.FormatInt(d.ID, 10), "")
	var records []domain.DNSRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %+v", records)
	}
	var systemID int64
	for _, r := range records {
		if r.Provenance == domain.ProvenanceSystem {
			systemID = r.ID
		}
	}
	if rr := admin(t, h, http.MethodDelete, "/v1/dns/records/"+strconv.FormatInt(systemID, 10), ""); rr.Code != http.StatusConflict {
		t.Fatalf("SYSTEM record delete should be refused, got %d", rr.Code)
	}
	if rr := admin(t, h, http.MethodDelete, "/v1/dns/records/"+strconv.FormatInt(created.ID, 10), ""); rr.Code != http.StatusNoContent {
		t.Fatalf("USER record delete: %d", rr.Code)
	}
}

func TestGatewayConfigEndpoints(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t, nil)
	h := srv.Handler()

	rr := admin(t, h, http.MethodPost, "/v1/gateway/servers", `{"name":"ams","host":"198.51.100.1","bind_port":7000}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create server: %d %s", rr.Code, rr.Body.String())
	}
	var created createServerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.AuthToken == "" {
		t.Fatal("server token must be returned on create")
	}
	rr = admin(t, h, http.MethodPost, "/v1/gateway/clients", `{"name":"edge","server_id":`+strconv.FormatInt(created.ID, 10)+`,"is_origin":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create client: %d %s", rr.Code, rr.Body.String())
	}
	var client domain.GatewayClient
	if err := json.Unmarshal(rr.Body.Bytes(), &client); err != nil {
		t.Fatal(err)
	}
	rr = admin(t, h, http.MethodPost, "/v1/gateway/connections", `{"client_id":`+strconv.FormatInt(client.ID, 10)+`,"name":"ssh","type":"tcp","local_ip":"127.0.0.1","local_port":22,"remote_port":6000,"active":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create connection: %d %s", rr.Code, rr.Body.String())
	}

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing token", "/api/gateway/server/ams", nil, http.StatusUnauthorized},
		{"wrong token", "/api/gateway/server/ams", map[string]string{"X-Gateway-Token": "nope"}, http.StatusForbidden},
		{"unknown server", "/api/gateway/server/fra", map[string]string{"X-Gateway-Token": created.AuthToken}, http.StatusNotFound},
		{"server ok", "/api/gateway/server/ams", map[string]string{"X-Gateway-Token": created.AuthToken}, http.StatusOK},
		{"client bearer ok", "/api/gateway/client/edge", map[string]string{"Authorization": "Bearer " + created.AuthToken}, http.StatusOK},
		{"client wrong token", "/api/gateway/client/edge", map[string]string{"Authorization": "Bearer nope"}, http.StatusForbidden},
		{"unknown client", "/api/gateway/client/ghost", map[string]string{"X-Gateway-Token": created.AuthToken}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodGet, tt.path, "", tt.headers)
			if rr.Code != tt.want {
				t.Fatalf("got %d want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	rr = do(t, h, http.MethodGet, "/api/gateway/client/edge", "", map[string]string{"X-Gateway-Token": created.AuthToken})
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var doc tunnelcfg.ClientDocument
	if err := toml.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode client doc: %v\n%s", err, rr.Body.String())
	}
	if doc.ServerAddr != "198.51.100.1" || doc.ServerPort != 7000 || len(doc.Proxies) != 3 {
		t.Fatalf("unexpected client document %+v", doc)
	}

	got, err := store.ServerByName(context.Background(), "ams")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastConfigPull == nil {
		t.Fatal("server pull time should be recorded")
	}
}

func TestPublishEndpoint(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	srv, _ := newTestServer(t, pub)
	h := srv.Handler()

	rr := admin(t, h, http.MethodPost, "/v1/publish?dry_run=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", rr.Code, rr.Body.String())
	}
	var report domain.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.DryRun || report.Trigger != publish.TriggerAPI || !pub.dryRun {
		t.Fatalf("unexpected report %+v", report)
	}

	pub.mu.Lock()
	pub.err = domain.ErrBusy
	pub.mu.Unlock()
	rr = admin(t, h, http.MethodPost, "/v1/publish", "")
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), errCodeBusy) {
		t.Fatalf("expected 409 busy, got %d %s", rr.Code, rr.Body.String())
	}

	if rr := admin(t, h, http.MethodGet, "/v1/publish/latest", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected no stored report, got %d", rr.Code)
	}
}

func TestPublishEventsStream(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, &fakePublisher{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/publish/events"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized dial, err=%v", err)
	}

	header := http.Header{"Authorization": []string{"Bearer " + testAPIKey}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.events.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	observe := srv.PublishObserver()
	observe(publish.Event{RunID: "run-1", Stage: domain.StageRender, Status: domain.StatusOK})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev publish.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.RunID != "run-1" || ev.Stage != domain.StageRender {
		t.Fatalf("unexpected event %+v", ev)
	}

	srv.events.close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the stream to close")
	}
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	h := newEventHub()
	ch := h.subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.broadcast(publish.Event{RunID: "r"})
	}
	if len(ch) != subscriberBuffer {
		t.Fatalf("expected a full buffer, got %d", len(ch))
	}
	h.unsubscribe(ch)
	h.unsubscribe(ch)
	h.close()
	if _, ok := <-h.subscribe(); ok {
		t.Fatal("subscribe after close should yield a closed channel")
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	rl := newRateLimiter(1, 2)
	rl.now = func() time.Time { return now }
	if !rl.allow("k") || !rl.allow("k") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("k") {
		t.Fatal("third call should be limited")
	}
	if !rl.allow("other") {
		t.Fatal("keys are independent")
	}
	now = now.Add(time.Second)
	if !rl.allow("k") {
		t.Fatal("bucket should refill")
	}
	now = now.Add(apiCleanupAge + time.Second)
	rl.cleanup()
	if n := len(rl.shard("k").buckets); n != 0 {
		t.Fatalf("idle bucket not evicted: %d", n)
	}
}

func TestChallengeHandler(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tokenDir := filepath.Join(dir, certs.ChallengePath)
	if err := os.MkdirAll(tokenDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tokenDir, "tok123"), []byte("tok123.thumb"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := ChallengeHandler(dir)
	rr := do(t, h, http.MethodGet, "/.well-known/acme-challenge/tok123", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "tok123.thumb" {
		t.Fatalf("unexpected challenge response %d %q", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/other", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside challenge dir, got %d", rr.Code)
	}
}
