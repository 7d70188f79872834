package render

import (
	"strings"
	"testing"

	"github.com/koltyakov/edgeman/internal/domain"
)

func intPtr(v int) *int { return &v }

func httpRoute(id int64, sub, path string, targets ...domain.Target) domain.Route {
	return domain.Route{
		ID: id, DomainID: 1, Protocol: domain.ProtocolHTTP, Subdomain: sub, Path: path,
		Active: true, Kind: domain.RouteKindProxy, Proxy: &domain.ProxySpec{Targets: targets},
	}
}

func target(host string) domain.Target {
	return domain.Target{Host: host, Active: true}
}

func baseState() domain.State {
	return domain.State{
		Domains: []domain.Domain{{ID: 1, Name: "example.com"}},
		Certificates: []domain.Certificate{{
			Label: "example.com",
			Names: []string{"example.com", "*.example.com"},
		}},
	}
}

func opts() Options {
	return Options{SSLDir: "/etc/nginx/ssl", ACMEDir: "/var/www/acme"}
}

func hasWarning(ws []domain.Issue, substr string) bool {
	for _, w := range ws {
		if strings.Contains(w.Entity+" "+w.Message, substr) {
			return true
		}
	}
	return false
}

func TestRenderSingleRoute(t *testing.T) {
	t.Parallel()

	s := baseState()
	tg := target("10.0.0.1:8080")
	tg.Weight = intPtr(1)
	s.Routes = []domain.Route{httpRoute(1, "api", "/", tg)}

	res := Render(s, opts())
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", res.Warnings)
	}
	if strings.Count(res.HTTP, "server_name api.example.com;") != 1 {
		t.Fatalf("expected one virtual host for api.example.com:\n%s", res.HTTP)
	}
	if !strings.Contains(res.HTTP, "    server 10.0.0.1:8080 weight=1;\n") {
		t.Fatalf("missing upstream entry:\n%s", res.HTTP)
	}
	if !strings.Contains(res.HTTP, "ssl_certificate /etc/nginx/ssl/example.com/fullchain.pem;") {
		t.Fatalf("missing certificate path:\n%s", res.HTTP)
	}
	if !strings.Contains(res.HTTP, "server_name example.com *.example.com;") {
		t.Fatalf("missing port 80 redirect server:\n%s", res.HTTP)
	}
	if len(res.TLSHosts) != 1 || res.TLSHosts[0] != (TLSHost{Host: "api.example.com", Domain: "example.com"}) {
		t.Fatalf("unexpected tls hosts %+v", res.TLSHosts)
	}
}

func TestRenderDeterministic(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Routes = []domain.Route{
		httpRoute(1, "api", "/", target("10.0.0.1:8080")),
		httpRoute(2, "web", "/", target("10.0.0.2:8080")),
		httpRoute(3, "api", "/v2", target("10.0.0.3:8080")),
	}
	first := Render(s, opts())
	second := Render(s, opts())
	if first.HTTP != second.HTTP || first.Stream != second.Stream {
		t.Fatal("render output differs between identical calls")
	}

	s.Routes = []domain.Route{s.Routes[2], s.Routes[0], s.Routes[1]}
	third := Render(s, opts())
	if first.HTTP != third.HTTP {
		t.Fatalf("render output depends on input order:\n%s\n---\n%s", first.HTTP, third.HTTP)
	}
}

func TestRenderTargetTunables(t *testing.T) {
	t.Parallel()

	s := baseState()
	full := target("10.0.0.1:8080")
	full.Weight, full.MaxFails, full.FailTimeout = intPtr(5), intPtr(3), intPtr(30)
	bare := target("10.0.0.2:8080")
	backup := target("10.0.0.3:8080")
	backup.Backup = true
	off := target("10.0.0.4:8080")
	off.Active = false
	s.Routes = []domain.Route{httpRoute(1, "api", "/", full, bare, backup, off)}

	res := Render(s, opts())
	want := "    server 10.0.0.1:8080 weight=5 max_fails=3 fail_timeout=30;\n" +
		"    server 10.0.0.2:8080;\n" +
		"    server 10.0.0.3:8080 backup;\n}"
	if !strings.Contains(res.HTTP, want) {
		t.Fatalf("unexpected upstream block:\n%s", res.HTTP)
	}
	if strings.Contains(res.HTTP, "10.0.0.4") {
		t.Fatal("inactive target must not be rendered")
	}
}

func TestRenderLocationOrder(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Routes = []domain.Route{
		httpRoute(1, "api", "/", target("10.0.0.1:80")),
		httpRoute(2, "api", "/v1", target("10.0.0.2:80")),
		httpRoute(3, "api", "/v1/admin", target("10.0.0.3:80")),
	}
	res := Render(s, opts())

	admin := strings.Index(res.HTTP, "location /v1/admin/ {")
	v1 := strings.Index(res.HTTP, "location /v1/ {")
	root := strings.Index(res.HTTP, "location / {\n        proxy_pass")
	if admin < 0 || v1 < 0 || root < 0 {
		t.Fatalf("missing locations:\n%s", res.HTTP)
	}
	if !(admin < v1 && v1 < root) {
		t.Fatalf("locations not ordered longest first: %d %d %d", admin, v1, root)
	}
	if !strings.Contains(res.HTTP, "rewrite ^/v1/(.*)$ /$1 break;") {
		t.Fatalf("missing prefix rewrite:\n%s", res.HTTP)
	}
	if !strings.Contains(res.HTTP, "proxy_set_header X-Forwarded-Prefix /v1;") {
		t.Fatalf("missing prefix header:\n%s", res.HTTP)
	}
}

func TestRenderBackendPathAndScheme(t *testing.T) {
	t.Parallel()

	s := baseState()
	rt := httpRoute(1, "app", "/", target("10.0.0.1:443"))
	rt.Proxy.Scheme = "https"
	rt.Proxy.BackendPath = "/ui/"
	s.Routes = []domain.Route{rt}

	res := Render(s, opts())
	if !strings.Contains(res.HTTP, "rewrite ^/(.*)$ /ui/$1 break;") {
		t.Fatalf("missing backend rewrite:\n%s", res.HTTP)
	}
	if !strings.Contains(res.HTTP, "proxy_pass https://u_") {
		t.Fatalf("missing https upstream:\n%s", res.HTTP)
	}
}

func TestRenderSkipsRouteWithoutPrimaryTarget(t *testing.T) {
	t.Parallel()

	s := baseState()
	backup := target("10.0.0.9:80")
	backup.Backup = true
	s.Routes = []domain.Route{
		httpRoute(1, "api", "/", target("10.0.0.1:80")),
		httpRoute(2, "broken", "/", backup),
	}
	res := Render(s, opts())
	if strings.Contains(res.HTTP, "broken.example.com") {
		t.Fatalf("broken route rendered:\n%s", res.HTTP)
	}
	if !hasWarning(res.Warnings, "no active non-backup target") {
		t.Fatalf("expected warning, got %+v", res.Warnings)
	}
	if !strings.Contains(res.HTTP, "server_name api.example.com;") {
		t.Fatal("healthy route must still render")
	}
}

func TestRenderRedirects(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Routes = []domain.Route{
		httpRoute(1, "new", "/", target("10.0.0.1:80")),
		{ID: 2, DomainID: 1, Protocol: domain.ProtocolHTTP, Subdomain: "old", Path: "/", Active: true,
			Kind: domain.RouteKindRedirect, Redirect: &domain.RedirectSpec{RouteID: 1}},
		{ID: 3, DomainID: 1, Protocol: domain.ProtocolHTTP, Subdomain: "gone", Path: "/", Active: true,
			Kind: domain.RouteKindRedirect, Redirect: &domain.RedirectSpec{RouteID: 99}},
	}
	res := Render(s, opts())
	if !strings.Contains(res.HTTP, "return 307 https://new.example.com/;") {
		t.Fatalf("missing redirect:\n%s", res.HTTP)
	}
	if strings.Contains(res.HTTP, "gone.example.com") {
		t.Fatal("dangling redirect must be skipped")
	}
	if !hasWarning(res.Warnings, "route 99 does not exist") {
		t.Fatalf("expected dangling warning, got %+v", res.Warnings)
	}
}

func TestRenderRedirectFollowsTargetScheme(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Certificates = []domain.Certificate{{Label: "old.example.com", Names: []string{"old.example.com"}}}
	s.Routes = []domain.Route{
		httpRoute(1, "new", "/", target("10.0.0.1:80")),
		{ID: 2, DomainID: 1, Protocol: domain.ProtocolHTTP, Subdomain: "old", Path: "/", Active: true,
			Kind: domain.RouteKindRedirect, Redirect: &domain.RedirectSpec{RouteID: 1}},
	}

	plain := Render(s, opts())
	if !strings.Contains(plain.HTTP, "return 307 http://new.example.com/;") {
		t.Fatalf("redirect to a plain host must use http:\n%s", plain.HTTP)
	}

	o := opts()
	o.MissingCert = MissingCertOmit
	omit := Render(s, o)
	if strings.Contains(omit.HTTP, "return 307") {
		t.Fatalf("redirect to an omitted host must be skipped:\n%s", omit.HTTP)
	}
	if !hasWarning(omit.Warnings, "new.example.com is omitted") {
		t.Fatalf("expected omitted target warning, got %+v", omit.Warnings)
	}
}

func TestRenderCertificateSelection(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Certificates = append(s.Certificates, domain.Certificate{
		Label:     "shop.example.com",
		Names:     []string{"shop.example.com", "*.shop.example.com"},
		ChainPath: "/certs/shop/fullchain.pem",
		KeyPath:   "/certs/shop/privkey.pem",
	})
	s.Routes = []domain.Route{
		httpRoute(1, "shop", "/", target("10.0.0.1:80")),
		httpRoute(2, "eu.shop", "/", target("10.0.0.2:80")),
		httpRoute(3, "www", "/", target("10.0.0.3:80")),
	}
	res := Render(s, opts())

	blocks := strings.Split(res.HTTP, "\nserver {\n")
	find := func(host string) string {
		for _, blk := range blocks {
			if strings.Contains(blk, "server_name "+host+";") {
				return blk
			}
		}
		t.Fatalf("no server block for %s", host)
		return ""
	}
	if !strings.Contains(find("shop.example.com"), "/certs/shop/fullchain.pem") {
		t.Fatal("exact label should win for shop.example.com")
	}
	if !strings.Contains(find("eu.shop.example.com"), "/certs/shop/fullchain.pem") {
		t.Fatal("wildcard one level up should serve eu.shop.example.com")
	}
	if !strings.Contains(find("www.example.com"), "/etc/nginx/ssl/example.com/fullchain.pem") {
		t.Fatal("zone wildcard should serve www.example.com")
	}
}

func TestRenderMissingCertificatePolicy(t *testing.T) {
	t.Parallel()

	s := baseState()
	s.Certificates = nil
	s.Routes = []domain.Route{httpRoute(1, "@", "/", target("10.0.0.1:80"))}

	plain := Render(s, opts())
	if strings.Contains(plain.HTTP, "ssl_certificate") {
		t.Fatal("no certificate path may be referenced")
	}
	if !strings.Contains(plain.HTTP, "server_name example.com;\n") || !strings.Contains(plain.HTTP, "server_name *.example.com;") {
		t.Fatalf("plain host should be served on port 80:\n%s", plain.HTTP)
	}
	if !hasWarning(plain.Warnings, "plain HTTP") {
		t.Fatalf("expected warning, got %+v", plain.Warnings)
	}

	o := opts()
	o.MissingCert = MissingCertOmit
	omit := Render(s, o)
	if strings.Contains(omit.HTTP, "proxy_pass") {
		t.Fatalf("host should be omitted:\n%s", omit.HTTP)
	}
	if len(omit.TLSHosts) != 1 {
		t.Fatal("omitted host is still reported as wanting TLS")
	}
}

func TestRenderRealIPBlock(t *testing.T) {
	t.Parallel()

	o := opts()
	o.RealIPFrom = []string{"2400:cb00::/32", "173.245.48.0/20"}
	res := Render(baseState(), o)
	want := "set_real_ip_from 173.245.48.0/20;\nset_real_ip_from 2400:cb00::/32;\nreal_ip_header CF-Connecting-IP;\n"
	if !strings.Contains(res.HTTP, want) {
		t.Fatalf("unexpected real ip block:\n%s", res.HTTP)
	}
}

func TestRenderStream(t *testing.T) {
	t.Parallel()

	s := baseState()
	streamRoute := func(id int64, sub string, port int, host string) domain.Route {
		return domain.Route{
			ID: id, DomainID: 1, Protocol: domain.ProtocolStream, Subdomain: sub, Port: port, Active: true,
			Kind: domain.RouteKindProxy, Proxy: &domain.ProxySpec{Targets: []domain.Target{target(host)}},
		}
	}
	mc := streamRoute(1, "play", 25565, "10.0.0.5:25565")
	mc.SRVRecord = "_minecraft._tcp"
	dup := streamRoute(2, "other", 25565, "10.0.0.6:25565")
	ssh := streamRoute(3, "ssh", 2222, "10.0.0.7:22")
	ssh.SRVRecord = "_ssh._tcp"
	s.Routes = []domain.Route{mc, dup, ssh}

	o := opts()
	o.SRVNames = map[string]bool{"_minecraft._tcp.play.example.com": true}
	res := Render(s, o)

	if strings.Count(res.Stream, "listen 25565;") != 1 {
		t.Fatalf("port must be bound once:\n%s", res.Stream)
	}
	if !strings.Contains(res.Stream, "server 10.0.0.5:25565;") || strings.Contains(res.Stream, "10.0.0.6") {
		t.Fatalf("unexpected stream upstreams:\n%s", res.Stream)
	}
	if !strings.Contains(res.Stream, "listen 2222;\n    proxy_pass s_") {
		t.Fatalf("missing ssh server:\n%s", res.Stream)
	}
	if !hasWarning(res.Warnings, "already bound") {
		t.Fatalf("expected port collision warning, got %+v", res.Warnings)
	}
	if !hasWarning(res.Warnings, "_ssh._tcp.ssh.example.com") {
		t.Fatalf("expected SRV mismatch warning, got %+v", res.Warnings)
	}
	if hasWarning(res.Warnings, "_minecraft") {
		t.Fatalf("matching SRV hint must not warn: %+v", res.Warnings)
	}
}
