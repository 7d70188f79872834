package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

type location struct {
	path     string
	base     string
	upstream string
	body     []string
	route    domain.Route
}

type vhost struct {
	name      string
	locations []location
	cert      domain.Certificate
	tls       bool
}

func (r *renderer) http() string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\nmap $http_upgrade $connection_upgrade {\n    default upgrade;\n    ''      close;\n}\n")

	if len(r.opts.RealIPFrom) > 0 {
		ranges := append([]string(nil), r.opts.RealIPFrom...)
		sort.Strings(ranges)
		b.WriteString("\n")
		for _, cidr := range ranges {
			fmt.Fprintf(&b, "set_real_ip_from %s;\n", cidr)
		}
		b.WriteString("real_ip_header CF-Connecting-IP;\nreal_ip_recursive on;\n")
	}

	for _, d := range r.sortedDomains() {
		hosts := r.vhosts(d)
		if len(hosts) == 0 {
			continue
		}

		plain := make(map[string]bool)
		for _, h := range hosts {
			if !h.tls {
				plain[h.name] = true
			}
		}
		var names []string
		for _, n := range []string{d.Name, "*." + d.Name} {
			if !plain[n] {
				names = append(names, n)
			}
		}
		if len(names) > 0 {
			b.WriteString("\nserver {\n    listen 80;\n    listen [::]:80;\n")
			fmt.Fprintf(&b, "    server_name %s;\n", strings.Join(names, " "))
			r.acmeLocation(&b)
			b.WriteString("\n    location / {\n        return 301 https://$host$request_uri;\n    }\n}\n")
		}

		for _, h := range hosts {
			r.writeVhost(&b, h)
		}
	}

	sort.Slice(r.tlsHosts, func(i, j int) bool { return r.tlsHosts[i].Host < r.tlsHosts[j].Host })
	return b.String()
}

func (r *renderer) acmeLocation(b *strings.Builder) {
	if r.opts.ACMEDir == "" {
		return
	}
	b.WriteString("\n    location ^~ /.well-known/acme-challenge/ {\n")
	fmt.Fprintf(b, "        root %s;\n", r.opts.ACMEDir)
	b.WriteString("        default_type text/plain;\n    }\n")
}

// vhosts groups the domain's active HTTP routes into virtual hosts sorted by
// name, with locations ordered longest prefix first.
func (r *renderer) vhosts(d domain.Domain) []vhost {
	byHost := make(map[string][]domain.Route)
	for _, rt := range r.state.Routes {
		if rt.DomainID != d.ID || rt.Protocol != domain.ProtocolHTTP || !rt.Active {
			continue
		}
		host := domain.FQDN(rt.Subdomain, d.Name)
		byHost[host] = append(byHost[host], rt)
	}

	names := make([]string, 0, len(byHost))
	for h := range byHost {
		names = append(names, h)
	}
	sort.Strings(names)

	var out []vhost
	for _, host := range names {
		routes := byHost[host]
		sort.SliceStable(routes, func(i, j int) bool {
			return domain.NormalizePath(routes[i].Path) < domain.NormalizePath(routes[j].Path)
		})

		h := vhost{name: host}
		seen := make(map[string]bool)
		for _, rt := range routes {
			loc, ok := r.location(d, host, rt)
			if !ok {
				continue
			}
			if seen[loc.path] {
				r.warn(domain.RouteEntity(rt, d.Name), "location %s already defined on %s", loc.path, host)
				continue
			}
			seen[loc.path] = true
			h.locations = append(h.locations, loc)
		}
		if len(h.locations) == 0 {
			continue
		}
		sort.SliceStable(h.locations, func(i, j int) bool {
			a, b := h.locations[i].path, h.locations[j].path
			if len(a) != len(b) {
				return len(a) > len(b)
			}
			return a < b
		})

		r.tlsHosts = append(r.tlsHosts, TLSHost{Host: host, Domain: d.Name})
		if cert, ok := r.certFor(host); ok {
			h.cert = cert
			h.tls = true
		} else if r.opts.MissingCert == MissingCertOmit {
			r.warn("host "+host, "no certificate covers host; host omitted")
			continue
		} else {
			r.warn("host "+host, "no certificate covers host; serving over plain HTTP")
		}
		out = append(out, h)
	}
	return out
}

func (r *renderer) location(d domain.Domain, host string, rt domain.Route) (location, bool) {
	entity := domain.RouteEntity(rt, d.Name)
	base := strings.TrimSuffix(domain.NormalizePath(rt.Path), "/")
	loc := location{path: base + "/", base: base, route: rt}

	switch rt.Kind {
	case domain.RouteKindRedirect:
		dest, reason := r.resolveRedirect(rt)
		if reason != "" {
			r.warn(entity, "%s; route skipped", reason)
			return loc, false
		}
		loc.body = []string{"return 307 " + dest + ";"}
	case domain.RouteKindProxy:
		if reason := checkTargets(rt); reason != "" {
			r.warn(entity, "%s; route skipped", reason)
			return loc, false
		}
		loc.upstream = upstreamName("u_", host, loc.path)
		scheme := rt.Proxy.Scheme
		if scheme == "" {
			scheme = "http"
		}
		backend := "/" + strings.Trim(rt.Proxy.BackendPath, "/")
		if backend == "/" {
			backend = ""
		}
		if base != "" || backend != "" {
			loc.body = append(loc.body, fmt.Sprintf("rewrite ^%s/(.*)$ %s/$1 break;", regexp.QuoteMeta(base), backend))
		}
		loc.body = append(loc.body, fmt.Sprintf("proxy_pass %s://%s;", scheme, loc.upstream))
	default:
		r.warn(entity, "unknown route kind %q; route skipped", rt.Kind)
		return loc, false
	}
	return loc, true
}

func (r *renderer) resolveRedirect(rt domain.Route) (string, string) {
	if rt.Redirect == nil {
		return "", "redirect has no destination"
	}
	if rt.Redirect.RouteID == 0 {
		u := rt.Redirect.URL
		if u == "" || strings.ContainsAny(u, " \t;{}\"'") {
			return "", "redirect URL is empty or not safe to embed"
		}
		return u, ""
	}
	target, ok := r.state.RouteByID(rt.Redirect.RouteID)
	if !ok {
		return "", fmt.Sprintf("redirect target route %d does not exist", rt.Redirect.RouteID)
	}
	if !target.Active {
		return "", fmt.Sprintf("redirect target route %d is inactive", target.ID)
	}
	if target.Protocol != domain.ProtocolHTTP {
		return "", fmt.Sprintf("redirect target route %d is not an HTTP route", target.ID)
	}
	td, ok := r.state.DomainByID(target.DomainID)
	if !ok {
		return "", fmt.Sprintf("redirect target route %d has no domain", target.ID)
	}
	host := domain.FQDN(target.Subdomain, td.Name)
	scheme := "https"
	if _, ok := r.certFor(host); !ok {
		if r.opts.MissingCert == MissingCertOmit {
			return "", fmt.Sprintf("redirect target host %s is omitted for lack of a certificate", host)
		}
		scheme = "http"
	}
	return scheme + "://" + host + domain.NormalizePath(target.Path), ""
}

func (r *renderer) writeVhost(b *strings.Builder, h vhost) {
	for _, loc := range h.locations {
		if loc.upstream != "" {
			b.WriteString("\n")
			upstreamBlock(b, loc.upstream, loc.route.Proxy.Targets)
		}
	}

	b.WriteString("\nserver {\n")
	if h.tls {
		b.WriteString("    listen 443 ssl;\n    listen [::]:443 ssl;\n")
	} else {
		b.WriteString("    listen 80;\n    listen [::]:80;\n")
	}
	fmt.Fprintf(b, "    server_name %s;\n", h.name)
	if h.tls {
		fmt.Fprintf(b, "\n    ssl_certificate %s;\n", h.cert.ChainPath)
		fmt.Fprintf(b, "    ssl_certificate_key %s;\n", h.cert.KeyPath)
		b.WriteString("    ssl_protocols TLSv1.2 TLSv1.3;\n    ssl_ciphers HIGH:!aNULL:!MD5;\n")
	} else {
		r.acmeLocation(b)
	}

	robots := true
	for _, loc := range h.locations {
		if loc.base == "/robots.txt" {
			robots = false
		}
	}
	if robots {
		b.WriteString("\n    location = /robots.txt {\n        default_type text/plain;\n        return 200 \"User-agent: *\\nDisallow: /\\n\";\n    }\n")
	}

	for _, loc := range h.locations {
		if loc.base != "" {
			fmt.Fprintf(b, "\n    location = %s {\n        return 301 %s;\n    }\n", loc.base, loc.path)
		}
		fmt.Fprintf(b, "\n    location %s {\n", loc.path)
		for _, line := range loc.body {
			fmt.Fprintf(b, "        %s\n", line)
		}
		if loc.upstream != "" {
			if h.tls {
				b.WriteString("        proxy_redirect http:// https://;\n")
			}
			b.WriteString("        proxy_set_header Host $host;\n")
			b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
			b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
			b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
			if loc.base != "" {
				fmt.Fprintf(b, "        proxy_set_header X-Forwarded-Prefix %s;\n", loc.base)
			}
			b.WriteString("        proxy_http_version 1.1;\n")
			b.WriteString("        proxy_set_header Upgrade $http_upgrade;\n")
			b.WriteString("        proxy_set_header Connection $connection_upgrade;\n")
		}
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
}
