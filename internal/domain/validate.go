package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/netutil"
)

// ValidateDomain checks a domain's base name.
func ValidateDomain(d Domain) error {
	name := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d.Name)), ".")
	if name == "" {
		return &ValidationError{Entity: "domain", Field: "name", Reason: "required"}
	}
	if !netutil.ValidHostname(name) || !strings.Contains(name, ".") {
		return &ValidationError{Entity: "domain " + d.Name, Field: "name", Reason: "not a registrable host name"}
	}
	return nil
}

// ValidateTarget checks one upstream endpoint.
func ValidateTarget(t Target) error {
	if _, _, err := netutil.SplitTarget(t.Host); err != nil {
		return &ValidationError{Entity: "target " + t.Host, Field: "host", Reason: err.Error()}
	}
	if t.Weight != nil && *t.Weight < 1 {
		return &ValidationError{Entity: "target " + t.Host, Field: "weight", Reason: "must be at least 1"}
	}
	if t.MaxFails != nil && *t.MaxFails < 0 {
		return &ValidationError{Entity: "target " + t.Host, Field: "max_fails", Reason: "must not be negative"}
	}
	if t.FailTimeout != nil && *t.FailTimeout < 0 {
		return &ValidationError{Entity: "target " + t.Host, Field: "fail_timeout", Reason: "must not be negative"}
	}
	return nil
}

// RouteEntity names a route in reports.
func RouteEntity(r Route, domainName string) string {
	host := FQDN(r.Subdomain, domainName)
	if r.Protocol == ProtocolStream {
		return "route stream " + host + ":" + strconv.Itoa(r.Port)
	}
	return "route http " + host + NormalizePath(r.Path)
}

// ValidateRoute checks the shape of a route. An active proxy route must keep
// at least one active non-backup target.
func ValidateRoute(r Route, domainName string) error {
	entity := RouteEntity(r, domainName)

	sub := NormalizeSubdomain(r.Subdomain)
	if sub != RootSubdomain {
		labels := strings.Split(sub, ".")
		for i, l := range labels {
			if i == 0 && l == "*" {
				continue
			}
			if !netutil.ValidLabel(l) {
				return &ValidationError{Entity: entity, Field: "subdomain", Reason: fmt.Sprintf("invalid label %q", l)}
			}
		}
	}

	switch r.Protocol {
	case ProtocolHTTP:
		p := NormalizePath(r.Path)
		if strings.ContainsAny(p, " \t{};") {
			return &ValidationError{Entity: entity, Field: "path", Reason: "contains forbidden characters"}
		}
	case ProtocolStream:
		if !netutil.ValidPort(r.Port) {
			return &ValidationError{Entity: entity, Field: "port", Reason: "must be in 1..65535"}
		}
		if r.Kind == RouteKindRedirect {
			return &ValidationError{Entity: entity, Field: "kind", Reason: "stream routes cannot redirect"}
		}
		if r.SRVRecord != "" {
			for _, l := range strings.Split(r.SRVRecord, ".") {
				if !strings.HasPrefix(l, "_") || !netutil.ValidLabel(l) {
					return &ValidationError{Entity: entity, Field: "srv_record", Reason: "expected _service._proto"}
				}
			}
		}
	default:
		return &ValidationError{Entity: entity, Field: "protocol", Reason: fmt.Sprintf("unknown protocol %q", r.Protocol)}
	}

	switch r.Kind {
	case RouteKindProxy:
		if r.Proxy == nil {
			return &ValidationError{Entity: entity, Field: "proxy", Reason: "required for proxy routes"}
		}
		if s := r.Proxy.Scheme; s != "" && s != "http" && s != "https" {
			return &ValidationError{Entity: entity, Field: "scheme", Reason: fmt.Sprintf("unsupported scheme %q", s)}
		}
		primary := 0
		for _, t := range r.Proxy.Targets {
			if err := ValidateTarget(t); err != nil {
				return err
			}
			if t.Active && !t.Backup {
				primary++
			}
		}
		if r.Active && primary == 0 {
			return &ValidationError{Entity: entity, Field: "targets", Reason: "needs at least one active non-backup target"}
		}
	case RouteKindRedirect:
		if r.Redirect == nil || (r.Redirect.RouteID == 0 && r.Redirect.URL == "") {
			return &ValidationError{Entity: entity, Field: "redirect", Reason: "needs a destination route or URL"}
		}
		if r.Redirect.RouteID == r.ID && r.ID != 0 {
			return &ValidationError{Entity: entity, Field: "redirect", Reason: "route redirects to itself"}
		}
		if r.Redirect.RouteID == 0 {
			u, err := url.Parse(r.Redirect.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return &ValidationError{Entity: entity, Field: "redirect", Reason: "destination must be an absolute http(s) URL"}
			}
		}
	default:
		return &ValidationError{Entity: entity, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	return nil
}

// ValidateRecord checks a user-managed DNS record.
func ValidateRecord(r DNSRecord) error {
	entity := "record " + r.Key().String()
	name := strings.ToLower(strings.TrimSpace(r.Name))
	if name == "" {
		return &ValidationError{Entity: entity, Field: "name", Reason: "required"}
	}
	if name != RootSubdomain {
		for i, l := range strings.Split(name, ".") {
			if i == 0 && l == "*" {
				continue
			}
			if !netutil.ValidLabel(l) {
				return &ValidationError{Entity: entity, Field: "name", Reason: fmt.Sprintf("invalid label %q", l)}
			}
		}
	}
	switch r.Key().Type {
	case RecordA, RecordAAAA:
		if netutil.RecordTypeForIP(r.Content) != r.Key().Type {
			return &ValidationError{Entity: entity, Field: "content", Reason: "address does not match record type"}
		}
	case RecordCNAME, RecordNS, RecordMX:
		if !netutil.ValidHostname(r.Content) {
			return &ValidationError{Entity: entity, Field: "content", Reason: "expected a host name"}
		}
	case RecordTXT, RecordSRV:
		if strings.TrimSpace(r.Content) == "" {
			return &ValidationError{Entity: entity, Field: "content", Reason: "required"}
		}
	default:
		return &ValidationError{Entity: entity, Field: "type", Reason: fmt.Sprintf("unsupported type %q", r.Type)}
	}
	if r.Proxied && r.Key().Type != RecordA && r.Key().Type != RecordAAAA && r.Key().Type != RecordCNAME {
		return &ValidationError{Entity: entity, Field: "proxied", Reason: "only A, AAAA and CNAME records can be proxied"}
	}
	return nil
}

// ValidateConnection checks one tunnel connection.
func ValidateConnection(c GatewayConnection) error {
	entity := "connection " + c.Name
	if c.Name == "" || strings.ContainsAny(c.Name, " \t\"'[]") {
		return &ValidationError{Entity: entity, Field: "name", Reason: "required and must not contain spaces, quotes or brackets"}
	}
	switch c.Type {
	case "tcp", "udp":
	default:
		return &ValidationError{Entity: entity, Field: "type", Reason: fmt.Sprintf("unsupported type %q", c.Type)}
	}
	if !netutil.ValidPort(c.LocalPort) {
		return &ValidationError{Entity: entity, Field: "local_port", Reason: "must be in 1..65535"}
	}
	if !netutil.ValidPort(c.RemotePort) {
		return &ValidationError{Entity: entity, Field: "remote_port", Reason: "must be in 1..65535"}
	}
	if strings.TrimSpace(c.LocalIP) == "" {
		return &ValidationError{Entity: entity, Field: "local_ip", Reason: "required"}
	}
	for _, f := range c.Flags {
		if f != FlagEncryption && f != FlagCompression {
			return &ValidationError{Entity: entity, Field: "flags", Reason: fmt.Sprintf("unknown flag %q", f)}
		}
	}
	return nil
}

// ValidateServer checks a gateway server.
func ValidateServer(s GatewayServer) error {
	entity := "server " + s.Name
	if s.Name == "" || !netutil.ValidLabel(s.Name) {
		return &ValidationError{Entity: entity, Field: "name", Reason: "must be a single DNS label"}
	}
	if strings.TrimSpace(s.Host) == "" {
		return &ValidationError{Entity: entity, Field: "host", Reason: "required"}
	}
	if !netutil.ValidPort(s.BindPort) {
		return &ValidationError{Entity: entity, Field: "bind_port", Reason: "must be in 1..65535"}
	}
	return nil
}

// ValidateState partitions a snapshot into the entities that may enter the
// publish stages and the issues describing everything that was excluded.
// Routes of an invalid domain are excluded along with it; duplicate route
// keys keep the first occurrence.
func ValidateState(s State) (State, []Issue) {
	var issues []Issue
	out := State{
		Servers:      s.Servers,
		Clients:      s.Clients,
		Certificates: s.Certificates,
	}

	domains := make(map[int64]Domain)
	for _, d := range s.Domains {
		if err := ValidateDomain(d); err != nil {
			issues = append(issues, IssueFromError("domain "+d.Name, err))
			continue
		}
		domains[d.ID] = d
		out.Domains = append(out.Domains, d)
	}

	seen := make(map[string]struct{})
	for _, r := range s.Routes {
		d, ok := domains[r.DomainID]
		if !ok {
			continue
		}
		if err := ValidateRoute(r, d.Name); err != nil {
			issues = append(issues, IssueFromError(RouteEntity(r, d.Name), err))
			continue
		}
		key := strconv.FormatInt(r.DomainID, 10) + "|" + r.Key()
		if _, dup := seen[key]; dup {
			issues = append(issues, IssueFromError(RouteEntity(r, d.Name), &ValidationError{
				Entity: RouteEntity(r, d.Name), Reason: "duplicate route key",
			}))
			continue
		}
		seen[key] = struct{}{}
		out.Routes = append(out.Routes, r)
	}

	for _, rec := range s.Records {
		if _, ok := domains[rec.DomainID]; !ok {
			continue
		}
		if rec.Provenance == ProvenanceUser {
			if err := ValidateRecord(rec); err != nil {
				issues = append(issues, IssueFromError("record "+rec.Key().String(), err))
				continue
			}
		}
		out.Records = append(out.Records, rec)
	}

	names := make(map[int64]map[string]struct{})
	for _, c := range s.Connections {
		if err := ValidateConnection(c); err != nil {
			issues = append(issues, IssueFromError("connection "+c.Name, err))
			continue
		}
		if names[c.ClientID] == nil {
			names[c.ClientID] = make(map[string]struct{})
		}
		if _, dup := names[c.ClientID][c.Name]; dup {
			issues = append(issues, IssueFromError("connection "+c.Name, &ValidationError{
				Entity: "connection " + c.Name, Field: "name", Reason: "duplicate within client",
			}))
			continue
		}
		names[c.ClientID][c.Name] = struct{}{}
		out.Connections = append(out.Connections, c)
	}
	return out, issues
}
