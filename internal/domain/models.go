// Package domain defines the desired-state model shared by the renderer,
// the DNS reconciler, the certificate manager and the publish orchestrator.
// Everything here is plain data; no type in this package performs I/O.
package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Protocol is the protocol class of a route.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolStream Protocol = "stream"
)

// RouteKind selects the variant carried by a [Route].
type RouteKind string

const (
	RouteKindProxy    RouteKind = "proxy"
	RouteKindRedirect RouteKind = "redirect"
)

// RootSubdomain addresses the zone apex.
const RootSubdomain = "@"

// Domain is a registered base name.
type Domain struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ZoneID             string `json:"zone_id,omitempty"`
	UseForDirectPrefix bool   `json:"use_for_direct_prefix"`
	// AutoWildcard is stored and surfaced but has no effect on publishing yet.
	AutoWildcard bool `json:"auto_wildcard"`
}

// Target is one upstream endpoint of a proxy route.
type Target struct {
	Host        string `json:"host"`
	Weight      *int   `json:"weight,omitempty"`
	MaxFails    *int   `json:"max_fails,omitempty"`
	FailTimeout *int   `json:"fail_timeout,omitempty"`
	Backup      bool   `json:"backup"`
	Active      bool   `json:"active"`
}

// ProxySpec is the proxy variant of a route.
type ProxySpec struct {
	// Scheme is the upstream scheme for HTTP routes ("http" or "https").
	Scheme      string   `json:"scheme,omitempty"`
	BackendPath string   `json:"backend_path,omitempty"`
	Targets     []Target `json:"targets"`
}

// RedirectSpec is the redirect variant of a route. RouteID references
// another route whose public URL becomes the redirect destination; URL is
// used verbatim when RouteID is zero.
type RedirectSpec struct {
	RouteID int64  `json:"route_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Route is keyed by (Protocol, Subdomain, Path) for HTTP routes and by
// (Protocol, Subdomain, Port) for stream routes.
type Route struct {
	ID        int64         `json:"id"`
	DomainID  int64         `json:"domain_id"`
	Protocol  Protocol      `json:"protocol"`
	Subdomain string        `json:"subdomain"`
	Path      string        `json:"path,omitempty"`
	Port      int           `json:"port,omitempty"`
	Active    bool          `json:"active"`
	Kind      RouteKind     `json:"kind"`
	Proxy     *ProxySpec    `json:"proxy,omitempty"`
	Redirect  *RedirectSpec `json:"redirect,omitempty"`
	// SRVRecord is an optional service/proto prefix such as "_minecraft._tcp"
	// for stream routes.
	SRVRecord string `json:"srv_record,omitempty"`
}

// Key returns the uniqueness key of the route within its protocol class.
func (r Route) Key() string {
	sub := NormalizeSubdomain(r.Subdomain)
	if r.Protocol == ProtocolStream {
		return string(r.Protocol) + "|" + sub + "|" + strconv.Itoa(r.Port)
	}
	return string(r.Protocol) + "|" + sub + "|" + NormalizePath(r.Path)
}

// ActiveTargets returns the active targets of a proxy route in input order.
func (r Route) ActiveTargets() []Target {
	if r.Proxy == nil {
		return nil
	}
	out := make([]Target, 0, len(r.Proxy.Targets))
	for _, t := range r.Proxy.Targets {
		if t.Active {
			out = append(out, t)
		}
	}
	return out
}

// Provenance records who owns a DNS record.
type Provenance string

const (
	ProvenanceUser     Provenance = "USER"
	ProvenanceSystem   Provenance = "SYSTEM"
	ProvenanceImported Provenance = "IMPORTED"
)

// Valid reports whether p is one of the known provenance values.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceUser, ProvenanceSystem, ProvenanceImported:
		return true
	}
	return false
}

// Record types handled by the reconciler.
const (
	RecordA     = "A"
	RecordAAAA  = "AAAA"
	RecordCNAME = "CNAME"
	RecordTXT   = "TXT"
	RecordMX    = "MX"
	RecordNS    = "NS"
	RecordSRV   = "SRV"
)

// DNSRecord is a zone entry. Name is relative to the owning domain; "@" is
// the apex.
type DNSRecord struct {
	ID         int64      `json:"id,omitempty"`
	DomainID   int64      `json:"domain_id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	Content    string     `json:"content"`
	TTL        int        `json:"ttl,omitempty"`
	Priority   *int       `json:"priority,omitempty"`
	Proxied    bool       `json:"proxied"`
	Provenance Provenance `json:"provenance"`
	ProviderID string     `json:"provider_id,omitempty"`
	Comment    string     `json:"comment,omitempty"`
}

// Key identifies the record set a record belongs to.
func (r DNSRecord) Key() RecordKey {
	return RecordKey{Name: strings.ToLower(r.Name), Type: strings.ToUpper(r.Type)}
}

// RecordKey is the (name, type) identity used by provider operations.
type RecordKey struct {
	Name string
	Type string
}

func (k RecordKey) String() string {
	return k.Type + " " + k.Name
}

// CertBackend names an issuance backend.
type CertBackend string

const (
	CertBackendProviderCA CertBackend = "cloudflare"
	CertBackendACME       CertBackend = "acme"
)

// Certificate describes the active certificate pair of a label.
type Certificate struct {
	Label     string      `json:"label"`
	Names     []string    `json:"names"`
	Backend   CertBackend `json:"backend,omitempty"`
	NotBefore time.Time   `json:"not_before"`
	NotAfter  time.Time   `json:"not_after"`
	ChainPath string      `json:"chain_path"`
	KeyPath   string      `json:"key_path"`
}

// Covers reports whether the certificate's names include host, either
// exactly or through a single-level wildcard.
func (c Certificate) Covers(host string) bool {
	host = strings.ToLower(host)
	for _, n := range c.Names {
		n = strings.ToLower(n)
		if n == host {
			return true
		}
		if rest, ok := strings.CutPrefix(n, "*."); ok {
			if _, parent, found := strings.Cut(host, "."); found && parent == rest {
				return true
			}
		}
	}
	return false
}

// GatewayServer accepts client connections on BindPort.
type GatewayServer struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	BindPort       int        `json:"bind_port"`
	AuthToken      string     `json:"-"`
	LastConfigPull *time.Time `json:"last_config_pull,omitempty"`
}

// GatewayClient connects to one server. Origin clients front the proxy host.
type GatewayClient struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	ServerID       int64      `json:"server_id"`
	IsOrigin       bool       `json:"is_origin"`
	LastConfigPull *time.Time `json:"last_config_pull,omitempty"`
}

// Connection flags understood by the tunnel config emitter.
const (
	FlagEncryption  = "encryption"
	FlagCompression = "compression"
)

// GatewayConnection is one forwarded service of a client.
type GatewayConnection struct {
	ID         int64    `json:"id"`
	ClientID   int64    `json:"client_id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	LocalIP    string   `json:"local_ip"`
	LocalPort  int      `json:"local_port"`
	RemotePort int      `json:"remote_port"`
	Flags      []string `json:"flags,omitempty"`
	Active     bool     `json:"active"`
}

// Origin is one public address the proxy host is reachable at.
type Origin struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
}

// State is an in-memory snapshot of the desired state.
type State struct {
	Domains      []Domain            `json:"domains"`
	Routes       []Route             `json:"routes"`
	Records      []DNSRecord         `json:"records"`
	Servers      []GatewayServer     `json:"servers"`
	Clients      []GatewayClient     `json:"clients"`
	Connections  []GatewayConnection `json:"connections"`
	Certificates []Certificate       `json:"certificates"`
}

// DomainByID returns the domain with the given id.
func (s State) DomainByID(id int64) (Domain, bool) {
	for _, d := range s.Domains {
		if d.ID == id {
			return d, true
		}
	}
	return Domain{}, false
}

// RouteByID returns the route with the given id.
func (s State) RouteByID(id int64) (Route, bool) {
	for _, r := range s.Routes {
		if r.ID == id {
			return r, true
		}
	}
	return Route{}, false
}

// ServerByID returns the gateway server with the given id.
func (s State) ServerByID(id int64) (GatewayServer, bool) {
	for _, srv := range s.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return GatewayServer{}, false
}

// ConnectionsOf returns the connections owned by clientID.
func (s State) ConnectionsOf(clientID int64) []GatewayConnection {
	var out []GatewayConnection
	for _, c := range s.Connections {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

// RecordsOf returns the records of domainID with the given provenance.
func (s State) RecordsOf(domainID int64, p Provenance) []DNSRecord {
	var out []DNSRecord
	for _, r := range s.Records {
		if r.DomainID == domainID && r.Provenance == p {
			out = append(out, r)
		}
	}
	return out
}

// Origins returns the origin set: hosts of gateway servers that have at
// least one origin client, followed by extra. The result is de-duplicated by
// IP and sorted by name then IP.
func (s State) Origins(extra []Origin) []Origin {
	seen := make(map[string]struct{})
	var out []Origin
	add := func(o Origin) {
		o.IP = strings.TrimSpace(o.IP)
		if o.IP == "" {
			return
		}
		if _, ok := seen[o.IP]; ok {
			return
		}
		seen[o.IP] = struct{}{}
		out = append(out, o)
	}
	for _, c := range s.Clients {
		if !c.IsOrigin {
			continue
		}
		if srv, ok := s.ServerByID(c.ServerID); ok {
			add(Origin{Name: srv.Name, IP: srv.Host})
		}
	}
	for _, o := range extra {
		add(o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// NormalizeSubdomain maps "" to the apex marker and lower-cases the label.
func NormalizeSubdomain(sub string) string {
	sub = strings.ToLower(strings.Trim(strings.TrimSpace(sub), "."))
	if sub == "" {
		return RootSubdomain
	}
	return sub
}

// NormalizePath ensures a leading slash; the empty path is "/".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// FQDN joins a relative name with its domain.
func FQDN(sub, domainName string) string {
	sub = NormalizeSubdomain(sub)
	if sub == RootSubdomain {
		return domainName
	}
	return sub + "." + domainName
}

// APIKey is an admin credential for the management API.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// SRVName returns the relative SRV record name for a stream route hint such
// as "_minecraft._tcp" on subdomain sub.
func SRVName(hint, sub string) string {
	sub = NormalizeSubdomain(sub)
	if sub == RootSubdomain {
		return hint
	}
	return hint + "." + sub
}
