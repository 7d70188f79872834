// Package dns reconciles the SYSTEM records implied by the routing table
// against the live zone of the DNS provider.
package dns

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/netutil"
)

// OwnershipComment tags provider records created by this system so SYSTEM
// provenance survives a lost database.
const OwnershipComment = "managed-by:edgeman"

// autoTTL asks the provider to pick the TTL.
const autoTTL = 1

// srvPriority and srvWeight are used for every generated SRV record.
const (
	srvPriority = 10
	srvWeight   = 1
)

// Options tune desired record computation.
type Options struct {
	// AdvancedCertificates reports that the provider edge holds
	// certificates for deeper wildcard levels, so multi-level subdomains
	// can stay proxied.
	AdvancedCertificates bool
}

type desiredSet struct {
	domain   domain.Domain
	records  map[string]domain.DNSRecord
	warnings []domain.Issue
}

func recordID(r domain.DNSRecord) string {
	k := r.Key()
	return k.Name + "|" + k.Type + "|" + strings.ToLower(r.Content)
}

func (s *desiredSet) warn(entity, format string, args ...any) {
	s.warnings = append(s.warnings, domain.Warn(entity, fmt.Sprintf(format, args...)))
}

func (s *desiredSet) add(name, typ, content string, proxied bool, priority *int) {
	rec := domain.DNSRecord{
		DomainID:   s.domain.ID,
		Name:       strings.ToLower(name),
		Type:       typ,
		Content:    content,
		TTL:        autoTTL,
		Priority:   priority,
		Proxied:    proxied,
		Provenance: domain.ProvenanceSystem,
		Comment:    OwnershipComment,
	}
	id := recordID(rec)
	if prev, ok := s.records[id]; ok {
		if prev.Proxied != rec.Proxied {
			prev.Proxied = false
			s.records[id] = prev
			s.warn("record "+rec.Key().String(), "record is needed both proxied and unproxied; publishing unproxied")
		}
		return
	}
	s.records[id] = rec
}

func (s *desiredSet) hasAddress(name string) bool {
	for _, r := range s.records {
		if r.Name == name && (r.Type == domain.RecordA || r.Type == domain.RecordAAAA) {
			return true
		}
	}
	return false
}

func (s *desiredSet) addOrigins(name string, origins []domain.Origin, proxied bool) {
	for _, o := range origins {
		if typ := netutil.RecordTypeForIP(o.IP); typ != "" {
			s.add(name, typ, o.IP, proxied, nil)
		}
	}
}

// Desired computes the SYSTEM records for one domain. Domains without an
// active route need no records. routes may contain routes of other domains;
// they are ignored.
func Desired(d domain.Domain, routes []domain.Route, origins []domain.Origin, opts Options) ([]domain.DNSRecord, []domain.Issue) {
	var active []domain.Route
	for _, r := range routes {
		if r.DomainID == d.ID && r.Active {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	set := &desiredSet{domain: d, records: make(map[string]domain.DNSRecord)}
	if len(origins) == 0 {
		set.warn("domain "+d.Name, "no origin IPs known; no SYSTEM records computed")
		return nil, set.warnings
	}

	set.addOrigins(domain.RootSubdomain, origins, true)
	if d.UseForDirectPrefix {
		set.addOrigins("*", origins, true)
		for _, o := range origins {
			set.addOrigins(o.Name+".direct", []domain.Origin{o}, false)
		}
	}

	sort.SliceStable(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	// Stream records first: a stream host must stay unproxied.
	for _, r := range active {
		if r.Protocol != domain.ProtocolStream {
			continue
		}
		sub := domain.NormalizeSubdomain(r.Subdomain)
		set.addOrigins(sub, origins, false)
		if r.SRVRecord != "" {
			prio := srvPriority
			content := strconv.Itoa(srvWeight) + " " + strconv.Itoa(r.Port) + " " + domain.FQDN(sub, d.Name)
			set.add(domain.SRVName(r.SRVRecord, sub), domain.RecordSRV, content, false, &prio)
		}
	}

	var cnames []domain.Route
	for _, r := range active {
		if r.Protocol != domain.ProtocolHTTP {
			continue
		}
		sub := domain.NormalizeSubdomain(r.Subdomain)
		if sub == domain.RootSubdomain {
			continue
		}
		if strings.Count(sub, ".") == 0 || opts.AdvancedCertificates {
			set.addOrigins(sub, origins, true)
			continue
		}
		cnames = append(cnames, r)
	}

	// Multi-level subdomains cannot be proxied without a matching edge
	// certificate. Point them at the direct host, unproxied.
	for _, r := range cnames {
		sub := domain.NormalizeSubdomain(r.Subdomain)
		if set.hasAddress(sub) {
			continue
		}
		if d.UseForDirectPrefix {
			target := domain.FQDN(origins[0].Name+".direct", d.Name)
			set.add(sub, domain.RecordCNAME, target, false, nil)
		} else {
			set.addOrigins(sub, origins, false)
		}
		set.warn(domain.RouteEntity(r, d.Name), "multi-level subdomain published unproxied; enable advanced certificates to proxy it")
	}

	out := make([]domain.DNSRecord, 0, len(set.records))
	for _, r := range set.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, set.warnings
}

// DropUserConflicts removes desired records whose name and type are claimed
// by a USER record, and CNAME/address mixes that the provider would reject.
func DropUserConflicts(desired, user []domain.DNSRecord) ([]domain.DNSRecord, []domain.Issue) {
	userKeys := make(map[domain.RecordKey]bool)
	userNames := make(map[string]string)
	for _, u := range user {
		userKeys[u.Key()] = true
		if u.Key().Type == domain.RecordCNAME || userNames[u.Key().Name] == "" {
			userNames[u.Key().Name] = u.Key().Type
		}
	}

	var out []domain.DNSRecord
	var issues []domain.Issue
	for _, r := range desired {
		k := r.Key()
		utype, named := userNames[k.Name]
		switch {
		case userKeys[k]:
		case named && (utype == domain.RecordCNAME || k.Type == domain.RecordCNAME):
		default:
			out = append(out, r)
			continue
		}
		issues = append(issues, domain.Warn("record "+k.String(), "name is owned by a USER record; SYSTEM record skipped"))
	}
	return out, issues
}

// SRVNames returns the FQDNs of every SRV record in desired.
func SRVNames(desired map[int64][]domain.DNSRecord, domains []domain.Domain) map[string]bool {
	out := make(map[string]bool)
	for _, d := range domains {
		for _, r := range desired[d.ID] {
			if r.Key().Type == domain.RecordSRV {
				out[domain.FQDN(r.Name, d.Name)] = true
			}
		}
	}
	return out
}

// DesiredState computes the SYSTEM records of every domain in s, with USER
// conflicts already removed.
func DesiredState(s domain.State, origins []domain.Origin, opts Options) (map[int64][]domain.DNSRecord, []domain.Issue) {
	out := make(map[int64][]domain.DNSRecord, len(s.Domains))
	var issues []domain.Issue
	for _, d := range s.Domains {
		recs, warns := Desired(d, s.Routes, origins, opts)
		issues = append(issues, warns...)
		recs, warns = DropUserConflicts(recs, s.RecordsOf(d.ID, domain.ProvenanceUser))
		issues = append(issues, warns...)
		out[d.ID] = recs
	}
	return out, issues
}

func sortRecords(rs []domain.DNSRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].Key(), rs[j].Key()
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return rs[i].Content < rs[j].Content
	})
}
