// Package certs keeps TLS certificate pairs for rendered hosts issued and
// renewed, and stores them on disk with atomic pair replacement.
package certs

import (
	"sort"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/render"
)

// Request asks for one certificate pair stored under Label.
type Request struct {
	Label string   `json:"label"`
	Names []string `json:"names"`
}

// Wildcard reports whether any requested name is a wildcard.
func (r Request) Wildcard() bool {
	for _, n := range r.Names {
		if strings.HasPrefix(n, "*.") {
			return true
		}
	}
	return false
}

// PlanOptions describe what the configured backends can issue.
type PlanOptions struct {
	// Wildcard is set when the preferred backend issues wildcard names.
	Wildcard bool
	// Advanced allows wildcards below the first subdomain level.
	Advanced bool
}

// PlanRequests groups the rendered TLS hosts into certificate requests.
// Hosts up to one level below their domain share a "*.domain" pair; deeper
// hosts share a wildcard of their parent only with advanced certificates.
// Hosts that cannot be covered by a wildcard get a single-host pair and a
// recorded limitation.
func PlanRequests(hosts []render.TLSHost, opts PlanOptions) ([]Request, []domain.Issue) {
	byLabel := make(map[string]map[string]bool)
	var issues []domain.Issue
	add := func(label string, names ...string) {
		set, ok := byLabel[label]
		if !ok {
			set = make(map[string]bool)
			byLabel[label] = set
		}
		for _, n := range names {
			set[n] = true
		}
	}

	for _, h := range hosts {
		host := strings.ToLower(h.Host)
		base := strings.ToLower(h.Domain)
		depth := hostDepth(host, base)
		switch {
		case opts.Wildcard && depth <= 1:
			add("*."+base, base, "*."+base)
		case opts.Wildcard && opts.Advanced:
			_, parent, _ := strings.Cut(host, ".")
			add("*."+parent, parent, "*."+parent)
		default:
			add(host, host)
			if depth >= 1 {
				issues = append(issues, domain.Issue{
					Kind:    domain.IssueLimitation,
					Entity:  "host " + host,
					Message: limitationReason(opts),
				})
			}
		}
	}

	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	out := make([]Request, 0, len(labels))
	for _, l := range labels {
		names := make([]string, 0, len(byLabel[l]))
		for n := range byLabel[l] {
			names = append(names, n)
		}
		sort.Strings(names)
		out = append(out, Request{Label: l, Names: names})
	}
	return out, issues
}

func limitationReason(opts PlanOptions) string {
	if !opts.Wildcard {
		return "certificate backend cannot issue wildcards; issuing a single-host certificate"
	}
	return "multi-level host needs advanced certificates for a wildcard; issuing a single-host certificate"
}

// hostDepth counts the labels of host below base; the apex is 0.
func hostDepth(host, base string) int {
	if host == base {
		return 0
	}
	rel := strings.TrimSuffix(host, "."+base)
	return strings.Count(rel, ".") + 1
}

// LabelDir maps a label to its directory name; "*.example.com" and
// "example.com" share a directory.
func LabelDir(label string) string {
	return strings.TrimPrefix(strings.ToLower(label), "*.")
}
