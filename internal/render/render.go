// Package render turns a desired-state snapshot into the reverse proxy's
// HTTP and stream configuration files. Rendering is pure: identical input
// yields byte-identical output, which lets the publisher skip reloads when
// nothing changed.
package render

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Missing-certificate policies.
const (
	MissingCertPlain = "plain"
	MissingCertOmit  = "omit"
)

const header = "# Generated by edgeman. Manual changes are overwritten on publish.\n"

// Options tune rendering.
type Options struct {
	// SSLDir is used to derive pair paths for certificates that do not
	// carry explicit paths.
	SSLDir string
	// ACMEDir is served on port 80 for HTTP-01 challenges when set.
	ACMEDir string
	// MissingCert is MissingCertPlain (default) or MissingCertOmit.
	MissingCert string
	// RealIPFrom lists trusted edge ranges for real client IP recovery.
	RealIPFrom []string
	// SRVNames holds the FQDNs of desired SRV records. When nil the SRV
	// hint cross-check is skipped.
	SRVNames map[string]bool
}

// TLSHost is a host the HTTP config wants to serve over TLS.
type TLSHost struct {
	Host   string
	Domain string
}

// Result is the output of [Render].
type Result struct {
	HTTP     string
	Stream   string
	Warnings []domain.Issue
	// TLSHosts lists every rendered HTTP host, with or without a
	// certificate, sorted by host.
	TLSHosts []TLSHost
}

// Render produces both configuration documents for s. Routes that cannot be
// rendered are skipped with a warning; they never abort the rest.
func Render(s domain.State, opts Options) Result {
	if opts.MissingCert == "" {
		opts.MissingCert = MissingCertPlain
	}
	r := &renderer{state: s, opts: opts}
	var res Result
	res.HTTP = r.http()
	res.Stream = r.stream()
	res.Warnings = r.warnings
	res.TLSHosts = r.tlsHosts
	return res
}

type renderer struct {
	state    domain.State
	opts     Options
	warnings []domain.Issue
	tlsHosts []TLSHost
}

func (r *renderer) warn(entity, format string, args ...any) {
	r.warnings = append(r.warnings, domain.Warn(entity, fmt.Sprintf(format, args...)))
}

func (r *renderer) sortedDomains() []domain.Domain {
	out := append([]domain.Domain(nil), r.state.Domains...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// certFor picks the most specific certificate covering host.
func (r *renderer) certFor(host string) (domain.Certificate, bool) {
	var best domain.Certificate
	found := false
	for _, c := range r.state.Certificates {
		if !c.Covers(host) {
			continue
		}
		if !found || len(c.Label) > len(best.Label) || (len(c.Label) == len(best.Label) && c.Label < best.Label) {
			best = c
			found = true
		}
	}
	if !found {
		return best, false
	}
	dir := strings.TrimPrefix(best.Label, "*.")
	if best.ChainPath == "" {
		best.ChainPath = filepath.Join(r.opts.SSLDir, dir, "fullchain.pem")
	}
	if best.KeyPath == "" {
		best.KeyPath = filepath.Join(r.opts.SSLDir, dir, "privkey.pem")
	}
	return best, true
}

// upstreamName derives a stable identifier from the parts that locate a
// route, so reordering unrelated routes never renames an upstream.
func upstreamName(prefix string, parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return prefix + hex.EncodeToString(sum[:])[:12]
}

// upstreamBlock emits targets in input order. Inactive targets are skipped
// and unset tunables are omitted.
func upstreamBlock(b *strings.Builder, name string, targets []domain.Target) {
	fmt.Fprintf(b, "upstream %s {\n", name)
	for _, t := range targets {
		if !t.Active {
			continue
		}
		b.WriteString("    server ")
		b.WriteString(t.Host)
		if t.Weight != nil {
			fmt.Fprintf(b, " weight=%d", *t.Weight)
		}
		if t.MaxFails != nil {
			fmt.Fprintf(b, " max_fails=%d", *t.MaxFails)
		}
		if t.FailTimeout != nil {
			fmt.Fprintf(b, " fail_timeout=%d", *t.FailTimeout)
		}
		if t.Backup {
			b.WriteString(" backup")
		}
		b.WriteString(";\n")
	}
	b.WriteString("}\n")
}

// checkTargets re-validates a proxy route before it is emitted.
func checkTargets(rt domain.Route) string {
	if rt.Proxy == nil {
		return "proxy route has no targets"
	}
	primary := 0
	for _, t := range rt.Proxy.Targets {
		if !t.Active {
			continue
		}
		if err := domain.ValidateTarget(t); err != nil {
			return err.Error()
		}
		if !t.Backup {
			primary++
		}
	}
	if primary == 0 {
		return "no active non-backup target"
	}
	return ""
}
