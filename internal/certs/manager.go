package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Issuer is a certificate backend.
type Issuer interface {
	Backend() domain.CertBackend
	SupportsWildcard() bool
	// Issue signs csrDER for names and returns the PEM chain, leaf first.
	Issue(ctx context.Context, names []string, csrDER []byte) ([]byte, error)
}

// Policy controls one [Manager.Ensure] call.
type Policy struct {
	// RenewBefore is the renewal threshold: a pair whose remaining
	// validity is below it is renewed.
	RenewBefore time.Duration
	// DryRun reports labels needing action without issuing anything.
	DryRun bool
}

// Failure is a label that could not be issued or renewed.
type Failure struct {
	Label string `json:"label"`
	Error string `json:"error"`
}

// Result is the outcome of [Manager.Ensure].
type Result struct {
	Issued     []domain.Certificate `json:"issued,omitempty"`
	StillValid []domain.Certificate `json:"still_valid,omitempty"`
	Failures   []Failure            `json:"failures,omitempty"`
	// Pending lists the labels a dry run would issue.
	Pending []Request      `json:"pending,omitempty"`
	Issues  []domain.Issue `json:"issues,omitempty"`
}

// Manager issues and renews certificate pairs.
type Manager struct {
	Store *Store
	// Issuers are tried in order for every label; the first success wins.
	Issuers []Issuer
	Workers int
	Timeout time.Duration
	Log     *slog.Logger
	Now     func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Wildcard reports whether the preferred issuer can issue wildcard names.
func (m *Manager) Wildcard() bool {
	return len(m.Issuers) > 0 && m.Issuers[0].SupportsWildcard()
}

// NeedsAction reports whether cert must be (re)issued to serve names.
func NeedsAction(cert domain.Certificate, names []string, now time.Time, renewBefore time.Duration) bool {
	if cert.NotAfter.Sub(now) < renewBefore {
		return true
	}
	have := make(map[string]bool, len(cert.Names))
	for _, n := range cert.Names {
		have[strings.ToLower(n)] = true
	}
	for _, n := range names {
		if !have[strings.ToLower(n)] {
			return true
		}
	}
	return false
}

// Ensure brings every requested label to a valid pair. Labels are issued
// concurrently; one failing label never affects the others, and a failed
// label keeps its previous pair.
func (m *Manager) Ensure(ctx context.Context, reqs []Request, policy Policy) Result {
	var (
		res    Result
		issued Result
		mu     sync.Mutex
	)
	now := m.now()

	g, gctx := errgroup.WithContext(ctx)
	workers := m.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	// res is owned by this loop; goroutines only touch issued, under mu.
	for _, req := range reqs {
		cur, ok, err := m.Store.Load(req.Label)
		if err != nil {
			res.Issues = append(res.Issues, domain.Warn("certificate "+req.Label, fmt.Sprintf("existing pair unreadable, reissuing: %v", err)))
			ok = false
		}
		if ok && !NeedsAction(cur, req.Names, now, policy.RenewBefore) {
			res.StillValid = append(res.StillValid, cur)
			continue
		}
		if policy.DryRun {
			res.Pending = append(res.Pending, req)
			continue
		}

		g.Go(func() error {
			cert, attempts, err := m.issue(gctx, req)
			mu.Lock()
			defer mu.Unlock()
			for _, a := range attempts {
				issued.Issues = append(issued.Issues, domain.IssueFromError("certificate "+req.Label, a))
			}
			if err != nil {
				issued.Failures = append(issued.Failures, Failure{Label: req.Label, Error: err.Error()})
				if ok {
					issued.StillValid = append(issued.StillValid, cur)
				}
				return nil
			}
			issued.Issued = append(issued.Issued, cert)
			return nil
		})
	}
	_ = g.Wait()

	res.Issued = issued.Issued
	res.StillValid = append(res.StillValid, issued.StillValid...)
	res.Failures = issued.Failures
	res.Issues = append(res.Issues, issued.Issues...)

	sortCerts(res.Issued)
	sortCerts(res.StillValid)
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Label < res.Failures[j].Label })
	return res
}

// issue tries every issuer in order. Failed attempts are returned even when
// a later issuer succeeds.
func (m *Manager) issue(ctx context.Context, req Request) (domain.Certificate, []error, error) {
	if len(m.Issuers) == 0 {
		return domain.Certificate{}, nil, errors.New("no certificate backend configured")
	}
	keyPEM, csr, err := newKeyAndCSR(req.Names)
	if err != nil {
		return domain.Certificate{}, nil, err
	}

	var attempts []error
	for _, is := range m.Issuers {
		backend := is.Backend()
		if req.Wildcard() && !is.SupportsWildcard() {
			attempts = append(attempts, &domain.ExternalServiceError{
				Service: string(backend), Op: "issue", Entity: req.Label,
				Err: errors.New("backend does not issue wildcard certificates"),
			})
			continue
		}

		callCtx := ctx
		cancel := func() {}
		if m.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		}
		start := time.Now()
		chain, err := is.Issue(callCtx, req.Names, csr)
		cancel()
		if err != nil {
			attempts = append(attempts, &domain.ExternalServiceError{Service: string(backend), Op: "issue", Entity: req.Label, Err: err})
			continue
		}
		cert, err := m.Store.Save(req.Label, backend, chain, keyPEM)
		if err != nil {
			attempts = append(attempts, fmt.Errorf("store %s pair for %s: %w", backend, req.Label, err))
			continue
		}
		if m.Log != nil {
			m.Log.Info("certificate issued", "label", req.Label, "backend", backend,
				"not_after", cert.NotAfter, "duration", time.Since(start).Round(time.Millisecond))
		}
		return cert, attempts, nil
	}
	return domain.Certificate{}, attempts, fmt.Errorf("all certificate backends failed for %s", req.Label)
}

func newKeyAndCSR(names []string) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	tmpl := &x509.CertificateRequest{DNSNames: names}
	if len(names) > 0 {
		tmpl.Subject = pkix.Name{CommonName: names[0]}
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create csr: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), csr, nil
}

func sortCerts(cs []domain.Certificate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Label < cs[j].Label })
}
