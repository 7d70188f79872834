package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Store persists the generated record generations of a domain.
type Store interface {
	ReplaceGeneratedRecords(ctx context.Context, domainID int64, system, imported []domain.DNSRecord) error
	SetZoneID(ctx context.Context, domainID int64, zoneID string) error
}

// Reconciler drives one DNS pass over every domain.
type Reconciler struct {
	Provider Provider
	Store    Store
	Log      *slog.Logger
	Workers  int
	Timeout  time.Duration
}

// DomainResult summarises one domain's pass.
type DomainResult struct {
	Domain    string `json:"domain"`
	Zone      string `json:"zone,omitempty"`
	Plan      Plan   `json:"plan"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Persisted bool   `json:"persisted"`
}

// Result is the outcome of [Reconciler.Reconcile].
type Result struct {
	Domains []DomainResult `json:"domains"`
	Issues  []domain.Issue `json:"issues,omitempty"`
}

// Reconcile diffs and applies the desired records of every domain. A domain
// whose zone cannot be listed is skipped and keeps its previous generation;
// with dryRun set the plans are computed but nothing is applied or stored.
func (r *Reconciler) Reconcile(ctx context.Context, s domain.State, desired map[int64][]domain.DNSRecord, dryRun bool) Result {
	var res Result
	if r.Provider == nil {
		res.Issues = append(res.Issues, domain.IssueFromError("dns", &domain.ExternalServiceError{
			Service: "dns", Op: "configure", Err: errors.New("no DNS provider configured"),
		}))
		return res
	}

	for _, d := range s.Domains {
		dr, issues := r.reconcileDomain(ctx, s, d, desired[d.ID], dryRun)
		res.Issues = append(res.Issues, issues...)
		if dr != nil {
			res.Domains = append(res.Domains, *dr)
		}
	}
	return res
}

func (r *Reconciler) call(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Reconciler) reconcileDomain(ctx context.Context, s domain.State, d domain.Domain, desired []domain.DNSRecord, dryRun bool) (*DomainResult, []domain.Issue) {
	entity := "domain " + d.Name
	var issues []domain.Issue

	zone := Zone{ID: d.ZoneID, Name: d.Name}
	if zone.ID == "" {
		cctx, cancel := r.call(ctx)
		id, err := r.Provider.ZoneID(cctx, d.Name)
		cancel()
		if err != nil {
			return nil, append(issues, domain.IssueFromError(entity, &domain.ExternalServiceError{Service: "dns", Op: "zone lookup", Entity: d.Name, Err: err}))
		}
		zone.ID = id
		if !dryRun && r.Store != nil {
			if err := r.Store.SetZoneID(ctx, d.ID, id); err != nil {
				issues = append(issues, domain.Warn(entity, fmt.Sprintf("store zone id: %v", err)))
			}
		}
	}

	cctx, cancel := r.call(ctx)
	liveAbs, err := r.Provider.ListRecords(cctx, zone)
	cancel()
	if err != nil {
		return nil, append(issues, domain.IssueFromError(entity, &domain.ExternalServiceError{Service: "dns", Op: "list", Entity: d.Name, Err: err}))
	}
	var live []domain.DNSRecord
	for _, l := range liveAbs {
		rel, ok := relativeName(l.Name, d.Name)
		if !ok {
			continue
		}
		l.Name = rel
		l.DomainID = d.ID
		live = append(live, l)
	}

	plan := Diff(desired, live, s.RecordsOf(d.ID, domain.ProvenanceSystem), s.RecordsOf(d.ID, domain.ProvenanceUser))
	issues = append(issues, plan.Warnings...)
	dr := &DomainResult{Domain: d.Name, Zone: zone.ID, Plan: plan}
	if dryRun {
		return dr, issues
	}

	system, results := Apply(ctx, r.Provider, zone, d.Name, plan, r.Workers, r.Timeout)
	for _, op := range results {
		if op.Err != nil {
			dr.Failed++
			issues = append(issues, domain.IssueFromError("record "+op.Op.Record.Key().String()+" ("+d.Name+")", op.Err))
			continue
		}
		dr.Applied++
	}
	if r.Log != nil {
		r.Log.Info("dns reconciled", "domain", d.Name, "create", len(plan.Create), "update", len(plan.Update),
			"delete", len(plan.Delete), "imported", len(plan.Imported), "failed", dr.Failed)
	}

	if r.Store != nil {
		if err := r.Store.ReplaceGeneratedRecords(ctx, d.ID, system, plan.Imported); err != nil {
			issues = append(issues, domain.Warn(entity, fmt.Sprintf("persist records: %v", err)))
		} else {
			dr.Persisted = true
		}
	}
	return dr, issues
}

// relativeName maps a provider FQDN to a name relative to domainName. Names
// outside the domain are rejected.
func relativeName(fqdn, domainName string) (string, bool) {
	fqdn = strings.TrimSuffix(strings.ToLower(fqdn), ".")
	domainName = strings.ToLower(domainName)
	if fqdn == domainName {
		return domain.RootSubdomain, true
	}
	if rel, ok := strings.CutSuffix(fqdn, "."+domainName); ok && rel != "" {
		return rel, true
	}
	return "", false
}

func absoluteName(rel, domainName string) string {
	return domain.FQDN(rel, domainName)
}
