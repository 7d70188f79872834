package dns

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Zone is a provider zone.
type Zone struct {
	ID   string
	Name string
}

// Provider is the DNS provider record API. Record names crossing this
// boundary are fully qualified.
type Provider interface {
	ZoneID(ctx context.Context, name string) (string, error)
	ListRecords(ctx context.Context, zone Zone) ([]domain.DNSRecord, error)
	CreateRecord(ctx context.Context, zone Zone, rec domain.DNSRecord) (string, error)
	UpdateRecord(ctx context.Context, zone Zone, rec domain.DNSRecord) error
	DeleteRecord(ctx context.Context, zone Zone, providerID string) error
}

// OpResult is the outcome of one applied [Op].
type OpResult struct {
	Op  Op
	Err error
}

const defaultOpTimeout = 30 * time.Second

// Apply runs the plan's mutations with at most workers concurrent provider
// calls, each bounded by timeout. Deletes finish before updates start and
// updates before creates, so a create never races the removal of a record
// holding its name. Every operation runs regardless of the others failing.
// The returned SYSTEM set is what the zone holds afterwards: kept records,
// successful updates and creates, and the old content of failed updates and
// deletes, which remain owned. USER creates are not part of it.
func Apply(ctx context.Context, p Provider, zone Zone, domainName string, plan Plan, workers int, timeout time.Duration) ([]domain.DNSRecord, []OpResult) {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	var (
		results []OpResult
		created []domain.DNSRecord
	)
	for _, phase := range [][]Op{plan.Delete, plan.Update, plan.Create} {
		res, made := applyPhase(ctx, p, zone, domainName, phase, workers, timeout)
		results = append(results, res...)
		created = append(created, made...)
	}

	system := append([]domain.DNSRecord(nil), plan.Kept...)
	for _, c := range created {
		if c.Provenance != domain.ProvenanceUser {
			system = append(system, c)
		}
	}
	for _, r := range results {
		switch {
		case r.Op.Kind == OpUpdate && r.Err == nil:
			system = append(system, r.Op.Record)
		case r.Op.Kind == OpUpdate && r.Op.Live != nil:
			system = append(system, ownedCopy(*r.Op.Live))
		case r.Op.Kind == OpDelete && r.Err != nil:
			system = append(system, ownedCopy(r.Op.Record))
		}
	}
	sortRecords(system)
	return system, results
}

func applyPhase(ctx context.Context, p Provider, zone Zone, domainName string, ops []Op, workers int, timeout time.Duration) ([]OpResult, []domain.DNSRecord) {
	results := make([]OpResult, len(ops))
	var (
		mu      sync.Mutex
		created []domain.DNSRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, op := range ops {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			rec := op.Record
			rec.Name = absoluteName(rec.Name, domainName)
			var err error
			switch op.Kind {
			case OpCreate:
				var id string
				id, err = p.CreateRecord(callCtx, zone, rec)
				if err == nil {
					done := op.Record
					done.ProviderID = id
					mu.Lock()
					created = append(created, done)
					mu.Unlock()
				}
			case OpUpdate:
				err = p.UpdateRecord(callCtx, zone, rec)
			case OpDelete:
				err = p.DeleteRecord(callCtx, zone, op.Record.ProviderID)
			}
			if err != nil {
				err = &domain.ExternalServiceError{Service: "dns", Op: string(op.Kind), Entity: op.Record.Key().String(), Err: err}
			}
			results[i] = OpResult{Op: op, Err: err}
			// Never cancel siblings: one failed record must not stop the rest.
			return nil
		})
	}
	_ = g.Wait()
	return results, created
}

func ownedCopy(r domain.DNSRecord) domain.DNSRecord {
	r.Provenance = domain.ProvenanceSystem
	return r
}
