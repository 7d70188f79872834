// Package publish sequences one publish cycle: validate, render, DNS
// reconcile, certificate ensure, write and reload. Every stage reports a
// structured result and later stages still run when an earlier one fails.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/edgeman/internal/certs"
	"github.com/koltyakov/edgeman/internal/dns"
	"github.com/koltyakov/edgeman/internal/domain"
	"github.com/koltyakov/edgeman/internal/render"
)

// Publish triggers.
const (
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	dns.Store
	Snapshot(ctx context.Context) (domain.State, error)
	SaveCertificates(ctx context.Context, certs []domain.Certificate) error
	SavePublishReport(ctx context.Context, r domain.Report) error
}

// EdgeSource returns the trusted edge IP ranges.
type EdgeSource interface {
	CIDRs() ([]string, error)
}

// Options are the static settings of every cycle.
type Options struct {
	HTTPConfPath   string
	StreamConfPath string
	ReloadCmd      string
	TestCmd        string
	Render         render.Options
	DNS            dns.Options
	OriginIPs      []domain.Origin
	RenewBefore    time.Duration
}

// Event is emitted after every stage and once at the end of a cycle.
type Event struct {
	RunID  string             `json:"run_id"`
	Stage  domain.Stage       `json:"stage,omitempty"`
	Status domain.StageStatus `json:"status"`
	Issues int                `json:"issues"`
	Report *domain.Report     `json:"report,omitempty"`
}

// Orchestrator runs publish cycles. At most one cycle runs at a time.
type Orchestrator struct {
	Store   Store
	DNS     *dns.Reconciler
	Certs   *certs.Manager
	Edge    EdgeSource
	Runner  Runner
	Log     *slog.Logger
	Options Options
	Now     func() time.Time
	// Observer, when set, receives progress events synchronously.
	Observer func(Event)

	mu            sync.Mutex
	reloadPending bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.New(slog.DiscardHandler)
}

// Publish runs one cycle. It returns [domain.ErrBusy] without doing anything
// when a cycle is already in flight. The returned error is non-nil only when
// the cycle could not start or its report is marked failed.
func (o *Orchestrator) Publish(ctx context.Context, trigger string, dryRun bool) (domain.Report, error) {
	if !o.mu.TryLock() {
		return domain.Report{}, domain.ErrBusy
	}
	defer o.mu.Unlock()

	c := &cycle{
		o: o,
		report: domain.Report{
			ID:        uuid.NewString(),
			Trigger:   trigger,
			DryRun:    dryRun,
			StartedAt: o.now(),
		},
	}
	o.log().Info("publish started", "run_id", c.report.ID, "trigger", trigger, "dry_run", dryRun)
	fatal := c.run(ctx)

	c.report.FinishedAt = o.now()
	c.report.Status = domain.StatusOK
	for _, s := range c.report.Stages {
		if s.Status == domain.StatusFailed || s.Status == domain.StatusWarning {
			c.report.Status = domain.StatusWarning
		}
	}
	if fatal != nil {
		c.report.Status = domain.StatusFailed
	}

	if o.Store != nil {
		if err := o.Store.SavePublishReport(ctx, c.report); err != nil {
			o.log().Warn("store publish report", "run_id", c.report.ID, "err", err)
		}
	}
	o.log().Info("publish finished", "run_id", c.report.ID, "status", c.report.Status,
		"changed", c.report.Changed, "reloaded", c.report.Reloaded, "issues", len(c.report.Issues()),
		"duration", c.report.FinishedAt.Sub(c.report.StartedAt).Round(time.Millisecond))
	report := c.report
	o.emit(Event{RunID: report.ID, Status: report.Status, Issues: len(report.Issues()), Report: &report})

	if fatal != nil {
		return c.report, fmt.Errorf("publish %s: %w", c.report.ID, fatal)
	}
	return c.report, nil
}

func (o *Orchestrator) emit(ev Event) {
	if o.Observer != nil {
		o.Observer(ev)
	}
}

// cycle holds the intermediate results of one run.
type cycle struct {
	o      *Orchestrator
	report domain.Report

	state    domain.State
	desired  map[int64][]domain.DNSRecord
	dnsWarns []domain.Issue
	rendered render.Result
	ropts    render.Options
	// renderIssues are the render stage issues not produced by the
	// renderer itself.
	renderIssues []domain.Issue
}

// stage runs fn as the named stage. fn returns the stage issues and an
// error that marks the stage failed.
func (c *cycle) stage(name domain.Stage, fn func(sr *domain.StageResult) error) error {
	sr := domain.StageResult{Stage: name, StartedAt: c.o.now()}
	log := c.o.log().With("run_id", c.report.ID, "stage", name)
	log.Debug("stage started")
	err := fn(&sr)
	sr.Finish(c.o.now(), err)
	log.Info("stage finished", "status", sr.Status, "issues", len(sr.Issues),
		"duration", sr.FinishedAt.Sub(sr.StartedAt).Round(time.Millisecond))
	c.report.Stages = append(c.report.Stages, sr)
	c.o.emit(Event{RunID: c.report.ID, Stage: name, Status: sr.Status, Issues: len(sr.Issues)})
	return err
}

func skip(sr *domain.StageResult, reason string) {
	sr.Status = domain.StatusSkipped
	if reason != "" {
		sr.Issues = append(sr.Issues, domain.Warn(string(sr.Stage), reason))
	}
}

// run executes every stage and returns the fatal error, if any.
func (c *cycle) run(ctx context.Context) error {
	dryRun := c.report.DryRun
	opts := c.o.Options

	if err := c.stage(domain.StageValidate, func(sr *domain.StageResult) error {
		snap, err := c.o.Store.Snapshot(ctx)
		if err != nil {
			return &domain.FatalIOError{Op: "load desired state", Err: err}
		}
		var issues []domain.Issue
		c.state, issues = domain.ValidateState(snap)
		sr.Issues = append(sr.Issues, issues...)

		origins := c.state.Origins(opts.OriginIPs)
		c.desired, c.dnsWarns = dns.DesiredState(c.state, origins, opts.DNS)
		return nil
	}); err != nil {
		// Nothing can be published without a desired state.
		for _, s := range []domain.Stage{domain.StageRender, domain.StageDNS, domain.StageCertificates, domain.StageWrite, domain.StageReload} {
			_ = c.stage(s, func(sr *domain.StageResult) error { skip(sr, "desired state unavailable"); return nil })
		}
		return err
	}

	_ = c.stage(domain.StageRender, func(sr *domain.StageResult) error {
		c.ropts = opts.Render
		c.ropts.SRVNames = dns.SRVNames(c.desired, c.state.Domains)
		if c.o.Edge != nil {
			cidrs, err := c.o.Edge.CIDRs()
			if err != nil {
				c.renderIssues = append(c.renderIssues, domain.Warn("edge ip ranges", fmt.Sprintf("refresh failed: %v", err)))
			}
			c.ropts.RealIPFrom = cidrs
		}
		if err := c.loadCertificates(); err != nil {
			c.renderIssues = append(c.renderIssues, domain.IssueFromError("certificates", err))
		}
		c.rendered = render.Render(c.state, c.ropts)
		sr.Issues = append(append(sr.Issues, c.renderIssues...), c.rendered.Warnings...)
		return nil
	})

	_ = c.stage(domain.StageDNS, func(sr *domain.StageResult) error {
		sr.Issues = append(sr.Issues, c.dnsWarns...)
		if c.o.DNS == nil {
			skip(sr, "no DNS provider configured")
			return nil
		}
		res := c.o.DNS.Reconcile(ctx, c.state, c.desired, dryRun)
		sr.Issues = append(sr.Issues, res.Issues...)
		failed := 0
		for _, is := range res.Issues {
			if is.Kind == domain.IssueExternal {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d DNS provider calls failed", failed)
		}
		return nil
	})

	_ = c.stage(domain.StageCertificates, func(sr *domain.StageResult) error {
		if c.o.Certs == nil {
			skip(sr, "no certificate manager configured")
			return nil
		}
		reqs, limits := certs.PlanRequests(c.rendered.TLSHosts, certs.PlanOptions{
			Wildcard: c.o.Certs.Wildcard(),
			Advanced: opts.DNS.AdvancedCertificates,
		})
		sr.Issues = append(sr.Issues, limits...)
		res := c.o.Certs.Ensure(ctx, reqs, certs.Policy{RenewBefore: opts.RenewBefore, DryRun: dryRun})
		sr.Issues = append(sr.Issues, res.Issues...)
		for _, f := range res.Failures {
			sr.Issues = append(sr.Issues, domain.Issue{Kind: domain.IssueExternal, Entity: "certificate " + f.Label, Message: f.Error})
		}
		for _, p := range res.Pending {
			sr.Issues = append(sr.Issues, domain.Warn("certificate "+p.Label, "would be issued"))
		}

		if len(res.Issued) > 0 {
			if err := c.loadCertificates(); err != nil {
				sr.Issues = append(sr.Issues, domain.IssueFromError("certificates", err))
			}
			c.rendered = render.Render(c.state, c.ropts)
			c.amendRender()
		}
		if !dryRun && c.o.Store != nil {
			if err := c.o.Store.SaveCertificates(ctx, c.state.Certificates); err != nil {
				sr.Issues = append(sr.Issues, domain.Warn("certificates", fmt.Sprintf("store metadata: %v", err)))
			}
		}
		if len(res.Failures) > 0 {
			return fmt.Errorf("%d certificate labels failed", len(res.Failures))
		}
		return nil
	})

	var fatal error
	_ = c.stage(domain.StageWrite, func(sr *domain.StageResult) error {
		files := []struct {
			path string
			data string
		}{
			{opts.HTTPConfPath, c.rendered.HTTP},
			{opts.StreamConfPath, c.rendered.Stream},
		}
		for _, f := range files {
			if f.path == "" {
				continue
			}
			var changed bool
			var err error
			if dryRun {
				changed, err = Changed(f.path, []byte(f.data))
			} else {
				changed, err = WriteIfChanged(f.path, []byte(f.data))
			}
			if err != nil {
				fatal = err
				return err
			}
			c.report.Changed = c.report.Changed || changed
		}
		if dryRun {
			skip(sr, "")
		}
		return nil
	})

	_ = c.stage(domain.StageReload, func(sr *domain.StageResult) error {
		switch {
		case dryRun:
			skip(sr, "")
			return nil
		case fatal != nil:
			skip(sr, "config write failed")
			return nil
		case !c.report.Changed && !c.o.reloadPending:
			skip(sr, "")
			return nil
		case c.o.Runner == nil || opts.ReloadCmd == "":
			skip(sr, "no reload command configured")
			return nil
		}
		c.o.reloadPending = true
		if opts.TestCmd != "" {
			if _, err := c.o.Runner.Run(ctx, opts.TestCmd); err != nil {
				fatal = &domain.FatalIOError{Op: "test config", Path: opts.TestCmd, Err: err}
				return fatal
			}
		}
		if _, err := c.o.Runner.Run(ctx, opts.ReloadCmd); err != nil {
			fatal = &domain.FatalIOError{Op: "reload", Path: opts.ReloadCmd, Err: err}
			return fatal
		}
		c.o.reloadPending = false
		c.report.Reloaded = true
		return nil
	})
	return fatal
}

// amendRender makes the render stage describe the final render after new
// certificates were picked up.
func (c *cycle) amendRender() {
	for i := range c.report.Stages {
		sr := &c.report.Stages[i]
		if sr.Stage != domain.StageRender {
			continue
		}
		sr.Issues = append(append([]domain.Issue(nil), c.renderIssues...), c.rendered.Warnings...)
		sr.Finish(sr.FinishedAt, nil)
	}
}

// loadCertificates replaces the snapshot's certificates with the pairs on
// disk so the renderer only references files that exist.
func (c *cycle) loadCertificates() error {
	if c.o.Certs == nil || c.o.Certs.Store == nil {
		return nil
	}
	list, err := c.o.Certs.Store.List()
	if err != nil {
		return err
	}
	c.state.Certificates = list
	return nil
}

// IsBusy reports whether err means a cycle was already running.
func IsBusy(err error) bool {
	return errors.Is(err, domain.ErrBusy)
}
