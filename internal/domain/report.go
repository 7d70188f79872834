package domain

import (
	"errors"
	"time"
)

// IssueKind classifies a report entry.
type IssueKind string

const (
	IssueValidation IssueKind = "validation"
	IssueWarning    IssueKind = "warning"
	IssueExternal   IssueKind = "external"
	IssueLimitation IssueKind = "limitation"
	IssueFatal      IssueKind = "fatal"
)

// Issue is one warning or failure concerning a single entity.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Entity  string    `json:"entity"`
	Message string    `json:"message"`
}

// Warn builds a warning issue.
func Warn(entity, msg string) Issue {
	return Issue{Kind: IssueWarning, Entity: entity, Message: msg}
}

// IssueFromError maps an error of the taxonomy to an issue for entity.
func IssueFromError(entity string, err error) Issue {
	kind := IssueExternal
	var ve *ValidationError
	var fe *FatalIOError
	switch {
	case errors.As(err, &ve):
		kind = IssueValidation
	case errors.As(err, &fe):
		kind = IssueFatal
	}
	return Issue{Kind: kind, Entity: entity, Message: err.Error()}
}

// Stage names of a publish cycle.
type Stage string

const (
	StageValidate     Stage = "validate"
	StageRender       Stage = "render"
	StageDNS          Stage = "dns"
	StageCertificates Stage = "certificates"
	StageWrite        Stage = "write"
	StageReload       Stage = "reload"
)

// StageStatus is the outcome of a stage.
type StageStatus string

const (
	StatusOK      StageStatus = "ok"
	StatusWarning StageStatus = "warning"
	StatusFailed  StageStatus = "failed"
	StatusSkipped StageStatus = "skipped"
)

// StageResult is the structured outcome of one stage.
type StageResult struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Issues     []Issue     `json:"issues,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Finish settles the status from the collected issues and err.
func (r *StageResult) Finish(now time.Time, err error) {
	r.FinishedAt = now
	switch {
	case err != nil:
		r.Status = StatusFailed
		r.Error = err.Error()
	case r.Status == StatusSkipped:
	case len(r.Issues) > 0:
		r.Status = StatusWarning
	default:
		r.Status = StatusOK
	}
}

// Report aggregates the stage results of one publish cycle.
type Report struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	DryRun     bool          `json:"dry_run"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     StageStatus   `json:"status"`
	Changed    bool          `json:"changed"`
	Reloaded   bool          `json:"reloaded"`
	Stages     []StageResult `json:"stages"`
}

// Stage returns the result of the named stage.
func (r Report) Stage(name Stage) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Issues returns every issue of every stage in stage order.
func (r Report) Issues() []Issue {
	var out []Issue
	for _, s := range r.Stages {
		out = append(out, s.Issues...)
	}
	return out
}
