package market

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Monetary fields are exchanged as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Status is the lifecycle state of a work order.
type Status string

const (
	StatusOpen         Status = "open"
	StatusClaimed      Status = "claimed"
	StatusPendingAudit Status = "pass_pending_audit"
	StatusPassed       Status = "passed"
)

// IsTerminal reports whether no operation may leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusPassed
}

// HoldsClaim reports whether an order in this status carries claim details.
func (s Status) HoldsClaim() bool {
	switch s {
	case StatusClaimed, StatusPendingAudit, StatusPassed:
		return true
	default:
		return false
	}
}

// AuditStatus is the state of an AuditRecord.
type AuditStatus string

const (
	AuditPending   AuditStatus = "pending"
	AuditClaimed   AuditStatus = "claimed"
	AuditConfirmed AuditStatus = "confirmed"
	AuditRejected  AuditStatus = "rejected"
)

// Result is a validator's verdict on a reproduction attempt.
type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
)

// Decision is an auditor's verdict on an escrowed PASS.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionReject  Decision = "reject"
)

// Terms are the economic terms of a work order.
type Terms struct {
	StakeELF  decimal.Decimal `json:"stakeELF"`
	RewardELF decimal.Decimal `json:"rewardELF"`
	RepReward int             `json:"repReward"`
	RepSlash  int             `json:"repSlash"`
}

// Subsample scopes a reproduction attempt to deterministically drawn rows.
type Subsample struct {
	PoolSize   int   `json:"poolSize"`
	SampleSize int   `json:"sampleSize"`
	Indices    []int `json:"indices"`
	// Surfaced is the short prefix of the draw shown to validators.
	Surfaced []int `json:"surfaced"`
}

// NotebookStep is one ordered step of a reproduction notebook.
type NotebookStep struct {
	Title   string `json:"title"`
	Command string `json:"command"`
}

// Notebook is the run specification handed to validators.
type Notebook struct {
	Kernel string         `json:"kernel"`
	Steps  []NotebookStep `json:"steps"`
}

// ClaimInfo records who holds a work order and until when.
type ClaimInfo struct {
	By    string    `json:"claimedBy"`
	At    time.Time `json:"claimedAt"`
	DueAt time.Time `json:"dueAt"`
}

// Attempt is the last submission made against a work order.
type Attempt struct {
	Actor       string    `json:"actor"`
	At          time.Time `json:"timestamp"`
	Result      Result    `json:"result"`
	ArtifactRef string    `json:"artifactRef,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// AuditRecord tracks the independent confirmation of an escrowed PASS.
type AuditRecord struct {
	Required    bool            `json:"required"`
	Rate        float64         `json:"rate"`
	Roll        float64         `json:"roll"`
	Status      AuditStatus     `json:"status"`
	RewardELF   decimal.Decimal `json:"rewardELF"`
	RewardRep   int             `json:"rewardRep"`
	Auditor     string          `json:"auditor,omitempty"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
	DueAt       *time.Time      `json:"dueAt,omitempty"`
	Decision    Decision        `json:"decision,omitempty"`
	DecidedAt   *time.Time      `json:"decidedAt,omitempty"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// WorkOrder is a single verifiable reproduction task.
type WorkOrder struct {
	ID                string    `json:"id"`
	PaperID           string    `json:"paperId"`
	Title             string    `json:"title"`
	ClaimText         string    `json:"claimText"`
	EvidenceIDs       []string  `json:"evidenceIds"`
	EvidenceSummaries []string  `json:"evidenceSummaries"`
	Seed              uint32    `json:"seed"`
	Subsample         Subsample `json:"subsample"`
	Notebook          Notebook  `json:"notebook"`

	Terms

	AttemptCount int           `json:"attemptCount"`
	Status       Status        `json:"status"`
	Claim        *ClaimInfo    `json:"claim,omitempty"`
	LastAttempt  *Attempt      `json:"lastAttempt,omitempty"`
	Audit        *AuditRecord  `json:"audit,omitempty"`
	AuditHistory []AuditRecord `json:"auditHistory,omitempty"`
	ForkOf       string        `json:"forkOf,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ClaimedBy returns the claimant handle, or "" when the order is unclaimed.
func (o WorkOrder) ClaimedBy() string {
	if o.Claim == nil {
		return ""
	}
	return o.Claim.By
}

// Clone returns a deep copy of the order.
func (o WorkOrder) Clone() WorkOrder {
	out := o
	out.EvidenceIDs = cloneStrings(o.EvidenceIDs)
	out.EvidenceSummaries = cloneStrings(o.EvidenceSummaries)
	out.Subsample.Indices = cloneInts(o.Subsample.Indices)
	out.Subsample.Surfaced = cloneInts(o.Subsample.Surfaced)
	if o.Notebook.Steps != nil {
		out.Notebook.Steps = make([]NotebookStep, len(o.Notebook.Steps))
		copy(out.Notebook.Steps, o.Notebook.Steps)
	}
	if o.Claim != nil {
		c := *o.Claim
		out.Claim = &c
	}
	if o.LastAttempt != nil {
		a := *o.LastAttempt
		out.LastAttempt = &a
	}
	if o.Audit != nil {
		a := o.Audit.clone()
		out.Audit = &a
	}
	if o.AuditHistory != nil {
		out.AuditHistory = make([]AuditRecord, len(o.AuditHistory))
		for i, rec := range o.AuditHistory {
			out.AuditHistory[i] = rec.clone()
		}
	}
	return out
}

func (a AuditRecord) clone() AuditRecord {
	out := a
	out.ClaimedAt = cloneTime(a.ClaimedAt)
	out.DueAt = cloneTime(a.DueAt)
	out.DecidedAt = cloneTime(a.DecidedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneInts(values []int) []int {
	if values == nil {
		return nil
	}
	out := make([]int, len(values))
	copy(out, values)
	return out
}
