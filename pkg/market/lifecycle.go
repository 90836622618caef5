package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repro_market/pkg/prng"
)

// Engine applies marketplace rules to store snapshots.
type Engine struct {
	rules Rules
}

// NewEngine creates an engine with the given rules.
func NewEngine(rules Rules) (*Engine, error) {
	if err := rules.Validate(); err != nil {
		return nil, failf(ErrInvalidInput, "", "rules: %v", err)
	}
	return &Engine{rules: rules}, nil
}

// Rules returns the engine's rules.
func (e *Engine) Rules() Rules {
	return e.rules
}

// ParseResult validates a submitted result string.
func ParseResult(s string) (Result, error) {
	switch r := Result(strings.ToLower(strings.TrimSpace(s))); r {
	case ResultPass, ResultFail:
		return r, nil
	default:
		return "", failf(ErrInvalidInput, "", "result must be %q or %q, got %q", ResultPass, ResultFail, s)
	}
}

// ParseDecision validates a submitted audit decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionConfirm, DecisionReject:
		return d, nil
	default:
		return "", failf(ErrInvalidInput, "", "decision must be %q or %q, got %q", DecisionConfirm, DecisionReject, s)
	}
}

// Claim reserves an open order for p, locking the order's stake.
func (e *Engine) Claim(p ValidatorProfile, s Store, orderID string, now time.Time) (ValidatorProfile, Store, error) {
	idx, err := s.locate(orderID)
	if err != nil {
		return ValidatorProfile{}, Store{}, err
	}
	order := s.Orders[idx]
	if order.Status != StatusOpen {
		return ValidatorProfile{}, Store{}, failf(ErrInvalidState, orderID, "cannot claim order in status %q", order.Status)
	}
	if p.Key() == "" {
		return ValidatorProfile{}, Store{}, failf(ErrInvalidInput, orderID, "validator handle cannot be empty")
	}
	if p.Balance.LessThan(order.StakeELF) {
		return ValidatorProfile{}, Store{}, failf(ErrInsufficientStake, orderID,
			"balance %s is below stake %s", p.Balance, order.StakeELF)
	}

	next := s.Clone()
	o := &next.Orders[idx]
	o.Status = StatusClaimed
	o.Claim = &ClaimInfo{By: p.Key(), At: now, DueAt: now.Add(e.rules.ClaimWindow)}
	next.appendEntry(EntryStakeLock, o.StakeELF.Neg(), *o, p.Key(), "stake locked on claim", now)
	next.UpdatedAt = now

	return p.adjust(o.StakeELF.Neg(), 0, now), next, nil
}

// Submit records the claimant's result. A fail returns the order to open and
// burns the stake. A pass either settles immediately or, when the audit roll
// falls below the audit rate, escrows the payout pending an audit.
func (e *Engine) Submit(p ValidatorProfile, s Store, orderID string, result Result, artifactRef, notes string, now time.Time) (ValidatorProfile, Store, error) {
	idx, err := s.locate(orderID)
	if err != nil {
		return ValidatorProfile{}, Store{}, err
	}
	order := s.Orders[idx]
	if order.Status != StatusClaimed {
		return ValidatorProfile{}, Store{}, failf(ErrInvalidState, orderID, "cannot submit order in status %q", order.Status)
	}
	if !p.Is(order.ClaimedBy()) {
		return ValidatorProfile{}, Store{}, failf(ErrNotClaimant, orderID, "%q does not hold the claim", p.Handle)
	}
	if _, err := ParseResult(string(result)); err != nil {
		return ValidatorProfile{}, Store{}, err
	}

	next := s.Clone()
	o := &next.Orders[idx]
	attempt := o.AttemptCount + 1
	o.AttemptCount = attempt
	o.LastAttempt = &Attempt{
		Actor:       p.Key(),
		At:          now,
		Result:      result,
		ArtifactRef: artifactRef,
		Notes:       notes,
	}
	next.UpdatedAt = now

	if result == ResultFail {
		o.Status = StatusOpen
		o.Claim = nil
		o.Audit = nil
		next.appendEntry(EntryStakeSlash, decimal.Zero, *o, p.Key(), "stake burned on failed attempt", now)
		return p.adjust(decimal.Zero, -o.RepSlash, now), next, nil
	}

	roll := prng.AuditRoll(o.PaperID, o.ID, attempt)
	if roll >= e.rules.AuditRate {
		o.Status = StatusPassed
		next.appendEntry(EntryStakeRefund, o.StakeELF, *o, p.Key(), "stake refunded on pass", now)
		next.appendEntry(EntryReward, o.RewardELF, *o, p.Key(), "reward paid on pass", now)
		return p.adjust(o.StakeELF.Add(o.RewardELF), o.RepReward, now), next, nil
	}

	tokens, rep := AuditRewardFor(o.Terms)
	o.Status = StatusPendingAudit
	o.Audit = &AuditRecord{
		Required:  true,
		Rate:      e.rules.AuditRate,
		Roll:      roll,
		Status:    AuditPending,
		RewardELF: tokens,
		RewardRep: rep,
	}
	p.UpdatedAt = now
	return p, next, nil
}

// ClaimAudit reserves a pending audit for auditor.
func (e *Engine) ClaimAudit(auditor ValidatorProfile, s Store, orderID string, now time.Time) (ValidatorProfile, Store, error) {
	idx, err := s.locate(orderID)
	if err != nil {
		return ValidatorProfile{}, Store{}, err
	}
	order := s.Orders[idx]
	if order.Status != StatusPendingAudit || order.Audit == nil || order.Audit.Status != AuditPending {
		return ValidatorProfile{}, Store{}, failf(ErrInvalidState, orderID, "no pending audit (order status %q)", order.Status)
	}
	if auditor.Key() == "" {
		return ValidatorProfile{}, Store{}, failf(ErrInvalidInput, orderID, "auditor handle cannot be empty")
	}
	if auditor.Is(order.ClaimedBy()) {
		return ValidatorProfile{}, Store{}, failf(ErrSelfAuditForbidden, orderID, "%q submitted this order", auditor.Handle)
	}

	next := s.Clone()
	a := next.Orders[idx].Audit
	a.Status = AuditClaimed
	a.Auditor = auditor.Key()
	claimedAt := now
	dueAt := now.Add(e.rules.AuditWindow)
	a.ClaimedAt = &claimedAt
	a.DueAt = &dueAt
	next.UpdatedAt = now

	auditor.UpdatedAt = now
	return auditor, next, nil
}

// SubmitAudit resolves a claimed audit. Confirm settles the escrowed pass;
// reject rolls the order back to open and burns the submitter's stake. The
// auditor is paid either way.
func (e *Engine) SubmitAudit(auditor, submitter ValidatorProfile, s Store, orderID string, decision Decision, artifactRef, notes string, now time.Time) (ValidatorProfile, ValidatorProfile, Store, error) {
	fail := func(err error) (ValidatorProfile, ValidatorProfile, Store, error) {
		return ValidatorProfile{}, ValidatorProfile{}, Store{}, err
	}
	idx, err := s.locate(orderID)
	if err != nil {
		return fail(err)
	}
	order := s.Orders[idx]
	if order.Status != StatusPendingAudit || order.Audit == nil || order.Audit.Status != AuditClaimed {
		return fail(failf(ErrInvalidState, orderID, "no claimed audit (order status %q)", order.Status))
	}
	if !auditor.Is(order.Audit.Auditor) {
		return fail(failf(ErrNotAuditClaimant, orderID, "%q does not hold the audit", auditor.Handle))
	}
	if !submitter.Is(order.ClaimedBy()) {
		return fail(failf(ErrSubmitterMismatch, orderID, "%q is not the claimant", submitter.Handle))
	}
	if _, err := ParseDecision(string(decision)); err != nil {
		return fail(err)
	}

	next := s.Clone()
	o := &next.Orders[idx]
	a := o.Audit
	decidedAt := now
	a.Decision = decision
	a.DecidedAt = &decidedAt
	a.ArtifactRef = artifactRef
	a.Notes = notes
	next.UpdatedAt = now

	if decision == DecisionConfirm {
		a.Status = AuditConfirmed
		o.Status = StatusPassed
		next.appendEntry(EntryStakeRefund, o.StakeELF, *o, submitter.Key(), "stake refunded on confirmed audit", now)
		next.appendEntry(EntryReward, o.RewardELF, *o, submitter.Key(), "reward paid on confirmed audit", now)
		next.appendEntry(EntryReward, a.RewardELF, *o, auditor.Key(), "audit reward", now)
		submitter = submitter.adjust(o.StakeELF.Add(o.RewardELF), o.RepReward, now)
		auditor = auditor.adjust(a.RewardELF, a.RewardRep, now)
		return auditor, submitter, next, nil
	}

	a.Status = AuditRejected
	o.AuditHistory = append(o.AuditHistory, a.clone())
	o.Status = StatusOpen
	o.Claim = nil
	o.Audit = nil
	next.appendEntry(EntryStakeSlash, decimal.Zero, *o, submitter.Key(), "stake burned on rejected audit", now)
	next.appendEntry(EntryReward, a.RewardELF, *o, auditor.Key(), "audit reward", now)
	submitter = submitter.adjust(decimal.Zero, -RejectSlash(o.Terms), now)
	auditor = auditor.adjust(a.RewardELF, a.RewardRep, now)
	return auditor, submitter, next, nil
}

// ExpireClaim returns an overdue claimed order to open. The claimant's stake
// is burned and the attempt counts against the order.
func (e *Engine) ExpireClaim(s Store, orderID string, now time.Time) (Store, error) {
	idx, err := s.locate(orderID)
	if err != nil {
		return Store{}, err
	}
	order := s.Orders[idx]
	if order.Status != StatusClaimed || order.Claim == nil {
		return Store{}, failf(ErrInvalidState, orderID, "cannot expire order in status %q", order.Status)
	}
	if !now.After(order.Claim.DueAt) {
		return Store{}, failf(ErrClaimNotExpired, orderID, "claim due at %s", order.Claim.DueAt.Format(time.RFC3339))
	}

	next := s.Clone()
	o := &next.Orders[idx]
	claimant := o.Claim.By
	o.AttemptCount++
	o.Status = StatusOpen
	o.Claim = nil
	next.appendEntry(EntryStakeSlash, decimal.Zero, *o, claimant, "claim expired", now)
	next.UpdatedAt = now
	return next, nil
}

// ExpireAuditClaim releases an overdue audit claim so another auditor can
// take it.
func (e *Engine) ExpireAuditClaim(s Store, orderID string, now time.Time) (Store, error) {
	idx, err := s.locate(orderID)
	if err != nil {
		return Store{}, err
	}
	order := s.Orders[idx]
	if order.Status != StatusPendingAudit || order.Audit == nil || order.Audit.Status != AuditClaimed {
		return Store{}, failf(ErrInvalidState, orderID, "no claimed audit (order status %q)", order.Status)
	}
	if order.Audit.DueAt == nil || !now.After(*order.Audit.DueAt) {
		return Store{}, failf(ErrClaimNotExpired, orderID, "audit claim has not expired")
	}

	next := s.Clone()
	a := next.Orders[idx].Audit
	a.Status = AuditPending
	a.Auditor = ""
	a.ClaimedAt = nil
	a.DueAt = nil
	next.UpdatedAt = now
	return next, nil
}

// Overdue lists the ids of orders whose claim or audit claim has passed its
// due time.
func Overdue(s Store, now time.Time) (claims, audits []string) {
	for _, o := range s.Orders {
		switch {
		case o.Status == StatusClaimed && o.Claim != nil && now.After(o.Claim.DueAt):
			claims = append(claims, o.ID)
		case o.Status == StatusPendingAudit && o.Audit != nil && o.Audit.Status == AuditClaimed &&
			o.Audit.DueAt != nil && now.After(*o.Audit.DueAt):
			audits = append(audits, o.ID)
		}
	}
	return claims, audits
}
