// Package marketplace runs the work-order lifecycle against a repository.
//
// Every write follows the same cycle: load the paper's store and the profile
// book, apply one pure market operation, and commit both. Writes are
// serialised per paper within the process and retried on revision conflicts
// with other processes sharing the repository.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"repro_market/pkg/market"
	"repro_market/pkg/p2p"
	"repro_market/pkg/prng"
	"repro_market/pkg/storage"
	"repro_market/pkg/utils"
)

var (
	ErrValidatorNotFound = errors.New("validator not registered")
	ErrHandleTaken       = errors.New("handle already registered")
)

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	StartingBalance decimal.Decimal
	CommitRetries   int
	Clock           func() time.Time
}

// Service coordinates marketplace operations
type Service struct {
	repo            storage.Repository
	engine          *market.Engine
	publisher       p2p.Publisher
	startingBalance decimal.Decimal
	retry           *utils.RetryConfig
	locks           *utils.KeyedMutex
	now             func() time.Time
	logger          *zap.Logger
}

// NewService creates a marketplace service
func NewService(repo storage.Repository, engine *market.Engine, publisher p2p.Publisher, opts Options, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.StartingBalance.IsNegative() {
		return nil, fmt.Errorf("starting balance cannot be negative")
	}
	if publisher == nil {
		publisher = p2p.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	retries := opts.CommitRetries
	if retries < 1 {
		retries = 5
	}
	retry := &utils.RetryConfig{
		MaxAttempts:      retries,
		InitialDelay:     10 * time.Millisecond,
		MaxDelay:         250 * time.Millisecond,
		BackoffFactor:    2.0,
		RetryableErrors:  []error{storage.ErrConflict},
		MaxJitterPercent: 0.2,
	}

	return &Service{
		repo:            repo,
		engine:          engine,
		publisher:       publisher,
		startingBalance: opts.StartingBalance,
		retry:           retry,
		locks:           utils.NewKeyedMutex(),
		now:             clock,
		logger:          logger,
	}, nil
}

// Engine returns the rules engine the service applies.
func (s *Service) Engine() *market.Engine {
	return s.engine
}

// mutation is the result of one pure operation, ready to commit.
type mutation struct {
	store    *market.Store
	profiles *market.ProfileBook
	events   []p2p.Event
}

type mutateFunc func(st market.Store, book market.ProfileBook, now time.Time) (mutation, error)

// update loads the paper's store and the profile book, applies fn and
// commits the result. fn is re-run from a fresh read after a conflict.
// When create is set a missing store starts out empty.
func (s *Service) update(ctx context.Context, paperID string, create bool, fn mutateFunc) (mutation, error) {
	unlock := s.locks.Lock(paperID)
	defer unlock()

	var out mutation
	err := utils.RetryWithBackoff(ctx, func() error {
		now := s.now()
		st, err := s.repo.LoadMarketplace(ctx, paperID)
		switch {
		case errors.Is(err, storage.ErrNotFound) && create:
			st = market.NewStore(paperID, now)
		case err != nil:
			return fmt.Errorf("loading marketplace %q: %w", paperID, err)
		}

		book, err := s.repo.LoadProfiles(ctx)
		if err != nil {
			return fmt.Errorf("loading profiles: %w", err)
		}

		m, err := fn(st, book, now)
		if err != nil {
			return err
		}
		if m.store == nil && m.profiles == nil {
			out = m
			return nil
		}

		if err := s.repo.Commit(ctx, storage.Snapshot{Store: m.store, Profiles: m.profiles}); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				s.logger.Debug("Commit conflict, retrying",
					zap.String("paperID", paperID),
					zap.Error(err))
			}
			return err
		}
		out = m
		return nil
	}, s.retry)
	if err != nil {
		return mutation{}, err
	}

	revision := int64(0)
	if out.store != nil {
		revision = out.store.Revision
	}
	for _, e := range out.events {
		e.Revision = revision
		s.publish(ctx, e)
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, e p2p.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("paperID", e.PaperID),
			zap.String("orderID", e.OrderID),
			zap.Error(err))
	}
}

func orderEvent(typ p2p.EventType, st market.Store, orderID, actor string, now time.Time) p2p.Event {
	e := p2p.Event{
		Type:    typ,
		PaperID: st.PaperID,
		OrderID: orderID,
		Actor:   actor,
		At:      now,
	}
	if o, ok := st.Order(orderID); ok {
		e.Status = string(o.Status)
	}
	return e
}

func orderFrom(m mutation, orderID string) market.WorkOrder {
	if m.store == nil {
		return market.WorkOrder{}
	}
	o, _ := m.store.Order(orderID)
	return o
}

// PublishRequest carries a paper and its extracted claims.
type PublishRequest struct {
	Paper    market.Paper             `json:"paper"`
	Evidence []market.EvidencePointer `json:"evidence,omitempty"`
	Claims   []market.PaperClaim      `json:"claims,omitempty"`
}

// PublishPaper generates the paper's work orders and adds those not yet in
// its marketplace. Publishing the same paper twice is a no-op because order
// ids are derived from the paper and claim text. It returns the orders the
// request maps to, as stored.
func (s *Service) PublishPaper(ctx context.Context, req PublishRequest) ([]market.WorkOrder, error) {
	paperID := req.Paper.ID
	if err := validPaperID(paperID); err != nil {
		return nil, err
	}

	var ids []string
	m, err := s.update(ctx, paperID, true, func(st market.Store, _ market.ProfileBook, now time.Time) (mutation, error) {
		generated, err := s.engine.GenerateWorkOrders(req.Paper, req.Evidence, req.Claims, now)
		if err != nil {
			return mutation{}, err
		}

		ids = ids[:0]
		fresh := make([]market.WorkOrder, 0, len(generated))
		for _, o := range generated {
			ids = append(ids, o.ID)
			if _, exists := st.Order(o.ID); !exists {
				fresh = append(fresh, o)
			}
		}
		if len(fresh) == 0 {
			return mutation{}, nil
		}

		next, err := st.AddOrders(now, fresh...)
		if err != nil {
			return mutation{}, err
		}
		return mutation{
			store: &next,
			events: []p2p.Event{{
				Type:    p2p.EventOrdersPublished,
				PaperID: paperID,
				At:      now,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	st := m.store
	if st == nil {
		loaded, err := s.repo.LoadMarketplace(ctx, paperID)
		if err != nil {
			return nil, fmt.Errorf("loading marketplace %q: %w", paperID, err)
		}
		st = &loaded
	}

	orders := make([]market.WorkOrder, 0, len(ids))
	for _, id := range ids {
		if o, ok := st.Order(id); ok {
			orders = append(orders, o)
		}
	}

	s.logger.Info("Paper published",
		zap.String("paperID", paperID),
		zap.Int("orders", len(orders)))
	return orders, nil
}

// Register returns the validator's profile, creating it with the starting
// balance on first use.
func (s *Service) Register(ctx context.Context, handle string) (market.ValidatorProfile, error) {
	var profile market.ValidatorProfile
	err := utils.RetryWithBackoff(ctx, func() error {
		book, err := s.repo.LoadProfiles(ctx)
		if err != nil {
			return fmt.Errorf("loading profiles: %w", err)
		}
		if p, ok := book.Get(handle); ok {
			profile = p
			return nil
		}

		next, p, err := book.Register(handle, s.startingBalance, s.now())
		if err != nil {
			return err
		}
		if err := s.repo.Commit(ctx, storage.Snapshot{Profiles: &next}); err != nil {
			return err
		}
		profile = p

		s.logger.Info("Validator registered",
			zap.String("handle", p.Handle),
			zap.String("balance", p.Balance.String()))
		return nil
	}, s.retry)
	if err != nil {
		return market.ValidatorProfile{}, err
	}
	return profile, nil
}

// Enroll creates a validator with the starting balance and stores its encoded
// login credential. Handles that already exist are rejected with
// ErrHandleTaken.
func (s *Service) Enroll(ctx context.Context, handle, credential string) (market.ValidatorProfile, error) {
	var profile market.ValidatorProfile
	err := utils.RetryWithBackoff(ctx, func() error {
		book, err := s.repo.LoadProfiles(ctx)
		if err != nil {
			return fmt.Errorf("loading profiles: %w", err)
		}
		if _, ok := book.Get(handle); ok {
			return fmt.Errorf("%q: %w", strings.TrimSpace(handle), ErrHandleTaken)
		}

		now := s.now()
		next, p, err := book.Register(handle, s.startingBalance, now)
		if err != nil {
			return err
		}
		if next, err = next.SetCredential(p.Handle, credential, now); err != nil {
			return err
		}
		if err := s.repo.Commit(ctx, storage.Snapshot{Profiles: &next}); err != nil {
			return err
		}
		profile = p

		s.logger.Info("Validator enrolled",
			zap.String("handle", p.Handle),
			zap.String("balance", p.Balance.String()))
		return nil
	}, s.retry)
	if err != nil {
		return market.ValidatorProfile{}, err
	}
	return profile, nil
}

// Credential returns the encoded login credential of a registered validator.
// Validators created without one get ErrValidatorNotFound.
func (s *Service) Credential(ctx context.Context, handle string) (string, error) {
	book, err := s.repo.LoadProfiles(ctx)
	if err != nil {
		return "", fmt.Errorf("loading profiles: %w", err)
	}
	c, ok := book.Credential(handle)
	if !ok {
		return "", fmt.Errorf("%q has no credential: %w", handle, ErrValidatorNotFound)
	}
	return c, nil
}

// Profile returns a registered validator's profile.
func (s *Service) Profile(ctx context.Context, handle string) (market.ValidatorProfile, error) {
	book, err := s.repo.LoadProfiles(ctx)
	if err != nil {
		return market.ValidatorProfile{}, fmt.Errorf("loading profiles: %w", err)
	}
	p, ok := book.Get(handle)
	if !ok {
		return market.ValidatorProfile{}, fmt.Errorf("%q: %w", handle, ErrValidatorNotFound)
	}
	return p, nil
}

// Snapshot returns the paper's marketplace.
func (s *Service) Snapshot(ctx context.Context, paperID string) (market.Store, error) {
	st, err := s.repo.LoadMarketplace(ctx, paperID)
	if err != nil {
		return market.Store{}, fmt.Errorf("loading marketplace %q: %w", paperID, err)
	}
	return st, nil
}

// Ledger returns the paper's ledger, optionally filtered to one actor.
func (s *Service) Ledger(ctx context.Context, paperID, actor string) (market.Ledger, error) {
	st, err := s.Snapshot(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if actor != "" {
		return st.Ledger.ForActor(actor), nil
	}
	return st.Ledger, nil
}

// Papers lists the ids of every marketplace in the repository.
func (s *Service) Papers(ctx context.Context) ([]string, error) {
	return s.repo.ListPapers(ctx)
}

// Claim reserves an open order for handle and locks the stake. Unknown
// handles are registered first.
func (s *Service) Claim(ctx context.Context, paperID, orderID, handle string) (market.WorkOrder, error) {
	m, err := s.update(ctx, paperID, false, func(st market.Store, book market.ProfileBook, now time.Time) (mutation, error) {
		book, profile, err := book.Register(handle, s.startingBalance, now)
		if err != nil {
			return mutation{}, err
		}
		profile, next, err := s.engine.Claim(profile, st, orderID, now)
		if err != nil {
			return mutation{}, err
		}
		book = book.Put(now, profile)
		return mutation{
			store:    &next,
			profiles: &book,
			events:   []p2p.Event{orderEvent(p2p.EventOrderClaimed, next, orderID, profile.Key(), now)},
		}, nil
	})
	if err != nil {
		return market.WorkOrder{}, err
	}

	s.logger.Info("Work order claimed",
		zap.String("paperID", paperID),
		zap.String("orderID", orderID),
		zap.String("handle", handle))
	return orderFrom(m, orderID), nil
}

// SubmitRequest is a claimant's result for an order.
type SubmitRequest struct {
	Result      market.Result `json:"result"`
	ArtifactRef string        `json:"artifactRef,omitempty"`
	Notes       string        `json:"notes,omitempty"`
}

// Submit records the claimant's result.
func (s *Service) Submit(ctx context.Context, paperID, orderID, handle string, req SubmitRequest) (market.WorkOrder, error) {
	result, err := market.ParseResult(string(req.Result))
	if err != nil {
		return market.WorkOrder{}, err
	}

	m, err := s.update(ctx, paperID, false, func(st market.Store, book market.ProfileBook, now time.Time) (mutation, error) {
		profile, ok := book.Get(handle)
		if !ok {
			profile = market.ValidatorProfile{Handle: handle}
		}
		profile, next, err := s.engine.Submit(profile, st, orderID, result, req.ArtifactRef, req.Notes, now)
		if err != nil {
			return mutation{}, err
		}
		book = book.Put(now, profile)
		return mutation{
			store:    &next,
			profiles: &book,
			events:   []p2p.Event{orderEvent(p2p.EventOrderSubmitted, next, orderID, profile.Key(), now)},
		}, nil
	})
	if err != nil {
		return market.WorkOrder{}, err
	}

	order := orderFrom(m, orderID)
	s.logger.Info("Work order submitted",
		zap.String("paperID", paperID),
		zap.String("orderID", orderID),
		zap.String("handle", handle),
		zap.String("result", string(result)),
		zap.String("status", string(order.Status)))
	return order, nil
}

// ClaimAudit reserves a pending audit for handle. Unknown handles are
// registered first.
func (s *Service) ClaimAudit(ctx context.Context, paperID, orderID, handle string) (market.WorkOrder, error) {
	m, err := s.update(ctx, paperID, false, func(st market.Store, book market.ProfileBook, now time.Time) (mutation, error) {
		book, auditor, err := book.Register(handle, s.startingBalance, now)
		if err != nil {
			return mutation{}, err
		}
		auditor, next, err := s.engine.ClaimAudit(auditor, st, orderID, now)
		if err != nil {
			return mutation{}, err
		}
		book = book.Put(now, auditor)
		return mutation{
			store:    &next,
			profiles: &book,
			events:   []p2p.Event{orderEvent(p2p.EventAuditClaimed, next, orderID, auditor.Key(), now)},
		}, nil
	})
	if err != nil {
		return market.WorkOrder{}, err
	}

	s.logger.Info("Audit claimed",
		zap.String("paperID", paperID),
		zap.String("orderID", orderID),
		zap.String("auditor", handle))
	return orderFrom(m, orderID), nil
}

// AuditRequest is an auditor's decision on an escrowed pass.
type AuditRequest struct {
	Decision    market.Decision `json:"decision"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

// SubmitAudit resolves a claimed audit. The submitter is the order's
// claimant as recorded in the store.
func (s *Service) SubmitAudit(ctx context.Context, paperID, orderID, handle string, req AuditRequest) (market.WorkOrder, error) {
	decision, err := market.ParseDecision(string(req.Decision))
	if err != nil {
		return market.WorkOrder{}, err
	}

	m, err := s.update(ctx, paperID, false, func(st market.Store, book market.ProfileBook, now time.Time) (mutation, error) {
		auditor, ok := book.Get(handle)
		if !ok {
			auditor = market.ValidatorProfile{Handle: handle}
		}
		var submitter market.ValidatorProfile
		if o, found := st.Order(orderID); found {
			if p, ok := book.Get(o.ClaimedBy()); ok {
				submitter = p
			} else {
				submitter = market.ValidatorProfile{Handle: o.ClaimedBy()}
			}
		}

		auditor, submitter, next, err := s.engine.SubmitAudit(auditor, submitter, st, orderID, decision, req.ArtifactRef, req.Notes, now)
		if err != nil {
			return mutation{}, err
		}
		book = book.Put(now, submitter, auditor)
		return mutation{
			store:    &next,
			profiles: &book,
			events:   []p2p.Event{orderEvent(p2p.EventAuditSubmitted, next, orderID, auditor.Key(), now)},
		}, nil
	})
	if err != nil {
		return market.WorkOrder{}, err
	}

	order := orderFrom(m, orderID)
	s.logger.Info("Audit submitted",
		zap.String("paperID", paperID),
		zap.String("orderID", orderID),
		zap.String("auditor", handle),
		zap.String("decision", string(decision)),
		zap.String("status", string(order.Status)))
	return order, nil
}

// Fork re-issues an order as a new open order in the same marketplace.
func (s *Service) Fork(ctx context.Context, paperID, orderID, handle string) (market.WorkOrder, error) {
	var forkID string
	m, err := s.update(ctx, paperID, false, func(st market.Store, _ market.ProfileBook, now time.Time) (mutation, error) {
		next, fork, err := s.engine.ForkIn(st, orderID, now)
		if err != nil {
			return mutation{}, err
		}
		forkID = fork.ID
		return mutation{
			store:  &next,
			events: []p2p.Event{orderEvent(p2p.EventOrderForked, next, fork.ID, market.NormalizeHandle(handle), now)},
		}, nil
	})
	if err != nil {
		return market.WorkOrder{}, err
	}

	s.logger.Info("Work order forked",
		zap.String("paperID", paperID),
		zap.String("orderID", orderID),
		zap.String("forkID", forkID))
	return orderFrom(m, forkID), nil
}

// ExpiryReport lists the orders an expiry pass released.
type ExpiryReport struct {
	PaperID string   `json:"paperId"`
	Claims  []string `json:"expiredClaims"`
	Audits  []string `json:"lapsedAudits"`
}

// Empty reports whether nothing was released.
func (r ExpiryReport) Empty() bool {
	return len(r.Claims) == 0 && len(r.Audits) == 0
}

// ExpireClaims releases every overdue claim and audit claim in the paper's
// marketplace.
func (s *Service) ExpireClaims(ctx context.Context, paperID string) (ExpiryReport, error) {
	report := ExpiryReport{PaperID: paperID}
	_, err := s.update(ctx, paperID, false, func(st market.Store, _ market.ProfileBook, now time.Time) (mutation, error) {
		claims, audits := market.Overdue(st, now)
		report.Claims, report.Audits = claims, audits
		if len(claims) == 0 && len(audits) == 0 {
			return mutation{}, nil
		}

		next := st
		var events []p2p.Event
		for _, id := range claims {
			claimant := ""
			if o, ok := next.Order(id); ok {
				claimant = o.ClaimedBy()
			}
			var err error
			if next, err = s.engine.ExpireClaim(next, id, now); err != nil {
				return mutation{}, err
			}
			events = append(events, orderEvent(p2p.EventClaimExpired, next, id, claimant, now))
		}
		for _, id := range audits {
			auditor := ""
			if o, ok := next.Order(id); ok && o.Audit != nil {
				auditor = o.Audit.Auditor
			}
			var err error
			if next, err = s.engine.ExpireAuditClaim(next, id, now); err != nil {
				return mutation{}, err
			}
			events = append(events, orderEvent(p2p.EventAuditClaimLapsed, next, id, auditor, now))
		}
		return mutation{store: &next, events: events}, nil
	})
	if err != nil {
		return ExpiryReport{PaperID: paperID}, err
	}

	if !report.Empty() {
		s.logger.Info("Expired overdue claims",
			zap.String("paperID", paperID),
			zap.Strings("claims", report.Claims),
			zap.Strings("audits", report.Audits))
	}
	return report, nil
}

// SweepExpired runs ExpireClaims over every marketplace. A failing paper
// does not stop the sweep; its error is joined into the result.
func (s *Service) SweepExpired(ctx context.Context) ([]ExpiryReport, error) {
	papers, err := s.repo.ListPapers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing papers: %w", err)
	}

	var (
		reports []ExpiryReport
		errs    []error
	)
	for _, paperID := range papers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := s.ExpireClaims(ctx, paperID)
		if err != nil {
			s.logger.Error("Expiry failed",
				zap.String("paperID", paperID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("paper %q: %w", paperID, err))
			continue
		}
		if !report.Empty() {
			reports = append(reports, report)
		}
	}

	s.logger.Debug("Expiry sweep finished",
		zap.Int("papers", len(papers)),
		zap.Int("released", len(reports)))
	return reports, errors.Join(errs...)
}

// AuditRollResult explains the audit decision for one attempt.
type AuditRollResult struct {
	PaperID  string  `json:"paperId"`
	OrderID  string  `json:"workOrderId"`
	Attempt  int     `json:"attempt"`
	Roll     float64 `json:"roll"`
	Rate     float64 `json:"rate"`
	Required bool    `json:"required"`
}

// AuditRoll recomputes the audit roll of an order's attempt. An attempt of
// zero selects the latest attempt, or the first when none was made.
func (s *Service) AuditRoll(ctx context.Context, paperID, orderID string, attempt int) (AuditRollResult, error) {
	if attempt < 0 {
		return AuditRollResult{}, &market.Error{Kind: market.ErrInvalidInput, OrderID: orderID, Msg: "attempt cannot be negative"}
	}
	st, err := s.Snapshot(ctx, paperID)
	if err != nil {
		return AuditRollResult{}, err
	}
	o, ok := st.Order(orderID)
	if !ok {
		return AuditRollResult{}, &market.Error{Kind: market.ErrNotFound, OrderID: orderID, Msg: fmt.Sprintf("no such work order in paper %q", paperID)}
	}
	if attempt == 0 {
		attempt = o.AttemptCount
		if attempt == 0 {
			attempt = 1
		}
	}
	return ComputeAuditRoll(paperID, orderID, attempt, s.engine.Rules().AuditRate), nil
}

// ComputeAuditRoll evaluates the audit roll without a repository.
func ComputeAuditRoll(paperID, orderID string, attempt int, rate float64) AuditRollResult {
	roll := prng.AuditRoll(paperID, orderID, attempt)
	return AuditRollResult{
		PaperID:  paperID,
		OrderID:  orderID,
		Attempt:  attempt,
		Roll:     roll,
		Rate:     rate,
		Required: roll < rate,
	}
}

func validPaperID(paperID string) error {
	switch paperID {
	case "", ".", "..":
		return &market.Error{Kind: market.ErrInvalidInput, Msg: fmt.Sprintf("invalid paper id %q", paperID)}
	}
	return nil
}
