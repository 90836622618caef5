package marketplace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"repro_market/pkg/market"
	"repro_market/pkg/p2p"
	"repro_market/pkg/prng"
	"repro_market/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []p2p.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e p2p.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) Types() []p2p.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]p2p.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// conflictingRepo fails the first n commits with a revision conflict.
type conflictingRepo struct {
	*storage.MemoryRepository
	mu       sync.Mutex
	failures int
	commits  int
}

func (r *conflictingRepo) Commit(ctx context.Context, snap storage.Snapshot) error {
	r.mu.Lock()
	r.commits++
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return fmt.Errorf("simulated: %w", storage.ErrConflict)
	}
	r.mu.Unlock()
	return r.MemoryRepository.Commit(ctx, snap)
}

type fixture struct {
	svc       *Service
	repo      storage.Repository
	publisher *recordingPublisher
	clock     *fakeClock
}

func newFixture(t *testing.T, auditRate float64, repo storage.Repository) *fixture {
	t.Helper()
	rules := market.DefaultRules()
	rules.AuditRate = auditRate
	engine, err := market.NewEngine(rules)
	require.NoError(t, err)

	if repo == nil {
		repo = storage.NewMemoryRepository()
	}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}

	svc, err := NewService(repo, engine, publisher, Options{
		StartingBalance: decimal.NewFromInt(100),
		CommitRetries:   3,
		Clock:           clock.Now,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &fixture{svc: svc, repo: repo, publisher: publisher, clock: clock}
}

// publish creates paper-1 with the three default checks. Default bounty
// terms are stake 5, reward 25, repReward 5, repSlash 3.
func (f *fixture) publish(t *testing.T) []market.WorkOrder {
	t.Helper()
	orders, err := f.svc.PublishPaper(context.Background(), PublishRequest{Paper: market.Paper{ID: "paper-1"}})
	require.NoError(t, err)
	require.Len(t, orders, 3)
	return orders
}

func (f *fixture) profile(t *testing.T, handle string) market.ValidatorProfile {
	t.Helper()
	p, err := f.svc.Profile(context.Background(), handle)
	require.NoError(t, err)
	return p
}

func requireBalance(t *testing.T, want int64, p market.ValidatorProfile) {
	t.Helper()
	require.True(t, p.Balance.Equal(decimal.NewFromInt(want)), "%s: want balance %d, got %s", p.Handle, want, p.Balance)
}

func TestNewService(t *testing.T) {
	engine, err := market.NewEngine(market.DefaultRules())
	require.NoError(t, err)

	_, err = NewService(nil, engine, nil, Options{}, nil)
	assert.Error(t, err)

	_, err = NewService(storage.NewMemoryRepository(), nil, nil, Options{}, nil)
	assert.Error(t, err)

	_, err = NewService(storage.NewMemoryRepository(), engine, nil, Options{StartingBalance: decimal.NewFromInt(-1)}, nil)
	assert.Error(t, err)

	svc, err := NewService(storage.NewMemoryRepository(), engine, nil, Options{}, nil)
	require.NoError(t, err)
	assert.Same(t, engine, svc.Engine())
}

func TestPublishPaper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.35, nil)

	orders := f.publish(t)
	for _, o := range orders {
		assert.Equal(t, market.StatusOpen, o.Status)
		assert.Equal(t, "paper-1", o.PaperID)
		assert.True(t, o.RewardELF.Equal(decimal.NewFromInt(25)))
	}

	t.Run("Idempotent", func(t *testing.T) {
		again, err := f.svc.PublishPaper(ctx, PublishRequest{Paper: market.Paper{ID: "paper-1"}})
		require.NoError(t, err)
		require.Len(t, again, 3)
		for i := range orders {
			assert.Equal(t, orders[i].ID, again[i].ID)
		}

		st, err := f.svc.Snapshot(ctx, "paper-1")
		require.NoError(t, err)
		assert.Len(t, st.Orders, 3)
		assert.Equal(t, []p2p.EventType{p2p.EventOrdersPublished}, f.publisher.Types())
	})

	t.Run("AddsNewClaims", func(t *testing.T) {
		added, err := f.svc.PublishPaper(ctx, PublishRequest{
			Paper:  market.Paper{ID: "paper-1"},
			Claims: []market.PaperClaim{{Text: "Table 2 ablation holds"}},
		})
		require.NoError(t, err)
		require.Len(t, added, 1)

		st, err := f.svc.Snapshot(ctx, "paper-1")
		require.NoError(t, err)
		assert.Len(t, st.Orders, 4)
	})

	t.Run("InvalidPaperID", func(t *testing.T) {
		_, err := f.svc.PublishPaper(ctx, PublishRequest{Paper: market.Paper{ID: ".."}})
		assert.ErrorIs(t, err, market.ErrInvalidInput)
	})

	t.Run("Listed", func(t *testing.T) {
		papers, err := f.svc.Papers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"paper-1"}, papers)
	})
}

func TestRegisterAndProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.35, nil)

	_, err := f.svc.Profile(ctx, "alice")
	assert.ErrorIs(t, err, ErrValidatorNotFound)

	p, err := f.svc.Register(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Handle)
	requireBalance(t, 100, p)

	again, err := f.svc.Register(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, p, again)

	_, err = f.svc.Register(ctx, "   ")
	assert.ErrorIs(t, err, market.ErrInvalidInput)
}

func TestEnrollAndCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.35, nil)

	p, err := f.svc.Enroll(ctx, "Alice", "encoded-secret")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Handle)
	requireBalance(t, 100, p)

	c, err := f.svc.Credential(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "encoded-secret", c)

	_, err = f.svc.Enroll(ctx, " alice ", "other-secret")
	assert.ErrorIs(t, err, ErrHandleTaken)
	c, err = f.svc.Credential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "encoded-secret", c, "a taken handle keeps its credential")

	_, err = f.svc.Enroll(ctx, "bob", "")
	assert.ErrorIs(t, err, market.ErrInvalidInput)
	_, err = f.svc.Profile(ctx, "bob")
	assert.ErrorIs(t, err, ErrValidatorNotFound, "a failed enrollment is not persisted")

	_, err = f.svc.Register(ctx, "carol")
	require.NoError(t, err)
	_, err = f.svc.Credential(ctx, "carol")
	assert.ErrorIs(t, err, ErrValidatorNotFound)
	_, err = f.svc.Enroll(ctx, "carol", "encoded")
	assert.ErrorIs(t, err, ErrHandleTaken)
}

func TestClaimAndSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("AutoRegistersAndLocksStake", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		orders := f.publish(t)

		o, err := f.svc.Claim(ctx, "paper-1", orders[0].ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, market.StatusClaimed, o.Status)
		assert.Equal(t, "alice", o.ClaimedBy())
		requireBalance(t, 95, f.profile(t, "alice"))

		_, err = f.svc.Claim(ctx, "paper-1", orders[0].ID, "bob")
		assert.ErrorIs(t, err, market.ErrInvalidState)
	})

	t.Run("PassSettlesWithoutAudit", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		orders := f.publish(t)

		_, err := f.svc.Claim(ctx, "paper-1", orders[0].ID, "alice")
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, "paper-1", orders[0].ID, "bob", SubmitRequest{Result: market.ResultPass})
		assert.ErrorIs(t, err, market.ErrNotClaimant)

		o, err := f.svc.Submit(ctx, "paper-1", orders[0].ID, "alice", SubmitRequest{Result: "PASS", ArtifactRef: "s3://run/1"})
		require.NoError(t, err)
		assert.Equal(t, market.StatusPassed, o.Status)
		assert.Equal(t, 1, o.AttemptCount)

		alice := f.profile(t, "alice")
		requireBalance(t, 125, alice)
		assert.Equal(t, 5, alice.Reputation)

		ledger, err := f.svc.Ledger(ctx, "paper-1", "alice")
		require.NoError(t, err)
		totals := ledger.Totals()
		assert.True(t, totals[market.EntryStakeLock].Equal(decimal.NewFromInt(-5)))
		assert.True(t, totals[market.EntryReward].Equal(decimal.NewFromInt(25)))
		assert.True(t, ledger.NetChange("alice").Equal(decimal.NewFromInt(25)))

		assert.Equal(t, []p2p.EventType{
			p2p.EventOrdersPublished,
			p2p.EventOrderClaimed,
			p2p.EventOrderSubmitted,
		}, f.publisher.Types())
	})

	t.Run("FailBurnsStake", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		orders := f.publish(t)

		_, err := f.svc.Claim(ctx, "paper-1", orders[1].ID, "alice")
		require.NoError(t, err)
		o, err := f.svc.Submit(ctx, "paper-1", orders[1].ID, "alice", SubmitRequest{Result: market.ResultFail})
		require.NoError(t, err)
		assert.Equal(t, market.StatusOpen, o.Status)
		assert.Nil(t, o.Claim)

		alice := f.profile(t, "alice")
		requireBalance(t, 95, alice)
		assert.Equal(t, 0, alice.Reputation)
	})

	t.Run("InvalidResult", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		orders := f.publish(t)

		_, err := f.svc.Submit(ctx, "paper-1", orders[0].ID, "alice", SubmitRequest{Result: "maybe"})
		assert.ErrorIs(t, err, market.ErrInvalidInput)
	})

	t.Run("InsufficientStake", func(t *testing.T) {
		engine, err := market.NewEngine(market.DefaultRules())
		require.NoError(t, err)
		svc, err := NewService(storage.NewMemoryRepository(), engine, nil, Options{}, zaptest.NewLogger(t))
		require.NoError(t, err)

		orders, err := svc.PublishPaper(ctx, PublishRequest{Paper: market.Paper{ID: "paper-1"}})
		require.NoError(t, err)

		_, err = svc.Claim(ctx, "paper-1", orders[0].ID, "pauper")
		assert.ErrorIs(t, err, market.ErrInsufficientStake)

		_, err = svc.Profile(ctx, "pauper")
		assert.ErrorIs(t, err, ErrValidatorNotFound, "failed claims must not register the handle")
	})

	t.Run("UnknownPaperAndOrder", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		f.publish(t)

		_, err := f.svc.Claim(ctx, "paper-404", "x", "alice")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = f.svc.Claim(ctx, "paper-1", "x", "alice")
		assert.ErrorIs(t, err, market.ErrNotFound)
	})
}

func TestAuditFlow(t *testing.T) {
	ctx := context.Background()

	escrow := func(t *testing.T) (*fixture, string) {
		f := newFixture(t, 1, nil)
		orders := f.publish(t)
		id := orders[0].ID

		_, err := f.svc.Claim(ctx, "paper-1", id, "alice")
		require.NoError(t, err)
		o, err := f.svc.Submit(ctx, "paper-1", id, "alice", SubmitRequest{Result: market.ResultPass})
		require.NoError(t, err)
		require.Equal(t, market.StatusPendingAudit, o.Status)
		requireBalance(t, 95, f.profile(t, "alice"))
		return f, id
	}

	t.Run("Confirm", func(t *testing.T) {
		f, id := escrow(t)

		_, err := f.svc.ClaimAudit(ctx, "paper-1", id, "ALICE")
		assert.ErrorIs(t, err, market.ErrSelfAuditForbidden)

		o, err := f.svc.ClaimAudit(ctx, "paper-1", id, "bob")
		require.NoError(t, err)
		assert.Equal(t, market.AuditClaimed, o.Audit.Status)

		_, err = f.svc.SubmitAudit(ctx, "paper-1", id, "carol", AuditRequest{Decision: market.DecisionConfirm})
		assert.ErrorIs(t, err, market.ErrNotAuditClaimant)

		o, err = f.svc.SubmitAudit(ctx, "paper-1", id, "bob", AuditRequest{Decision: "confirm", Notes: "reran"})
		require.NoError(t, err)
		assert.Equal(t, market.StatusPassed, o.Status)

		reward, rep := market.AuditRewardFor(o.Terms)
		bob := f.profile(t, "bob")
		require.True(t, bob.Balance.Equal(decimal.NewFromInt(100).Add(reward)))
		assert.Equal(t, rep, bob.Reputation)

		alice := f.profile(t, "alice")
		requireBalance(t, 125, alice)
		assert.Equal(t, 5, alice.Reputation)
	})

	t.Run("Reject", func(t *testing.T) {
		f, id := escrow(t)

		_, err := f.svc.ClaimAudit(ctx, "paper-1", id, "bob")
		require.NoError(t, err)
		o, err := f.svc.SubmitAudit(ctx, "paper-1", id, "bob", AuditRequest{Decision: market.DecisionReject})
		require.NoError(t, err)
		assert.Equal(t, market.StatusOpen, o.Status)
		assert.Nil(t, o.Claim)
		require.Len(t, o.AuditHistory, 1)
		assert.Equal(t, market.AuditRejected, o.AuditHistory[0].Status)

		requireBalance(t, 95, f.profile(t, "alice"))

		reward, _ := market.AuditRewardFor(o.Terms)
		assert.True(t, f.profile(t, "bob").Balance.Equal(decimal.NewFromInt(100).Add(reward)))
	})

	t.Run("InvalidDecision", func(t *testing.T) {
		f, id := escrow(t)
		_, err := f.svc.SubmitAudit(ctx, "paper-1", id, "bob", AuditRequest{Decision: "shrug"})
		assert.ErrorIs(t, err, market.ErrInvalidInput)
	})
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)
	orders := f.publish(t)

	fork, err := f.svc.Fork(ctx, "paper-1", orders[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, orders[0].ID, fork.ForkOf)
	assert.Equal(t, market.StatusOpen, fork.Status)
	assert.Equal(t, 0, fork.AttemptCount)
	assert.NotEqual(t, orders[0].Seed, fork.Seed)
	assert.True(t, fork.StakeELF.Equal(orders[0].StakeELF))

	again, err := f.svc.Fork(ctx, "paper-1", orders[0].ID, "alice")
	require.NoError(t, err, "a second fork at the same instant gets its own id")
	assert.NotEqual(t, fork.ID, again.ID)

	st, err := f.svc.Snapshot(ctx, "paper-1")
	require.NoError(t, err)
	assert.Len(t, st.Orders, 5)

	_, err = f.svc.Fork(ctx, "paper-1", "missing", "alice")
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestExpireClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, nil)
	orders := f.publish(t)

	_, err := f.svc.Claim(ctx, "paper-1", orders[0].ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "paper-1", orders[1].ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "paper-1", orders[1].ID, "alice", SubmitRequest{Result: market.ResultPass})
	require.NoError(t, err)
	_, err = f.svc.ClaimAudit(ctx, "paper-1", orders[1].ID, "bob")
	require.NoError(t, err)

	report, err := f.svc.ExpireClaims(ctx, "paper-1")
	require.NoError(t, err)
	assert.True(t, report.Empty())

	f.clock.Advance(25 * time.Hour)

	reports, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{orders[0].ID}, reports[0].Claims)
	assert.Equal(t, []string{orders[1].ID}, reports[0].Audits)

	st, err := f.svc.Snapshot(ctx, "paper-1")
	require.NoError(t, err)

	expired, _ := st.Order(orders[0].ID)
	assert.Equal(t, market.StatusOpen, expired.Status)
	assert.Equal(t, 1, expired.AttemptCount)

	lapsed, _ := st.Order(orders[1].ID)
	assert.Equal(t, market.StatusPendingAudit, lapsed.Status)
	assert.Equal(t, market.AuditPending, lapsed.Audit.Status)
	assert.Empty(t, lapsed.Audit.Auditor)

	// The stake stays burned. Only the escrowed order's claimant stake is
	// still outstanding.
	requireBalance(t, 90, f.profile(t, "alice"))

	types := f.publisher.Types()
	assert.Contains(t, types, p2p.EventClaimExpired)
	assert.Contains(t, types, p2p.EventAuditClaimLapsed)

	reports, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestAuditRoll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.35, nil)
	orders := f.publish(t)
	id := orders[0].ID

	res, err := f.svc.AuditRoll(ctx, "paper-1", id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, prng.AuditRoll("paper-1", id, 1), res.Roll)
	assert.Equal(t, res.Roll < 0.35, res.Required)

	res, err = f.svc.AuditRoll(ctx, "paper-1", id, 3)
	require.NoError(t, err)
	assert.Equal(t, ComputeAuditRoll("paper-1", id, 3, 0.35), res)

	_, err = f.svc.AuditRoll(ctx, "paper-1", id, -1)
	assert.ErrorIs(t, err, market.ErrInvalidInput)

	_, err = f.svc.AuditRoll(ctx, "paper-1", "missing", 1)
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestCommitConflictRetry(t *testing.T) {
	ctx := context.Background()
	repo := &conflictingRepo{MemoryRepository: storage.NewMemoryRepository()}
	f := newFixture(t, 0, repo)
	orders := f.publish(t)

	repo.mu.Lock()
	repo.failures = 2
	repo.commits = 0
	repo.mu.Unlock()

	_, err := f.svc.Claim(ctx, "paper-1", orders[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, repo.commits)
	requireBalance(t, 95, f.profile(t, "alice"))

	repo.mu.Lock()
	repo.failures = 5
	repo.mu.Unlock()

	_, err = f.svc.Claim(ctx, "paper-1", orders[1].ID, "alice")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)
	orders := f.publish(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Claim(ctx, "paper-1", orders[0].ID, fmt.Sprintf("validator-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.ErrorIs(t, err, market.ErrInvalidState)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	st, err := f.svc.Snapshot(ctx, "paper-1")
	require.NoError(t, err)
	assert.Len(t, st.Ledger, 1)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.publisher.err = errors.New("network down")

	orders := f.publish(t)
	_, err := f.svc.Claim(context.Background(), "paper-1", orders[0].ID, "alice")
	require.NoError(t, err)
	assert.Len(t, f.publisher.Types(), 2)
}
