package market

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repro_market/pkg/prng"
)

// TestBalanceConservation drives a random sequence of operations and checks
// that every profile's balance equals its starting balance plus the ledger
// entries recorded against it.
func TestBalanceConservation(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 2024} {
		rng := rand.New(rand.NewSource(seed))
		e := newEngine(t, 0.5)

		orders, err := e.GenerateWorkOrders(Paper{ID: "conservation"}, nil, nil, t0)
		require.NoError(t, err)
		s, err := NewStore("conservation", t0).AddOrders(t0, orders...)
		require.NoError(t, err)

		handles := []string{"alice", "bob", "carol", "dave"}
		start := dec(60)
		profiles := make(map[string]ValidatorProfile, len(handles))
		for _, h := range handles {
			profiles[h] = newProfile(t, h, 60)
		}

		now := t0
		for step := 0; step < 400; step++ {
			now = now.Add(time.Duration(rng.Intn(90)+1) * time.Minute)
			order := s.Orders[rng.Intn(len(s.Orders))]
			actor := profiles[handles[rng.Intn(len(handles))]]

			var next Store
			var opErr error
			switch rng.Intn(6) {
			case 0, 1:
				var p ValidatorProfile
				p, next, opErr = e.Claim(actor, s, order.ID, now)
				if opErr == nil {
					profiles[p.Key()] = p
				}
			case 2:
				result := ResultPass
				if rng.Intn(2) == 0 {
					result = ResultFail
				}
				var p ValidatorProfile
				p, next, opErr = e.Submit(actor, s, order.ID, result, "", "", now)
				if opErr == nil {
					profiles[p.Key()] = p
				}
			case 3:
				var a ValidatorProfile
				a, next, opErr = e.ClaimAudit(actor, s, order.ID, now)
				if opErr == nil {
					profiles[a.Key()] = a
				}
			case 4:
				decision := DecisionConfirm
				if rng.Intn(2) == 0 {
					decision = DecisionReject
				}
				submitter := profiles[order.ClaimedBy()]
				var a, sub ValidatorProfile
				a, sub, next, opErr = e.SubmitAudit(actor, submitter, s, order.ID, decision, "", "", now)
				if opErr == nil {
					profiles[a.Key()] = a
					profiles[sub.Key()] = sub
				}
			case 5:
				next, opErr = e.ExpireClaim(s, order.ID, now)
			}
			if opErr != nil {
				assert.NotEmpty(t, Code(opErr), "seed %d step %d: %v", seed, step, opErr)
				continue
			}
			require.NoError(t, next.Validate(), "seed %d step %d", seed, step)
			require.GreaterOrEqual(t, len(next.Ledger), len(s.Ledger))
			require.Equal(t, s.Ledger, next.Ledger[:len(s.Ledger)], "ledger is append-only")
			s = next
		}

		for _, h := range handles {
			want := start.Add(s.Ledger.NetChange(h))
			got := profiles[h].Balance
			assert.True(t, want.Equal(got), "seed %d %s: ledger implies %s, profile holds %s", seed, h, want, got)
			assert.False(t, got.IsNegative())
			assert.GreaterOrEqual(t, profiles[h].Reputation, 0)
		}
	}
}

func TestRollbackCompleteness(t *testing.T) {
	check := func(t *testing.T, o WorkOrder) {
		t.Helper()
		assert.Equal(t, StatusOpen, o.Status)
		assert.Nil(t, o.Claim)
		assert.Empty(t, o.ClaimedBy())
		assert.Nil(t, o.Audit)
		require.NoError(t, o.Validate())
	}

	t.Run("Fail", func(t *testing.T) {
		e := newEngine(t, 0)
		s, id := scenarioStore(t, e)
		alice, s, err := e.Claim(newProfile(t, "alice", 100), s, id, t0)
		require.NoError(t, err)
		_, s, err = e.Submit(alice, s, id, ResultFail, "", "", t0)
		require.NoError(t, err)
		check(t, mustOrder(t, s, id))
	})

	t.Run("Reject", func(t *testing.T) {
		e := newEngine(t, 1)
		alice, s, id := escrowed(t, e, 0)
		bob, s, err := e.ClaimAudit(newProfile(t, "bob", 0), s, id, t0)
		require.NoError(t, err)
		_, _, s, err = e.SubmitAudit(bob, alice, s, id, DecisionReject, "", "", t0)
		require.NoError(t, err)
		check(t, mustOrder(t, s, id))
	})
}

func TestAuditRollIsRecomputable(t *testing.T) {
	e := newEngine(t, 0.35)
	orders, err := e.GenerateWorkOrders(Paper{ID: "paper-9"}, nil, nil, t0)
	require.NoError(t, err)
	s, err := NewStore("paper-9", t0).AddOrders(t0, orders...)
	require.NoError(t, err)

	for _, o := range s.Orders {
		p := newProfile(t, "alice", 100)
		p, claimed, err := e.Claim(p, s, o.ID, t0)
		require.NoError(t, err)
		_, after, err := e.Submit(p, claimed, o.ID, ResultPass, "", "", t0)
		require.NoError(t, err)

		got := mustOrder(t, after, o.ID)
		if got.Audit != nil {
			assert.Less(t, got.Audit.Roll, 0.35)
			assert.Equal(t, got.Audit.Roll, auditRollFor(got))
		} else {
			assert.Equal(t, StatusPassed, got.Status)
			assert.GreaterOrEqual(t, auditRollFor(got), 0.35)
		}
	}
}

func auditRollFor(o WorkOrder) float64 {
	return prng.AuditRoll(o.PaperID, o.ID, o.AttemptCount)
}
