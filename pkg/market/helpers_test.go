package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newEngine(t *testing.T, auditRate float64) *Engine {
	t.Helper()
	rules := DefaultRules()
	rules.AuditRate = auditRate
	e, err := NewEngine(rules)
	require.NoError(t, err)
	return e
}

func newProfile(t *testing.T, handle string, balance int64) ValidatorProfile {
	t.Helper()
	p, err := NewValidatorProfile(handle, dec(balance), t0)
	require.NoError(t, err)
	return p
}

// scenarioStore holds a single open order with stake 20 and reward 80.
func scenarioStore(t *testing.T, e *Engine) (Store, string) {
	t.Helper()
	orders, err := e.GenerateWorkOrders(Paper{ID: "paper-1"}, nil, []PaperClaim{{Text: "Accuracy reaches 91%"}}, t0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	orders[0].Terms = Terms{StakeELF: dec(20), RewardELF: dec(80), RepReward: 8, RepSlash: 5}

	s, err := NewStore("paper-1", t0).AddOrders(t0, orders...)
	require.NoError(t, err)
	return s, orders[0].ID
}

func mustOrder(t *testing.T, s Store, id string) WorkOrder {
	t.Helper()
	o, ok := s.Order(id)
	require.True(t, ok, "order %s missing", id)
	return o
}

func requireDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(dec(want)), "want %d, got %s", want, got)
}
