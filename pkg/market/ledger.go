package market

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"repro_market/pkg/prng"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryStakeLock   EntryType = "stake_lock"
	EntryStakeRefund EntryType = "stake_refund"
	EntryStakeSlash  EntryType = "stake_slash"
	EntryReward      EntryType = "reward"
)

var ledgerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("repro-market:ledger"))

// LedgerEntry is an immutable record of a balance-affecting event. Amount is
// the signed change applied to Actor's balance.
type LedgerEntry struct {
	ID      string          `json:"id"`
	At      time.Time       `json:"timestamp"`
	Type    EntryType       `json:"type"`
	Amount  decimal.Decimal `json:"amount"`
	PaperID string          `json:"paperId"`
	OrderID string          `json:"workOrderId"`
	Actor   string          `json:"actor"`
	Detail  string          `json:"detail,omitempty"`
}

// Ledger is the append-only log of a marketplace.
type Ledger []LedgerEntry

// ForOrder returns the entries recorded against a work order.
func (l Ledger) ForOrder(orderID string) Ledger {
	var out Ledger
	for _, e := range l {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}

// ForActor returns the entries affecting handle's balance.
func (l Ledger) ForActor(handle string) Ledger {
	key := NormalizeHandle(handle)
	var out Ledger
	for _, e := range l {
		if e.Actor == key {
			out = append(out, e)
		}
	}
	return out
}

// NetChange sums the amounts recorded for handle.
func (l Ledger) NetChange(handle string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.ForActor(handle) {
		total = total.Add(e.Amount)
	}
	return total
}

// Totals sums amounts per entry type.
func (l Ledger) Totals() map[EntryType]decimal.Decimal {
	out := make(map[EntryType]decimal.Decimal)
	for _, e := range l {
		out[e.Type] = out[e.Type].Add(e.Amount)
	}
	return out
}

// Since returns the entries appended after the first n.
func (l Ledger) Since(n int) Ledger {
	if n >= len(l) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	out := make(Ledger, len(l)-n)
	copy(out, l[n:])
	return out
}

// appendEntry records a ledger entry for order. Entry ids are derived from
// the entry's position so replaying the same operations reproduces them.
func (s *Store) appendEntry(typ EntryType, amount decimal.Decimal, order WorkOrder, actor, detail string, now time.Time) {
	seq := len(s.Ledger)
	id := uuid.NewSHA1(ledgerNamespace, []byte(prng.Key(s.PaperID, order.ID, seq, typ)))
	s.Ledger = append(s.Ledger, LedgerEntry{
		ID:      id.String(),
		At:      now,
		Type:    typ,
		Amount:  amount,
		PaperID: s.PaperID,
		OrderID: order.ID,
		Actor:   NormalizeHandle(actor),
		Detail:  detail,
	})
}
