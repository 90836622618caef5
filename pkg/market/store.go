package market

import (
	"time"
)

// StoreVersion is the schema version written into new stores.
const StoreVersion = 1

// Store is the per-paper aggregate of work orders and their ledger. It is
// the unit exchanged with the persistence layer.
type Store struct {
	Version int `json:"version"`
	// Revision is bumped by the persistence layer on every successful save.
	Revision  int64       `json:"revision"`
	UpdatedAt time.Time   `json:"updatedAt"`
	PaperID   string      `json:"paperId"`
	Orders    []WorkOrder `json:"orders"`
	Ledger    Ledger      `json:"ledger"`
}

// NewStore returns an empty store for paperID.
func NewStore(paperID string, now time.Time) Store {
	return Store{
		Version:   StoreVersion,
		UpdatedAt: now,
		PaperID:   paperID,
		Orders:    []WorkOrder{},
		Ledger:    Ledger{},
	}
}

// Clone returns a deep copy of the store.
func (s Store) Clone() Store {
	out := s
	out.Orders = make([]WorkOrder, len(s.Orders))
	for i, o := range s.Orders {
		out.Orders[i] = o.Clone()
	}
	out.Ledger = make(Ledger, len(s.Ledger))
	copy(out.Ledger, s.Ledger)
	return out
}

// Order returns the work order with the given id.
func (s Store) Order(id string) (WorkOrder, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Orders[i], true
	}
	return WorkOrder{}, false
}

// OrdersByStatus returns the orders currently in status.
func (s Store) OrdersByStatus(status Status) []WorkOrder {
	var out []WorkOrder
	for _, o := range s.Orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// AddOrders returns a copy of the store with orders appended. Orders must
// belong to the store's paper and must not reuse an existing id.
func (s Store) AddOrders(now time.Time, orders ...WorkOrder) (Store, error) {
	next := s.Clone()
	for _, o := range orders {
		if o.PaperID != s.PaperID {
			return Store{}, failf(ErrInvalidInput, o.ID, "order belongs to paper %q, store holds %q", o.PaperID, s.PaperID)
		}
		if next.indexOf(o.ID) >= 0 {
			return Store{}, failf(ErrInvalidInput, o.ID, "duplicate work order id")
		}
		if err := o.Validate(); err != nil {
			return Store{}, err
		}
		next.Orders = append(next.Orders, o.Clone())
	}
	next.UpdatedAt = now
	return next, nil
}

// Validate checks every order's invariants.
func (s Store) Validate() error {
	if s.PaperID == "" {
		return failf(ErrInvalidInput, "", "store has no paper id")
	}
	seen := make(map[string]bool, len(s.Orders))
	for _, o := range s.Orders {
		if seen[o.ID] {
			return failf(ErrInvalidInput, o.ID, "duplicate work order id")
		}
		seen[o.ID] = true
		if o.PaperID != s.PaperID {
			return failf(ErrInvalidInput, o.ID, "order belongs to paper %q", o.PaperID)
		}
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Store) indexOf(id string) int {
	for i := range s.Orders {
		if s.Orders[i].ID == id {
			return i
		}
	}
	return -1
}

// locate returns the index of orderID or a NotFound error.
func (s Store) locate(orderID string) (int, error) {
	i := s.indexOf(orderID)
	if i < 0 {
		return -1, failf(ErrNotFound, orderID, "no such work order in paper %q", s.PaperID)
	}
	return i, nil
}

// Validate checks the status-dependent invariants of a work order.
func (o WorkOrder) Validate() error {
	if o.ID == "" {
		return failf(ErrInvalidInput, "", "work order has no id")
	}
	if o.StakeELF.IsNegative() || o.RewardELF.IsNegative() {
		return failf(ErrInvalidInput, o.ID, "stake and reward must be non-negative")
	}
	if o.AttemptCount < 0 {
		return failf(ErrInvalidInput, o.ID, "attempt count cannot be negative")
	}
	switch o.Status {
	case StatusOpen:
		if o.Claim != nil || o.Audit != nil {
			return failf(ErrInvalidState, o.ID, "open order carries claim or audit")
		}
	case StatusClaimed:
		if o.Claim == nil || o.Audit != nil {
			return failf(ErrInvalidState, o.ID, "claimed order must carry a claim and no audit")
		}
	case StatusPendingAudit:
		if o.Claim == nil || o.Audit == nil {
			return failf(ErrInvalidState, o.ID, "pending-audit order must carry claim and audit")
		}
		if o.Audit.Status != AuditPending && o.Audit.Status != AuditClaimed {
			return failf(ErrInvalidState, o.ID, "pending-audit order has resolved audit %q", o.Audit.Status)
		}
		if o.Audit.Auditor != "" && o.Audit.Auditor == o.Claim.By {
			return failf(ErrSelfAuditForbidden, o.ID, "auditor equals claimant")
		}
	case StatusPassed:
		if o.Claim == nil {
			return failf(ErrInvalidState, o.ID, "passed order must carry its claim")
		}
		if o.Audit != nil && o.Audit.Status != AuditConfirmed {
			return failf(ErrInvalidState, o.ID, "passed order has unconfirmed audit %q", o.Audit.Status)
		}
	default:
		return failf(ErrInvalidState, o.ID, "unknown status %q", o.Status)
	}
	return nil
}
