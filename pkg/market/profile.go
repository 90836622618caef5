package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProfileBookVersion is the schema version written into new profile books.
const ProfileBookVersion = 1

// ValidatorProfile is an actor's balance and reputation.
type ValidatorProfile struct {
	Handle     string          `json:"handle"`
	Reputation int             `json:"reputation"`
	Balance    decimal.Decimal `json:"balance"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NormalizeHandle returns the case-insensitive lookup key for a handle.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// NewValidatorProfile creates a profile with the given starting balance.
func NewValidatorProfile(handle string, balance decimal.Decimal, now time.Time) (ValidatorProfile, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ValidatorProfile{}, failf(ErrInvalidInput, "", "handle cannot be empty")
	}
	if balance.IsNegative() {
		return ValidatorProfile{}, failf(ErrInvalidInput, "", "starting balance cannot be negative")
	}
	return ValidatorProfile{
		Handle:    handle,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Key returns the normalized handle.
func (p ValidatorProfile) Key() string {
	return NormalizeHandle(p.Handle)
}

// Is reports whether the profile belongs to handle.
func (p ValidatorProfile) Is(handle string) bool {
	key := p.Key()
	return key != "" && key == NormalizeHandle(handle)
}

// adjust applies a balance delta and a reputation delta, flooring reputation
// at zero.
func (p ValidatorProfile) adjust(balance decimal.Decimal, reputation int, now time.Time) ValidatorProfile {
	p.Balance = p.Balance.Add(balance)
	p.Reputation += reputation
	if p.Reputation < 0 {
		p.Reputation = 0
	}
	p.UpdatedAt = now
	return p
}

// ProfileBook is the persisted map of validator profiles.
type ProfileBook struct {
	Version      int                         `json:"version"`
	Revision     int64                       `json:"revision"`
	UpdatedAt    time.Time                   `json:"updatedAt"`
	ActiveHandle string                      `json:"activeHandle,omitempty"`
	Profiles     map[string]ValidatorProfile `json:"profilesByHandle"`
	// Credentials holds encoded login secrets by normalized handle.
	Credentials map[string]string `json:"credentialsByHandle,omitempty"`
}

// NewProfileBook returns an empty book.
func NewProfileBook(now time.Time) ProfileBook {
	return ProfileBook{
		Version:   ProfileBookVersion,
		UpdatedAt: now,
		Profiles:  make(map[string]ValidatorProfile),
	}
}

// Clone returns a deep copy of the book.
func (b ProfileBook) Clone() ProfileBook {
	out := b
	out.Profiles = make(map[string]ValidatorProfile, len(b.Profiles))
	for k, v := range b.Profiles {
		out.Profiles[k] = v
	}
	out.Credentials = make(map[string]string, len(b.Credentials))
	for k, v := range b.Credentials {
		out.Credentials[k] = v
	}
	return out
}

// Get looks a profile up by handle, case-insensitively.
func (b ProfileBook) Get(handle string) (ValidatorProfile, bool) {
	p, ok := b.Profiles[NormalizeHandle(handle)]
	return p, ok
}

// Put returns a copy of the book with p stored under its key.
func (b ProfileBook) Put(now time.Time, profiles ...ValidatorProfile) ProfileBook {
	out := b.Clone()
	for _, p := range profiles {
		out.Profiles[p.Key()] = p
	}
	out.UpdatedAt = now
	return out
}

// Register returns the existing profile for handle, or creates one with the
// starting balance. The returned book contains the profile either way.
func (b ProfileBook) Register(handle string, startingBalance decimal.Decimal, now time.Time) (ProfileBook, ValidatorProfile, error) {
	if p, ok := b.Get(handle); ok {
		return b.Clone(), p, nil
	}
	p, err := NewValidatorProfile(handle, startingBalance, now)
	if err != nil {
		return ProfileBook{}, ValidatorProfile{}, err
	}
	return b.Put(now, p), p, nil
}

// Credential returns the encoded login secret stored for handle.
func (b ProfileBook) Credential(handle string) (string, bool) {
	c, ok := b.Credentials[NormalizeHandle(handle)]
	return c, ok && c != ""
}

// SetCredential returns a copy of the book with handle's encoded login
// secret replaced.
func (b ProfileBook) SetCredential(handle, credential string, now time.Time) (ProfileBook, error) {
	if _, ok := b.Get(handle); !ok {
		return ProfileBook{}, failf(ErrInvalidInput, "", "unknown handle %q", handle)
	}
	if credential == "" {
		return ProfileBook{}, failf(ErrInvalidInput, "", "credential cannot be empty")
	}
	out := b.Clone()
	out.Credentials[NormalizeHandle(handle)] = credential
	out.UpdatedAt = now
	return out, nil
}

// SetActive marks handle as the book's active identity.
func (b ProfileBook) SetActive(handle string, now time.Time) (ProfileBook, error) {
	if _, ok := b.Get(handle); !ok {
		return ProfileBook{}, failf(ErrInvalidInput, "", "unknown handle %q", handle)
	}
	out := b.Clone()
	out.ActiveHandle = NormalizeHandle(handle)
	out.UpdatedAt = now
	return out, nil
}

// Validate checks the book's invariants.
func (b ProfileBook) Validate() error {
	for key, p := range b.Profiles {
		if key != p.Key() {
			return failf(ErrInvalidInput, "", "profile %q stored under key %q", p.Handle, key)
		}
		if p.Balance.IsNegative() {
			return failf(ErrInvalidInput, "", "profile %q has negative balance", p.Handle)
		}
		if p.Reputation < 0 {
			return failf(ErrInvalidInput, "", "profile %q has negative reputation", p.Handle)
		}
	}
	for key := range b.Credentials {
		if _, ok := b.Profiles[key]; !ok {
			return failf(ErrInvalidInput, "", "credential stored for unknown handle %q", key)
		}
	}
	return nil
}
