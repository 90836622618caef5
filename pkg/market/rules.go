package market

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Rules are the tunable parameters of the marketplace.
type Rules struct {
	// AuditRate is the probability that a PASS is escrowed for audit.
	AuditRate   float64
	ClaimWindow time.Duration
	AuditWindow time.Duration
	// DefaultBounty is the bounty basis used when a paper carries none.
	DefaultBounty decimal.Decimal
	PoolSize      int
	SampleSize    int
	SurfacedSize  int
}

// DefaultRules returns the stock marketplace parameters.
func DefaultRules() Rules {
	return Rules{
		AuditRate:     0.35,
		ClaimWindow:   24 * time.Hour,
		AuditWindow:   24 * time.Hour,
		DefaultBounty: decimal.NewFromInt(60),
		PoolSize:      1000,
		SampleSize:    64,
		SurfacedSize:  16,
	}
}

// Validate checks that the rules are usable.
func (r Rules) Validate() error {
	if r.AuditRate < 0 || r.AuditRate > 1 {
		return fmt.Errorf("audit rate must be between 0 and 1, got %v", r.AuditRate)
	}
	if r.ClaimWindow <= 0 {
		return fmt.Errorf("claim window must be positive")
	}
	if r.AuditWindow <= 0 {
		return fmt.Errorf("audit window must be positive")
	}
	if r.DefaultBounty.IsNegative() {
		return fmt.Errorf("default bounty cannot be negative")
	}
	if r.PoolSize <= 0 || r.SampleSize <= 0 || r.SampleSize > r.PoolSize {
		return fmt.Errorf("sample size %d must be in (0, pool size %d]", r.SampleSize, r.PoolSize)
	}
	if r.SurfacedSize < 0 || r.SurfacedSize > r.SampleSize {
		return fmt.Errorf("surfaced size %d must be in [0, sample size %d]", r.SurfacedSize, r.SampleSize)
	}
	return nil
}

var (
	minReward       = decimal.NewFromInt(25)
	maxReward       = decimal.NewFromInt(250)
	bountyDivisor   = decimal.NewFromInt(12)
	stakeFraction   = decimal.RequireFromString("0.2")
	auditFraction   = decimal.RequireFromString("0.35")
	minAuditReward  = decimal.NewFromInt(10)
	minAuditRep     = 4
	auditRepFactor  = 0.4
	rejectSlashMult = 1.5
)

// TermsForBounty derives economic terms from a paper bounty:
// reward = clamp(round(bounty/12), 25, 250), stake = round(reward*0.2).
func TermsForBounty(bounty decimal.Decimal) Terms {
	reward := bounty.Div(bountyDivisor).Round(0)
	if reward.LessThan(minReward) {
		reward = minReward
	}
	if reward.GreaterThan(maxReward) {
		reward = maxReward
	}
	stake := reward.Mul(stakeFraction).Round(0)
	repReward := clampInt(roundHalfUp(reward.InexactFloat64()/10), 5, 25)
	repSlash := clampInt(roundHalfUp(float64(repReward)*0.6), 3, 15)
	return Terms{
		StakeELF:  stake,
		RewardELF: reward,
		RepReward: repReward,
		RepSlash:  repSlash,
	}
}

// AuditRewardFor returns the auditor payout for an order's terms:
// max(10, round(reward*0.35)) tokens and max(4, round(repReward*0.4)) reputation.
func AuditRewardFor(t Terms) (decimal.Decimal, int) {
	tokens := decimal.Max(minAuditReward, t.RewardELF.Mul(auditFraction).Round(0))
	rep := roundHalfUp(float64(t.RepReward) * auditRepFactor)
	if rep < minAuditRep {
		rep = minAuditRep
	}
	return tokens, rep
}

// RejectSlash is the reputation penalty for an audit-rejected PASS.
func RejectSlash(t Terms) int {
	slash := roundHalfUp(float64(t.RepSlash) * rejectSlashMult)
	if slash < t.RepSlash {
		slash = t.RepSlash
	}
	return slash
}

func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
