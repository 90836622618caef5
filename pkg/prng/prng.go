// Package prng provides the seeded, string-keyed pseudo-random primitives the
// marketplace relies on for reproducible audit rolls and subsample selection.
//
// Every function here is pure. The algorithms are fixed (32-bit FNV-1a for
// key hashing, mulberry32 for sequence expansion) so that any third party can
// recompute the same values from public work-order fields.
package prng

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// AuditResolution is the granularity of audit-trigger rolls.
const AuditResolution = 1000

// Key joins key parts with '|' using their default formatting.
func Key(parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// Hash32 returns the 32-bit FNV-1a hash of the UTF-8 bytes of key.
func Hash32(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// Rand is a mulberry32 generator. The zero value is a valid generator seeded
// with 0. Rand is not safe for concurrent use.
type Rand struct {
	state uint32
}

// New returns a generator seeded with seed.
func New(seed uint32) *Rand {
	return &Rand{state: seed}
}

// NewFromKey returns a generator seeded with Hash32(key).
func NewFromKey(key string) *Rand {
	return New(Hash32(key))
}

// Uint32 advances the generator and returns the next 32-bit output.
func (r *Rand) Uint32() uint32 {
	r.state += 0x6D2B79F5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return t ^ (t >> 14)
}

// Float64 returns the next value in [0, 1).
func (r *Rand) Float64() float64 {
	return float64(r.Uint32()) / 4294967296.0
}

// Intn returns the next value in [0, n). It panics if n <= 0.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		panic("prng: Intn called with non-positive n")
	}
	return int(r.Float64() * float64(n))
}

// AuditRoll returns the audit-trigger roll for the given attempt of a work
// order: Hash32(paperID|orderID|audit|attempt) mod 1000 / 1000.
func AuditRoll(paperID, orderID string, attempt int) float64 {
	h := Hash32(Key(paperID, orderID, "audit", attempt))
	return float64(h%AuditResolution) / AuditResolution
}

// Sample draws size distinct indices out of [0, poolSize) by repeatedly
// picking a uniform position in the shrinking tail of the candidate pool
// (partial Fisher-Yates). Indices are returned in draw order. size is
// clamped to [0, poolSize].
func Sample(seed uint32, poolSize, size int) []int {
	if poolSize <= 0 || size <= 0 {
		return []int{}
	}
	if size > poolSize {
		size = poolSize
	}
	pool := make([]int, poolSize)
	for i := range pool {
		pool[i] = i
	}
	rng := New(seed)
	for i := 0; i < size; i++ {
		j := i + rng.Intn(poolSize-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := make([]int, size)
	copy(out, pool[:size])
	return out
}
