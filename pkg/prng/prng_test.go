package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash32KnownVectors(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), Hash32(""))
	assert.Equal(t, uint32(0xe40c292c), Hash32("a"))
	assert.Equal(t, uint32(0xbf9cf968), Hash32("foobar"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "paper-1|wo-2|audit|3", Key("paper-1", "wo-2", "audit", 3))
	assert.Equal(t, "", Key())
	assert.Equal(t, "solo", Key("solo"))
}

func TestRandDeterminism(t *testing.T) {
	a := NewFromKey("paper-1|wo-1|subsample")
	b := NewFromKey("paper-1|wo-1|subsample")
	for i := 0; i < 1000; i++ {
		require.Equal(t, a.Uint32(), b.Uint32(), "diverged at step %d", i)
	}

	c := New(1)
	d := New(2)
	same := 0
	for i := 0; i < 100; i++ {
		if c.Uint32() == d.Uint32() {
			same++
		}
	}
	assert.Less(t, same, 5)
}

func TestRandKnownSequence(t *testing.T) {
	r := New(1)
	assert.Equal(t, []uint32{2693262067, 11749833, 2265367787}, []uint32{r.Uint32(), r.Uint32(), r.Uint32()})

	r = New(1)
	assert.Equal(t, 0.6270739405881613, r.Float64())
	assert.Equal(t, 0.002735721180215478, r.Float64())
	assert.Equal(t, 0.5274470399599522, r.Float64())
}

func TestRandFloatRange(t *testing.T) {
	r := New(42)
	for i := 0; i < 10000; i++ {
		v := r.Float64()
		require.GreaterOrEqual(t, v, 0.0)
		require.Less(t, v, 1.0)
	}
}

func TestIntnPanicsOnNonPositive(t *testing.T) {
	assert.Panics(t, func() { New(1).Intn(0) })
}

func TestAuditRoll(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		first := AuditRoll("paper-1", "wo-1", 1)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, AuditRoll("paper-1", "wo-1", 1))
		}
	})

	t.Run("KnownValues", func(t *testing.T) {
		assert.Equal(t, uint32(1952914585), Hash32("paper-1|wo-1|audit|1"))
		assert.Equal(t, 0.585, AuditRoll("paper-1", "wo-1", 1))
		assert.Equal(t, 0.728, AuditRoll("paper-1", "wo-1", 2))
		assert.Equal(t, 0.347, AuditRoll("paper-1", "wo-1", 3))
	})

	t.Run("MatchesHashDefinition", func(t *testing.T) {
		h := Hash32("paper-1|wo-1|audit|2")
		assert.Equal(t, float64(h%1000)/1000, AuditRoll("paper-1", "wo-1", 2))
	})

	t.Run("Range", func(t *testing.T) {
		for attempt := 1; attempt < 500; attempt++ {
			v := AuditRoll("p", "o", attempt)
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 0.999)
		}
	})
}

func TestSample(t *testing.T) {
	t.Run("DistinctAndInRange", func(t *testing.T) {
		idx := Sample(Hash32("seed"), 1000, 64)
		require.Len(t, idx, 64)
		seen := make(map[int]bool)
		for _, v := range idx {
			require.GreaterOrEqual(t, v, 0)
			require.Less(t, v, 1000)
			require.False(t, seen[v], "duplicate index %d", v)
			seen[v] = true
		}
	})

	t.Run("KnownDraws", func(t *testing.T) {
		assert.Equal(t, []int{11, 62, 976, 699, 523, 408, 469, 245}, Sample(7, 1000, 64)[:8])
		assert.Equal(t, []int{949, 77, 28, 628, 96, 100, 345, 558}, Sample(Hash32("seed"), 1000, 8))
	})

	t.Run("Reproducible", func(t *testing.T) {
		assert.Equal(t, Sample(7, 1000, 64), Sample(7, 1000, 64))
		assert.NotEqual(t, Sample(7, 1000, 64), Sample(8, 1000, 64))
	})

	t.Run("ClampsToPool", func(t *testing.T) {
		idx := Sample(3, 5, 10)
		assert.Len(t, idx, 5)
		assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, idx)
	})

	t.Run("EmptyInputs", func(t *testing.T) {
		assert.Empty(t, Sample(3, 0, 10))
		assert.Empty(t, Sample(3, 10, 0))
	})
}
