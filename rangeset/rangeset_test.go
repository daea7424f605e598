package rangeset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

type Assert struct {
	*assert.Assertions
}

func (assert *Assert) Canonical(s Set) {
	for i, r := range s {
		assert.False(r.Empty(), "range %d of %v is empty", i, s)
		if i > 0 {
			assert.Less(s[i-1].End, r.Start,
				"ranges %d and %d of %v not coalesced", i-1, i, s)
		}
	}
}

func TestAdd(t *testing.T) {
	assert := Assert{assert.New(t)}

	var s Set
	s = s.Add(Range{10, 20})
	assert.Equal(Set{{10, 20}}, s)
	s = s.Add(Range{30, 40})
	assert.Equal(Set{{10, 20}, {30, 40}}, s)
	s = s.Add(Range{0, 5})
	assert.Equal(Set{{0, 5}, {10, 20}, {30, 40}}, s)

	// Adjacent ranges are coalesced.
	s = s.Add(Range{5, 10})
	assert.Equal(Set{{0, 20}, {30, 40}}, s)

	// Bridging ranges swallow their neighbours.
	s = s.Add(Range{15, 35})
	assert.Equal(Set{{0, 40}}, s)

	s = s.Add(Range{100, 100})
	assert.Equal(Set{{0, 40}}, s)
	assert.Equal(uint64(40), s.Len())
}

func TestAddDoesNotAlias(t *testing.T) {
	assert := Assert{assert.New(t)}

	s := Of(Range{0, 10}, Range{20, 30})
	t1 := s.Add(Range{10, 20})
	assert.Equal(Set{{0, 10}, {20, 30}}, s)
	assert.Equal(Set{{0, 30}}, t1)
}

func TestRemove(t *testing.T) {
	assert := Assert{assert.New(t)}

	s := Of(Range{0, 100})
	s = s.Remove(Range{10, 20})
	assert.Equal(Set{{0, 10}, {20, 100}}, s)
	s = s.Remove(Range{90, 200})
	assert.Equal(Set{{0, 10}, {20, 90}}, s)
	s = s.Remove(Range{5, 25})
	assert.Equal(Set{{0, 5}, {25, 90}}, s)
	s = s.Remove(Range{0, 1000})
	assert.Empty(s)
}

func TestCoversAndMissing(t *testing.T) {
	assert := Assert{assert.New(t)}

	s := Of(Range{0, 10}, Range{20, 30})
	assert.True(s.Covers(Range{0, 10}))
	assert.True(s.Covers(Range{22, 25}))
	assert.True(s.Covers(Range{7, 7}))
	assert.False(s.Covers(Range{5, 25}))
	assert.False(s.Covers(Range{30, 31}))
	assert.Equal(Set{{10, 20}, {30, 40}}, s.Missing(Range{0, 40}))
	assert.Empty(s.Missing(Range{20, 30}))
}

func TestClamp(t *testing.T) {
	assert := Assert{assert.New(t)}

	s := Of(Range{0, 10}, Range{20, 30})
	assert.Equal(Set{{0, 10}, {20, 25}}, s.Clamp(25))
	assert.Equal(Set{{0, 10}}, s.Clamp(15))
	assert.Empty(s.Clamp(0))
	assert.Equal(Range{0, 100}, Span(0, 100))
	assert.Equal(^uint64(0), Span(10, ^uint64(0)).End)
}

// TestRandomAgainstBitmap checks the set against a naive
// byte map under random additions and removals.
func TestRandomAgainstBitmap(t *testing.T) {
	assert := Assert{assert.New(t)}
	rng := rand.New(rand.NewSource(1))

	const size = 256
	var bitmap [size]bool
	var s Set
	for i := 0; i < 2000; i++ {
		start := uint64(rng.Intn(size))
		end := start + uint64(rng.Intn(size-int(start)+1))
		r := Range{start, end}
		add := rng.Intn(3) != 0
		if add {
			s = s.Add(r)
		} else {
			s = s.Remove(r)
		}
		for j := start; j < end; j++ {
			bitmap[j] = add
		}
		assert.Canonical(s)
	}
	var expected Set
	for j := uint64(0); j < size; j++ {
		if bitmap[j] {
			expected = expected.Add(Range{j, j + 1})
		}
	}
	assert.True(expected.Equal(s), "expected %v, got %v", expected, s)
}
