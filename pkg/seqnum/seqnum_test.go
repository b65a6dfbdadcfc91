package seqnum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddWraps(t *testing.T) {
	v := Value(math.MaxUint32)
	assert.Equal(t, Value(0), v.Add(1))
	assert.Equal(t, Value(9), v.Add(10))
}

func TestLessThanAcrossWrap(t *testing.T) {
	a := Value(math.MaxUint32 - 1)
	b := Value(2)
	assert.True(t, a.LessThan(b), "a should precede b across the wrap")
	assert.False(t, b.LessThan(a))
}

func TestLessThanWithinRange(t *testing.T) {
	assert.True(t, Value(100).LessThan(Value(200)))
	assert.False(t, Value(200).LessThan(Value(100)))
	assert.False(t, Value(100).LessThan(Value(100)))
}

func TestInRange(t *testing.T) {
	assert.True(t, Value(150).InRange(Value(100), Value(200)))
	assert.True(t, Value(100).InRange(Value(100), Value(200)))
	assert.False(t, Value(200).InRange(Value(100), Value(200)))
	assert.False(t, Value(99).InRange(Value(100), Value(200)))
}

func TestInRangeAcrossWrap(t *testing.T) {
	lo := Value(math.MaxUint32 - 10)
	hi := Value(10)
	assert.True(t, Value(math.MaxUint32-5).InRange(lo, hi))
	assert.True(t, Value(5).InRange(lo, hi))
	assert.False(t, Value(20).InRange(lo, hi))
}

func TestDiff(t *testing.T) {
	assert.Equal(t, int32(5), Value(105).Diff(Value(100)))
	assert.Equal(t, int32(-5), Value(100).Diff(Value(105)))
}
