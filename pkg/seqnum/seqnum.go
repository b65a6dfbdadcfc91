// Package seqnum implements modular TCP sequence-number arithmetic: a
// 32-bit value compared by signed difference rather than by linear
// ordering, so that wrap-around at 2^32 is handled correctly everywhere.
package seqnum

// Value is a 32-bit sequence number with wrap-around comparisons.
type Value uint32

// Add returns v+delta, wrapping modulo 2^32. delta is expected to be a
// small, non-negative offset (a payload length, a flag-consumed unit).
func (v Value) Add(delta uint32) Value {
	return Value(uint32(v) + delta)
}

// Sub returns v-delta, wrapping modulo 2^32.
func (v Value) Sub(delta uint32) Value {
	return Value(uint32(v) - delta)
}

// Diff returns v-other as a signed 32-bit difference. A negative result
// means v is "before" other in sequence-space; this is the single
// operation every ordering/comparison in this package is built from.
func (v Value) Diff(other Value) int32 {
	return int32(uint32(v) - uint32(other))
}

// LessThan reports whether v precedes other: Diff(other) < 0.
func (v Value) LessThan(other Value) bool {
	return v.Diff(other) < 0
}

// LessEqual reports whether v precedes or equals other.
func (v Value) LessEqual(other Value) bool {
	return v.Diff(other) <= 0
}

// GreaterThan reports whether v follows other.
func (v Value) GreaterThan(other Value) bool {
	return v.Diff(other) > 0
}

// GreaterEqual reports whether v follows or equals other.
func (v Value) GreaterEqual(other Value) bool {
	return v.Diff(other) >= 0
}

// InRange reports whether v lies in [lo, hi) in sequence-space, i.e.
// lo <= v < hi under wrap-around comparison.
func (v Value) InRange(lo, hi Value) bool {
	return lo.LessEqual(v) && v.LessThan(hi)
}

// Uint32 returns the raw 32-bit value.
func (v Value) Uint32() uint32 {
	return uint32(v)
}
