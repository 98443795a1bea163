// Package visited tracks traversed graph nodes with cheap reuse across searches.
package visited

// Set tracks visited rows using a bitset and a dirty list for fast reset.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set sized for the given number of rows.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks a row as visited.
func (s *Set) Visit(row uint32) {
	word := int(row >> 6)
	mask := uint64(1) << (row & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}

	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, row)
	}
}

// Visited reports whether the row has been visited.
func (s *Set) Visited(row uint32) bool {
	word := int(row >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(row&63)) != 0
}

// Reset clears only the bits touched since the last reset.
func (s *Set) Reset() {
	for _, row := range s.dirty {
		s.bits[row>>6] &^= uint64(1) << (row & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(newLen int) {
	newCap := len(s.bits) * 2
	if newCap < newLen {
		newCap = newLen
	}
	bits := make([]uint64, newCap)
	copy(bits, s.bits)
	s.bits = bits
}
