// Package vectorstore holds row-addressed vector data shared between the
// canonical store and its index. Callers serialize mutation; concurrent
// readers are safe once rows are published.
package vectorstore

// Store maps dense row ids to fixed-dimension vectors.
type Store struct {
	dim  int
	rows [][]float32
}

// New creates a store for vectors of the given dimension.
func New(dim int) *Store {
	return &Store{dim: dim}
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int { return s.dim }

// Set stores a copy of vec at the given row, growing the table as needed.
func (s *Store) Set(row uint32, vec []float32) {
	for int(row) >= len(s.rows) {
		s.rows = append(s.rows, nil)
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	s.rows[row] = cp
}

// Get returns the vector stored at row. The returned slice must not be
// mutated by callers.
func (s *Store) Get(row uint32) ([]float32, bool) {
	if int(row) >= len(s.rows) || s.rows[row] == nil {
		return nil, false
	}
	return s.rows[row], true
}

// Remove drops the vector at row.
func (s *Store) Remove(row uint32) {
	if int(row) < len(s.rows) {
		s.rows[row] = nil
	}
}

// Len returns the number of live rows.
func (s *Store) Len() int {
	n := 0
	for _, r := range s.rows {
		if r != nil {
			n++
		}
	}
	return n
}
