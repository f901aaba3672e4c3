// Package beam replicates and re-indexes per-slot inputs for beam search.
//
// Slots are laid out prompt-major: with K beams, slots [p*K, (p+1)*K) all
// belong to prompt p. Expand produces that layout and the search state
// relies on it, so the two must change together.
package beam

import (
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"golang.org/x/exp/constraints"
)

// Element is any value stored in a Matrix.
type Element interface {
	constraints.Integer | constraints.Float
}

// Matrix is a dense row-major [Rows x Cols] table.
type Matrix[T Element] struct {
	Rows int
	Cols int
	Data []T
}

// NewMatrix wraps data as a rows x cols matrix.
func NewMatrix[T Element](rows, cols int, data []T) (Matrix[T], error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return Matrix[T]{}, fault.Invariant("matrix", "%d elements do not form %dx%d", len(data), rows, cols)
	}
	return Matrix[T]{Rows: rows, Cols: cols, Data: data}, nil
}

// FromRows builds a matrix from equal-length rows.
func FromRows[T Element](rows [][]T) (Matrix[T], error) {
	if len(rows) == 0 {
		return Matrix[T]{}, nil
	}
	cols := len(rows[0])
	data := make([]T, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return Matrix[T]{}, fault.Invariant("matrix", "row %d has %d columns, want %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return Matrix[T]{Rows: len(rows), Cols: cols, Data: data}, nil
}

func (m Matrix[T]) Row(i int) []T {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Clone returns a deep copy.
func (m Matrix[T]) Clone() Matrix[T] {
	return Matrix[T]{Rows: m.Rows, Cols: m.Cols, Data: append([]T(nil), m.Data...)}
}

// Expand replicates every row k times, keeping prompt order. k == 1 is a
// copy.
func Expand[T Element](m Matrix[T], k int) (Matrix[T], error) {
	if k < 1 {
		return Matrix[T]{}, fault.Invariant("expand", "beam width %d < 1", k)
	}
	out := Matrix[T]{Rows: m.Rows * k, Cols: m.Cols, Data: make([]T, 0, len(m.Data)*k)}
	for r := 0; r < m.Rows; r++ {
		row := m.Row(r)
		for range k {
			out.Data = append(out.Data, row...)
		}
	}
	return out, nil
}

// Reorder gathers rows so that row i of the result is row idx[i] of m.
// idx must have one entry per row, each in [0, m.Rows).
func Reorder[T Element](m Matrix[T], idx []int32) (Matrix[T], error) {
	if err := CheckIndices(idx, m.Rows); err != nil {
		return Matrix[T]{}, err
	}
	out := Matrix[T]{Rows: m.Rows, Cols: m.Cols, Data: make([]T, len(m.Data))}
	for i, src := range idx {
		copy(out.Row(i), m.Row(int(src)))
	}
	return out, nil
}

// CheckIndices validates a survivor vector against an n-slot batch.
func CheckIndices(idx []int32, n int) error {
	if len(idx) != n {
		return fault.Invariant("reorder", "got %d indices for %d slots", len(idx), n)
	}
	for i, v := range idx {
		if v < 0 || int(v) >= n {
			return fault.Invariant("reorder", "index %d at slot %d out of range [0, %d)", v, i, n)
		}
	}
	return nil
}

// Identity returns [0, 1, ..., n-1].
func Identity(n int) []int32 {
	idx := make([]int32, n)
	for i := range idx {
		idx[i] = int32(i)
	}
	return idx
}

// Repeat returns the gather indices that Expand applies: each of the b
// rows repeated k times.
func Repeat(b, k int) []int32 {
	idx := make([]int32, 0, b*k)
	for r := range b {
		for range k {
			idx = append(idx, int32(r))
		}
	}
	return idx
}

// Group returns the prompt index owning slot.
func Group(slot, k int) int {
	return slot / k
}

// ExpandBuffer replicates each of rows rows of a device buffer k times,
// stream-ordered on c.
func ExpandBuffer(c *device.Context, buf *device.Buffer, rows, k int) (*device.Buffer, error) {
	if k < 1 {
		return nil, fault.Invariant("expand", "beam width %d < 1", k)
	}
	return device.GatherRows(c, buf, rows, Repeat(rows, k))
}

// ReorderBuffer is Reorder for a device buffer of len(idx) rows.
func ReorderBuffer(c *device.Context, buf *device.Buffer, idx []int32) (*device.Buffer, error) {
	if err := CheckIndices(idx, len(idx)); err != nil {
		return nil, err
	}
	return device.GatherRows(c, buf, len(idx), idx)
}

// Groups maps each of n slots to its prompt.
func Groups(n, k int) []int {
	g := make([]int, n)
	for slot := range g {
		g[slot] = Group(slot, k)
	}
	return g
}
