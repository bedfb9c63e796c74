// Package state defines the snapshot shape contracts and the deterministic
// codec between multi-dimensional grids and their flat wire form.
//
// A snapshot is either a flat Vector or a Grid with a fixed shape and a
// declared flatten order. The Grid form exists only for caller convenience:
// its canonical on-the-wire form is always the flattened vector, and
// Reconstruct is the exact inverse of Flatten.
package state

import (
	"fmt"
	"math"

	"github.com/hupe1980/statelog/model"
)

// StateValue is the closed set of snapshot value types: Vector or *Grid.
type StateValue interface {
	// Len returns the number of scalar elements in the value.
	Len() int

	isStateValue()
}

// Vector is a flat, ordered sequence of float32 values.
type Vector []float32

func (Vector) isStateValue() {}

// Len returns the number of elements.
func (v Vector) Len() int { return len(v) }

// Grid is an N-dimensional tensor with a fixed shape and a declared flatten
// order. Element data is stored row-major internally regardless of the
// declared order; the order only affects the flattened wire form.
type Grid struct {
	shape []int
	order model.Order
	data  []float32 // row-major
}

func (*Grid) isStateValue() {}

// NewGrid creates a grid from row-major data. The data length must equal the
// product of the shape dimensions.
func NewGrid(shape []int, order model.Order, data []float32) (*Grid, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("data length %d does not match shape product %d", len(data), n),
		}
	}
	g := &Grid{
		shape: append([]int(nil), shape...),
		order: order,
		data:  append([]float32(nil), data...),
	}
	return g, nil
}

// Shape returns a copy of the grid's shape.
func (g *Grid) Shape() []int { return append([]int(nil), g.shape...) }

// Order returns the grid's declared flatten order.
func (g *Grid) Order() model.Order { return g.order }

// Len returns the number of scalar elements.
func (g *Grid) Len() int { return len(g.data) }

// At returns the element at the given multi-dimensional index.
func (g *Grid) At(idx ...int) (float32, error) {
	off, err := g.offset(idx)
	if err != nil {
		return 0, err
	}
	return g.data[off], nil
}

// Data returns a copy of the grid's row-major element data.
func (g *Grid) Data() []float32 { return append([]float32(nil), g.data...) }

// Equal reports whether two grids have identical shape, order and elements.
// Float comparison is exact (bit equality via ==), which is what the
// round-trip law requires.
func (g *Grid) Equal(o *Grid) bool {
	if o == nil || len(g.shape) != len(o.shape) || g.order != o.order {
		return false
	}
	for i, d := range g.shape {
		if o.shape[i] != d {
			return false
		}
	}
	for i, v := range g.data {
		if o.data[i] != v {
			return false
		}
	}
	return true
}

func (g *Grid) offset(idx []int) (int, error) {
	if len(idx) != len(g.shape) {
		return 0, &ValidationError{
			Reason: fmt.Sprintf("index rank %d does not match grid rank %d", len(idx), len(g.shape)),
		}
	}
	off := 0
	for i, ix := range idx {
		if ix < 0 || ix >= g.shape[i] {
			return 0, &ValidationError{
				Reason: fmt.Sprintf("index %d out of range for axis %d (size %d)", ix, i, g.shape[i]),
			}
		}
		off = off*g.shape[i] + ix
	}
	return off, nil
}

// Tag returns the shape tag describing this value on the wire.
func Tag(v StateValue) model.ShapeTag {
	switch val := v.(type) {
	case *Grid:
		return model.ShapeTag{Kind: model.KindGrid, Shape: val.Shape(), FlattenOrder: val.order}
	default:
		return model.ShapeTag{Kind: model.KindVector}
	}
}

func checkShape(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, &ValidationError{Reason: "grid shape must have at least one dimension"}
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			return 0, &ValidationError{Reason: fmt.Sprintf("dimension %d must be positive, got %d", i, d)}
		}
		n *= d
	}
	return n, nil
}

// Flatten linearizes a grid into its wire vector following the declared
// order. Row-major emission is a straight copy of the internal layout;
// column-major emission permutes so that the first axis varies fastest.
func (g *Grid) Flatten() Vector {
	out := make([]float32, len(g.data))
	if g.order == model.RowMajor {
		copy(out, g.data)
		return out
	}

	// Column-major: walk output positions, mapping each back to the
	// row-major source offset.
	strides := rowMajorStrides(g.shape)
	idx := make([]int, len(g.shape))
	for pos := range out {
		src := 0
		for i, ix := range idx {
			src += ix * strides[i]
		}
		out[pos] = g.data[src]
		// Advance the index with the FIRST axis varying fastest.
		for i := 0; i < len(idx); i++ {
			idx[i]++
			if idx[i] < g.shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// Reconstruct rebuilds a grid from its flattened wire form. It is the exact
// inverse of Flatten for the same shape and order, and fails with a
// ValidationError if the vector length does not match the shape product.
func Reconstruct(vec Vector, shape []int, order model.Order) (*Grid, error) {
	n, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	if len(vec) != n {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("vector length %d does not match shape product %d", len(vec), n),
		}
	}

	data := make([]float32, n)
	if order == model.RowMajor {
		copy(data, vec)
	} else {
		strides := rowMajorStrides(shape)
		idx := make([]int, len(shape))
		for pos := 0; pos < n; pos++ {
			dst := 0
			for i, ix := range idx {
				dst += ix * strides[i]
			}
			data[dst] = vec[pos]
			for i := 0; i < len(idx); i++ {
				idx[i]++
				if idx[i] < shape[i] {
					break
				}
				idx[i] = 0
			}
		}
	}

	return &Grid{
		shape: append([]int(nil), shape...),
		order: order,
		data:  data,
	}, nil
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func hasNonFinite(data []float32) (int, bool) {
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, true
		}
	}
	return 0, false
}
