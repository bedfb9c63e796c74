package state

import (
	"fmt"

	"github.com/hupe1980/statelog/model"
)

// Contract is the shape contract a caller declares for its snapshots.
// The set of contracts is closed (vector or grid); unsupported shapes are
// rejected at construction time, not discovered at append time.
type Contract interface {
	// Validate checks that the value matches the declared shape and contains
	// no forbidden non-finite elements. It never coerces: an over-long
	// vector is an error, not a truncation.
	Validate(v StateValue) error

	// Flatten converts a valid value to its wire vector. For a vector
	// contract this is the identity (modulo a defensive copy).
	Flatten(v StateValue) (Vector, error)

	// Tag returns the wire shape tag for values under this contract.
	Tag() model.ShapeTag
}

// VectorContract accepts flat vectors. Dim 0 accepts any length; a positive
// Dim pins the exact length.
type VectorContract struct {
	Dim            int
	AllowNonFinite bool
}

// Validate implements Contract.
func (c VectorContract) Validate(v StateValue) error {
	vec, ok := v.(Vector)
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("vector contract got %T", v)}
	}
	if c.Dim > 0 && len(vec) != c.Dim {
		return &ValidationError{
			Reason: fmt.Sprintf("vector length %d does not match contract dimension %d", len(vec), c.Dim),
		}
	}
	if c.AllowNonFinite {
		return nil
	}
	if i, bad := hasNonFinite(vec); bad {
		return &ValidationError{Reason: fmt.Sprintf("non-finite value at index %d", i)}
	}
	return nil
}

// Flatten implements Contract.
func (c VectorContract) Flatten(v StateValue) (Vector, error) {
	if err := c.Validate(v); err != nil {
		return nil, err
	}
	vec := v.(Vector)
	return append(Vector(nil), vec...), nil
}

// Tag implements Contract.
func (VectorContract) Tag() model.ShapeTag {
	return model.ShapeTag{Kind: model.KindVector}
}

// GridContract accepts grids of one exact shape and flatten order.
type GridContract struct {
	shape          []int
	order          model.Order
	allowNonFinite bool
}

// NewGridContract builds a grid contract, rejecting degenerate shapes.
func NewGridContract(shape []int, order model.Order, allowNonFinite bool) (GridContract, error) {
	if _, err := checkShape(shape); err != nil {
		return GridContract{}, err
	}
	if order != model.RowMajor && order != model.ColumnMajor {
		return GridContract{}, &ValidationError{Reason: fmt.Sprintf("unsupported flatten order %d", order)}
	}
	return GridContract{
		shape:          append([]int(nil), shape...),
		order:          order,
		allowNonFinite: allowNonFinite,
	}, nil
}

// Shape returns a copy of the contract shape.
func (c GridContract) Shape() []int { return append([]int(nil), c.shape...) }

// Order returns the contract flatten order.
func (c GridContract) Order() model.Order { return c.order }

// Validate implements Contract.
func (c GridContract) Validate(v StateValue) error {
	g, ok := v.(*Grid)
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("grid contract got %T", v)}
	}
	if len(g.shape) != len(c.shape) {
		return &ValidationError{
			Reason: fmt.Sprintf("grid rank %d does not match contract rank %d", len(g.shape), len(c.shape)),
		}
	}
	for i, d := range c.shape {
		if g.shape[i] != d {
			return &ValidationError{
				Reason: fmt.Sprintf("axis %d has size %d, contract requires %d", i, g.shape[i], d),
			}
		}
	}
	if g.order != c.order {
		return &ValidationError{
			Reason: fmt.Sprintf("grid order %s does not match contract order %s", g.order, c.order),
		}
	}
	if c.allowNonFinite {
		return nil
	}
	if i, bad := hasNonFinite(g.data); bad {
		return &ValidationError{Reason: fmt.Sprintf("non-finite value at element %d", i)}
	}
	return nil
}

// Flatten implements Contract.
func (c GridContract) Flatten(v StateValue) (Vector, error) {
	if err := c.Validate(v); err != nil {
		return nil, err
	}
	return v.(*Grid).Flatten(), nil
}

// Tag implements Contract.
func (c GridContract) Tag() model.ShapeTag {
	return model.ShapeTag{Kind: model.KindGrid, Shape: c.Shape(), FlattenOrder: c.order}
}

// Restore converts a wire vector back to the value form of its shape tag:
// the vector itself for KindVector, a reconstructed grid for KindGrid.
func Restore(vec Vector, tag model.ShapeTag) (StateValue, error) {
	if tag.Kind == model.KindVector {
		return vec, nil
	}
	return Reconstruct(vec, tag.Shape, tag.FlattenOrder)
}

// ValidationError indicates a value that violates its shape contract.
type ValidationError struct {
	Reason string
	cause  error
}

func (e *ValidationError) Error() string {
	return "invalid state value: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.cause }
