package network

import "github.com/pkg/errors"

var (
	// ErrLayerSizes is returned for an empty or non-positive layer size list, or one that
	// disagrees with the current layer.
	ErrLayerSizes = errors.New("invalid layer sizes")

	// ErrInvalidParam is returned for nil, empty or non-finite weights, biases and inputs.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrShape is returned when weights or biases do not line up with the layer sizes.
	ErrShape = errors.New("shape mismatch")

	// ErrInputSize is returned when an input vector does not match the input layer.
	ErrInputSize = errors.New("input size mismatch")

	// ErrExhausted is returned by Update once every transition has been applied.
	ErrExhausted = errors.New("no layers left")
)
