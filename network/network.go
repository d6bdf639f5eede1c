// Package network implements a small feed-forward neural network evaluator.
//
// Layers are connected through weight matrices and bias vectors and every
// transition is squashed through a sigmoid:
//
//	next = sigmoid(W·current + b)
//
// The network does not train itself; parameters are supplied by the caller and
// checked against the declared layer sizes before every run.
package network

import (
	"math"
	"reflect"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Network is a feed-forward evaluator over user supplied weights and biases.
//
// Weights are either 2-D matrices of shape (sizes[n+1], sizes[n]), or 1-D
// vectors (any mat.Vector) of length sizes[n] whose dot product with the current
// layer is broadcast onto the bias. Biases have length sizes[n+1].
type Network struct {
	firstLayer   *mat.VecDense
	currentLayer *mat.VecDense
	layerSizes   []int
	weights      []mat.Matrix
	biases       []mat.Vector
	layerCounter int
}

// New creates a network whose first layer is the sigmoid of input.
func New(input []float64, layerSizes []int, weights []mat.Matrix, biases []mat.Vector) (*Network, error) {
	if len(input) == 0 {
		return nil, errors.Wrap(ErrInputSize, "input layer is empty")
	}
	if !allFinite(input) {
		return nil, errors.Wrap(ErrInvalidParam, "input has non-finite entries")
	}
	net := &Network{
		firstLayer:   SigmoidVec(input),
		currentLayer: SigmoidVec(input),
	}
	if err := net.SetLayerSizes(layerSizes); err != nil {
		return nil, err
	}
	if err := net.SetWeights(weights); err != nil {
		return nil, err
	}
	if err := net.SetBiases(biases); err != nil {
		return nil, err
	}
	return net, nil
}

// SetLayerSizes replaces the layer sizes. Every size must be positive and the
// size at the current position must match the current layer.
func (net *Network) SetLayerSizes(sizes []int) error {
	if len(sizes) == 0 {
		return errors.Wrap(ErrLayerSizes, "at least one layer is required")
	}
	for i, size := range sizes {
		if size <= 0 {
			return errors.Wrapf(ErrLayerSizes, "size of layer %d is %d, sizes have to be positive", i, size)
		}
	}
	if net.layerCounter >= len(sizes) {
		return errors.Wrapf(ErrLayerSizes, "%d layer sizes given but the network is at layer %d",
			len(sizes), net.layerCounter)
	}
	if net.currentLayer.Len() != sizes[net.layerCounter] {
		return errors.Wrapf(ErrLayerSizes, "current layer has %d neurons, layer sizes declare %d",
			net.currentLayer.Len(), sizes[net.layerCounter])
	}
	net.layerSizes = append([]int(nil), sizes...)
	return nil
}

// SetWeights replaces the weights. Shapes are checked against the layer sizes
// by CheckShapes, only the entries themselves are validated here.
func (net *Network) SetWeights(weights []mat.Matrix) error {
	for n, w := range weights {
		if isNil(w) {
			return errors.Wrapf(ErrInvalidParam, "weight %d is nil", n)
		}
		if v, ok := w.(mat.Vector); ok {
			if v.Len() == 0 {
				return errors.Wrapf(ErrInvalidParam, "weight %d is empty", n)
			}
		}
		if !matrixFinite(w) {
			return errors.Wrapf(ErrInvalidParam, "weight %d has non-finite entries", n)
		}
	}
	net.weights = append([]mat.Matrix(nil), weights...)
	return nil
}

// SetBiases replaces the biases. See SetWeights.
func (net *Network) SetBiases(biases []mat.Vector) error {
	for n, b := range biases {
		if isNil(b) {
			return errors.Wrapf(ErrInvalidParam, "bias %d is nil", n)
		}
		if b.Len() == 0 {
			return errors.Wrapf(ErrInvalidParam, "bias %d is empty", n)
		}
		if !matrixFinite(b) {
			return errors.Wrapf(ErrInvalidParam, "bias %d has non-finite entries", n)
		}
	}
	net.biases = append([]mat.Vector(nil), biases...)
	return nil
}

// SetInput replaces the first layer with the sigmoid of input and rewinds the network.
func (net *Network) SetInput(input []float64) error {
	if len(input) != net.layerSizes[0] {
		return errors.Wrapf(ErrInputSize, "input has %d values, input layer has %d neurons",
			len(input), net.layerSizes[0])
	}
	if !allFinite(input) {
		return errors.Wrap(ErrInvalidParam, "input has non-finite entries")
	}
	net.firstLayer = SigmoidVec(input)
	net.reset()
	return nil
}

// CheckShapes verifies that weights and biases coincide with the layer sizes.
func (net *Network) CheckShapes() error {
	transitions := len(net.layerSizes) - 1
	if len(net.weights) != transitions {
		return errors.Wrapf(ErrShape, "%d weights for %d layer transitions", len(net.weights), transitions)
	}
	if len(net.biases) != transitions {
		return errors.Wrapf(ErrShape, "%d biases for %d layer transitions", len(net.biases), transitions)
	}
	for n, w := range net.weights {
		if v, ok := w.(mat.Vector); ok {
			if v.Len() != net.layerSizes[n] {
				return errors.Wrapf(ErrShape, "weight vector %d has length %d, layer %d has %d neurons",
					n, v.Len(), n, net.layerSizes[n])
			}
			continue
		}
		r, c := w.Dims()
		if r != net.layerSizes[n+1] || c != net.layerSizes[n] {
			return errors.Wrapf(ErrShape, "weight matrix %d has shape (%d, %d), layer sizes require (%d, %d)",
				n, r, c, net.layerSizes[n+1], net.layerSizes[n])
		}
	}
	for n, b := range net.biases {
		if b.Len() != net.layerSizes[n+1] {
			return errors.Wrapf(ErrShape, "bias %d has length %d, layer %d has %d neurons",
				n, b.Len(), n+1, net.layerSizes[n+1])
		}
	}
	return nil
}

// Update moves from the current layer to the next one and returns it.
func (net *Network) Update() (*mat.VecDense, error) {
	k := net.layerCounter
	if k >= len(net.weights) || k >= len(net.biases) {
		return nil, errors.Wrapf(ErrExhausted, "layer %d has no outgoing transition", k)
	}
	w, b := net.weights[k], net.biases[k]
	next := mat.NewVecDense(b.Len(), nil)
	switch w := w.(type) {
	case mat.Vector:
		if w.Len() != net.currentLayer.Len() {
			return nil, errors.Wrapf(ErrShape, "weight vector %d has length %d, current layer has %d neurons",
				k, w.Len(), net.currentLayer.Len())
		}
		sum := mat.Dot(w, net.currentLayer)
		for i := 0; i < next.Len(); i++ {
			next.SetVec(i, sum+b.AtVec(i))
		}
	default:
		r, c := w.Dims()
		if c != net.currentLayer.Len() || r != b.Len() {
			return nil, errors.Wrapf(ErrShape, "weight matrix %d has shape (%d, %d), current layer has %d neurons and bias %d",
				k, r, c, net.currentLayer.Len(), b.Len())
		}
		next.MulVec(w, net.currentLayer)
		next.AddVec(next, b)
	}
	sigmoidInPlace(next)
	net.currentLayer = next
	net.layerCounter++
	return mat.VecDenseCopyOf(next), nil
}

// Run checks the shapes, rewinds to the first layer and applies every
// transition. The returned slice holds one activation vector per layer,
// starting with the first layer.
func (net *Network) Run() ([]*mat.VecDense, error) {
	if err := net.CheckShapes(); err != nil {
		return nil, err
	}
	net.reset()
	layers := make([]*mat.VecDense, 0, len(net.layerSizes))
	layers = append(layers, mat.VecDenseCopyOf(net.currentLayer))
	for range net.layerSizes[:len(net.layerSizes)-1] {
		layer, err := net.Update()
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// FeedForward runs the network on input and returns the last layer.
func (net *Network) FeedForward(input []float64) (*mat.VecDense, error) {
	if err := net.SetInput(input); err != nil {
		return nil, err
	}
	layers, err := net.Run()
	if err != nil {
		return nil, err
	}
	return layers[len(layers)-1], nil
}

// Predict returns the index of the most activated output neuron for input.
func (net *Network) Predict(input []float64) (int, error) {
	out, err := net.FeedForward(input)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(out.RawVector().Data), nil
}

func (net *Network) reset() {
	net.layerCounter = 0
	net.currentLayer = mat.VecDenseCopyOf(net.firstLayer)
}

// LayerSizes returns a copy of the layer sizes.
func (net *Network) LayerSizes() []int { return append([]int(nil), net.layerSizes...) }

// NumLayers returns the number of layers, input layer included.
func (net *Network) NumLayers() int { return len(net.layerSizes) }

// Weights returns the weights of every transition, input side first.
func (net *Network) Weights() []mat.Matrix { return append([]mat.Matrix(nil), net.weights...) }

// Biases returns the biases of every transition, input side first.
func (net *Network) Biases() []mat.Vector { return append([]mat.Vector(nil), net.biases...) }

// FirstLayer returns a copy of the (already squashed) input layer.
func (net *Network) FirstLayer() *mat.VecDense { return mat.VecDenseCopyOf(net.firstLayer) }

// CurrentLayer returns a copy of the layer the network is currently at.
func (net *Network) CurrentLayer() *mat.VecDense { return mat.VecDenseCopyOf(net.currentLayer) }

// isNil reports whether m is nil or a typed nil of any implementation.
func isNil(m mat.Matrix) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func matrixFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

func allFinite(v []float64) bool {
	if floats.HasNaN(v) {
		return false
	}
	for _, x := range v {
		if math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
