// Package reference is the stochastic gradient descent network the
// feed-forward evaluator is trained with and compared against.
//
// Layers are column matrices, weights map layer i to layer i+1 and each layer
// has its own bias column. The activation comes from gophernet and defaults to
// the sigmoid; its derivative is evaluated on the activations, not on the
// weighted sums.
package reference

import (
	"context"
	"fmt"
	"math"
	"time"

	gm "github.com/PaluMacil/gophernet/m"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

var (
	// ErrConfig is returned for unusable training configurations.
	ErrConfig = errors.New("invalid network configuration")

	// ErrShape is returned when parameters or samples do not match the layer sizes.
	ErrShape = errors.New("shape mismatch")
)

// Config holds the layer sizes and SGD hyper-parameters of a Network.
type Config struct {
	// Sizes holds the neuron count of every layer, input layer first.
	Sizes         []int
	Epochs        int
	MiniBatchSize int
	LearningRate  float64
	// Activator defaults to gophernet's sigmoid.
	Activator gm.Activator
	Seed      int64
	// Progress shows a progress bar over the mini batches of every epoch.
	Progress bool
}

// Line is one training or test sample.
type Line struct {
	Inputs  []float64
	Targets []float64
}
type Lines []Line

// EpochResult reports one SGD epoch. Correct and Total are zero when no test
// data was given.
type EpochResult struct {
	Epoch    int
	Correct  int
	Total    int
	Duration time.Duration
}

// Network is a fully connected sigmoid network trained with mini-batch SGD.
type Network struct {
	config  Config
	weights []*mat.Dense
	biases  []*mat.Dense
	src     rand.Source
	rng     *rand.Rand
}

func newNetwork(c Config) (*Network, error) {
	if len(c.Sizes) < 2 {
		return nil, errors.Wrapf(ErrConfig, "need at least 2 layers, got %d", len(c.Sizes))
	}
	for i, size := range c.Sizes {
		if size <= 0 {
			return nil, errors.Wrapf(ErrConfig, "size of layer %d is %d", i, size)
		}
	}
	if c.Activator == nil {
		c.Activator = gm.Sigmoid{}
	}
	c.Sizes = append([]int(nil), c.Sizes...)
	src := rand.NewSource(uint64(c.Seed))
	return &Network{
		config:  c,
		weights: make([]*mat.Dense, len(c.Sizes)-1),
		biases:  make([]*mat.Dense, len(c.Sizes)-1),
		src:     src,
		rng:     rand.New(src),
	}, nil
}

// New creates a network from existing parameters. The parameters are copied.
func New(c Config, weights []*mat.Dense, biases []*mat.VecDense) (*Network, error) {
	net, err := newNetwork(c)
	if err != nil {
		return nil, err
	}
	if len(weights) != len(net.weights) || len(biases) != len(net.biases) {
		return nil, errors.Wrapf(ErrShape, "%d weights and %d biases for %d layer transitions",
			len(weights), len(biases), len(net.weights))
	}
	sizes := net.config.Sizes
	for i := range weights {
		if weights[i] == nil || biases[i] == nil {
			return nil, errors.Wrapf(ErrShape, "transition %d has nil parameters", i)
		}
		if rows, cols := weights[i].Dims(); rows != sizes[i+1] || cols != sizes[i] {
			return nil, errors.Wrapf(ErrShape, "weight %d has shape (%d, %d), want (%d, %d)",
				i, rows, cols, sizes[i+1], sizes[i])
		}
		if biases[i].Len() != sizes[i+1] {
			return nil, errors.Wrapf(ErrShape, "bias %d has length %d, want %d", i, biases[i].Len(), sizes[i+1])
		}
		net.weights[i] = mat.DenseCopyOf(weights[i])
		net.biases[i] = column(mat.Col(nil, 0, biases[i]))
	}
	return net, nil
}

// NewRandom creates a network with weights and biases drawn uniformly from
// ±1/sqrt(fan-in) of every layer.
func NewRandom(c Config) (*Network, error) {
	net, err := newNetwork(c)
	if err != nil {
		return nil, err
	}
	sizes := net.config.Sizes
	for i := range net.weights {
		limit := 1 / math.Sqrt(float64(sizes[i]))
		net.weights[i] = mat.NewDense(sizes[i+1], sizes[i], uniformArray(sizes[i+1]*sizes[i], -limit, limit, net.src))
		net.biases[i] = column(uniformArray(sizes[i+1], -limit, limit, net.src))
	}
	return net, nil
}

// NewUniform creates a network with every weight and bias drawn from U(min, max).
func NewUniform(c Config, min, max float64) (*Network, error) {
	if !(min < max) {
		return nil, errors.Wrapf(ErrConfig, "empty range [%g, %g)", min, max)
	}
	net, err := newNetwork(c)
	if err != nil {
		return nil, err
	}
	sizes := net.config.Sizes
	for i := range net.weights {
		net.weights[i] = mat.NewDense(sizes[i+1], sizes[i], uniformArray(sizes[i+1]*sizes[i], min, max, net.src))
		net.biases[i] = column(uniformArray(sizes[i+1], min, max, net.src))
	}
	return net, nil
}

// Weights returns copies of the weight matrices.
func (net *Network) Weights() []*mat.Dense {
	out := make([]*mat.Dense, len(net.weights))
	for i, w := range net.weights {
		out[i] = mat.DenseCopyOf(w)
	}
	return out
}

// Biases returns copies of the bias vectors.
func (net *Network) Biases() []*mat.VecDense {
	out := make([]*mat.VecDense, len(net.biases))
	for i, b := range net.biases {
		r, _ := b.Dims()
		out[i] = mat.NewVecDense(r, mat.Col(nil, 0, b))
	}
	return out
}

// Sizes returns a copy of the layer sizes.
func (net *Network) Sizes() []int { return append([]int(nil), net.config.Sizes...) }

func (net *Network) feedForward(inputData []float64) []mat.Matrix {
	layers := make([]mat.Matrix, len(net.weights)+1)
	layers[0] = column(inputData)
	for i, w := range net.weights {
		weightedSum := add(dot(w, layers[i]), net.biases[i])
		layers[i+1] = apply(net.config.Activator.Activate, weightedSum)
	}
	return layers
}

// FeedForward returns the output layer for inputData.
func (net *Network) FeedForward(inputData []float64) *mat.VecDense {
	layers := net.feedForward(inputData)
	out := layers[len(layers)-1]
	r, _ := out.Dims()
	return mat.NewVecDense(r, mat.Col(nil, 0, out))
}

// Evaluate returns how many lines have their largest target at the most activated output.
func (net *Network) Evaluate(lines Lines) int {
	var correct int
	for _, line := range lines {
		out := net.FeedForward(line.Inputs)
		if floats.MaxIdx(out.RawVector().Data) == floats.MaxIdx(line.Targets) {
			correct++
		}
	}
	return correct
}

// backpropagate returns the gradient of the quadratic cost for one sample.
func (net *Network) backpropagate(line Line) (nablaW, nablaB []mat.Matrix) {
	layers := net.feedForward(line.Inputs)
	last := len(layers) - 1
	nablaW = make([]mat.Matrix, len(net.weights))
	nablaB = make([]mat.Matrix, len(net.biases))

	// network error
	delta := multiply(subtract(layers[last], column(line.Targets)), net.config.Activator.Deactivate(layers[last]))
	for i := len(net.weights) - 1; i >= 0; i-- {
		if i < len(net.weights)-1 {
			delta = multiply(dot(net.weights[i+1].T(), delta), net.config.Activator.Deactivate(layers[i+1]))
		}
		nablaB[i] = delta
		nablaW[i] = dot(delta, layers[i].T())
	}
	return nablaW, nablaB
}

func (net *Network) updateMiniBatch(batch Lines) {
	sumW := make([]*mat.Dense, len(net.weights))
	sumB := make([]*mat.Dense, len(net.biases))
	for i := range net.weights {
		sumW[i] = mat.NewDense(net.weights[i].RawMatrix().Rows, net.weights[i].RawMatrix().Cols, nil)
		sumB[i] = mat.NewDense(net.biases[i].RawMatrix().Rows, 1, nil)
	}
	for _, line := range batch {
		nablaW, nablaB := net.backpropagate(line)
		for i := range sumW {
			sumW[i].Add(sumW[i], nablaW[i])
			sumB[i].Add(sumB[i], nablaB[i])
		}
	}

	rate := net.config.LearningRate / float64(len(batch))
	for i := range net.weights {
		sumW[i].Scale(rate, sumW[i])
		sumB[i].Scale(rate, sumB[i])
		net.weights[i].Sub(net.weights[i], sumW[i])
		net.biases[i].Sub(net.biases[i], sumB[i])
	}
}

func createBatches(lines Lines, batchSize int) []Lines {
	numBatches := (len(lines) + batchSize - 1) / batchSize
	batches := make([]Lines, numBatches)

	for i := 0; i < numBatches; i++ {
		startIdx := i * batchSize
		endIdx := startIdx + batchSize

		if endIdx > len(lines) {
			endIdx = len(lines)
		}

		batches[i] = lines[startIdx:endIdx]
	}

	return batches
}

func (net *Network) checkLines(lines Lines, what string) error {
	in, out := net.config.Sizes[0], net.config.Sizes[len(net.config.Sizes)-1]
	for i, line := range lines {
		if len(line.Inputs) != in || len(line.Targets) != out {
			return errors.Wrapf(ErrShape, "%s line %d has %d inputs and %d targets, want %d and %d",
				what, i, len(line.Inputs), len(line.Targets), in, out)
		}
	}
	return nil
}

// SGD trains the network with mini-batch stochastic gradient descent. The
// training lines are shuffled at the start of every epoch. When test is not
// empty the network is evaluated on it after every epoch.
//
// The context is checked between mini batches; on cancellation the results of
// the completed epochs are returned together with the error.
func (net *Network) SGD(ctx context.Context, training, test Lines) ([]EpochResult, error) {
	c := net.config
	if c.Epochs <= 0 || c.MiniBatchSize <= 0 || c.LearningRate <= 0 {
		return nil, errors.Wrapf(ErrConfig, "epochs %d, mini batch size %d and learning rate %g must be positive",
			c.Epochs, c.MiniBatchSize, c.LearningRate)
	}
	if len(training) == 0 {
		return nil, errors.Wrap(ErrConfig, "no training data")
	}
	if err := net.checkLines(training, "training"); err != nil {
		return nil, err
	}
	if err := net.checkLines(test, "test"); err != nil {
		return nil, err
	}

	order := make(Lines, len(training))
	copy(order, training)
	results := make([]EpochResult, 0, c.Epochs)
	for epoch := 1; epoch <= c.Epochs; epoch++ {
		start := time.Now()
		net.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		batches := createBatches(order, c.MiniBatchSize)
		var bar *progressbar.ProgressBar
		if c.Progress {
			bar = progressbar.Default(int64(len(batches)), fmt.Sprintf("epoch %d/%d", epoch, c.Epochs))
		}
		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return results, errors.Wrapf(err, "training interrupted in epoch %d", epoch)
			}
			net.updateMiniBatch(batch)
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}

		result := EpochResult{Epoch: epoch, Duration: time.Since(start)}
		if len(test) > 0 {
			result.Correct = net.Evaluate(test)
			result.Total = len(test)
			klog.Infof("Epoch %d: %d / %d", epoch, result.Correct, result.Total)
		} else {
			klog.Infof("Epoch %d complete", epoch)
		}
		klog.V(1).Infof("Epoch %d took %s", epoch, result.Duration)
		results = append(results, result)
	}
	return results, nil
}
