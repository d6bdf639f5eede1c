package network

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomParams(rng *rand.Rand, sizes []int) ([]mat.Matrix, []mat.Vector) {
	weights := make([]mat.Matrix, len(sizes)-1)
	biases := make([]mat.Vector, len(sizes)-1)
	for n := 0; n < len(sizes)-1; n++ {
		w := make([]float64, sizes[n+1]*sizes[n])
		for i := range w {
			w[i] = rng.NormFloat64()
		}
		b := make([]float64, sizes[n+1])
		for i := range b {
			b[i] = rng.NormFloat64()
		}
		weights[n] = mat.NewDense(sizes[n+1], sizes[n], w)
		biases[n] = mat.NewVecDense(sizes[n+1], b)
	}
	return weights, biases
}

func randomInput(rng *rand.Rand, n int) []float64 {
	in := make([]float64, n)
	for i := range in {
		in[i] = rng.Float64()*4 - 2
	}
	return in
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(-2)), Sigmoid(2), 1e-12)
	for _, x := range []float64{-30, -5, -0.1, 0, 0.1, 5, 30} {
		y := Sigmoid(x)
		assert.Greater(t, y, 0.0, "sigmoid(%g)", x)
		assert.Less(t, y, 1.0, "sigmoid(%g)", x)
	}
	// float64 saturates: the result rounds to exactly 1 from about 37 and to 0 below about -710.
	assert.Equal(t, 1.0, Sigmoid(40))
	assert.Equal(t, 0.0, Sigmoid(-800))
	assert.False(t, math.IsNaN(Sigmoid(math.Inf(-1))))
	v := SigmoidVec([]float64{-1, 0, 1})
	assert.InDelta(t, 1-v.AtVec(2), v.AtVec(0), 1e-12)
}

func TestNewSquashesInput(t *testing.T) {
	w, b := randomParams(rand.New(rand.NewSource(1)), []int{3, 2})
	net, err := New([]float64{0, 1, -1}, []int{3, 2}, w, b)
	require.NoError(t, err)
	first := net.FirstLayer()
	assert.InDelta(t, 0.5, first.AtVec(0), 1e-12)
	assert.InDelta(t, Sigmoid(1), first.AtVec(1), 1e-12)
	assert.True(t, mat.Equal(first, net.CurrentLayer()))
}

func TestRunMatchesManualComputation(t *testing.T) {
	// 2 -> 2 -> 1 with hand-picked parameters.
	weights := []mat.Matrix{
		mat.NewDense(2, 2, []float64{1, -1, 0.5, 2}),
		mat.NewDense(1, 2, []float64{3, -2}),
	}
	biases := []mat.Vector{
		mat.NewVecDense(2, []float64{0.1, -0.2}),
		mat.NewVecDense(1, []float64{0.3}),
	}
	input := []float64{0.4, -0.7}
	net, err := New(input, []int{2, 2, 1}, weights, biases)
	require.NoError(t, err)

	layers, err := net.Run()
	require.NoError(t, err)
	require.Len(t, layers, 3)

	a0 := []float64{Sigmoid(0.4), Sigmoid(-0.7)}
	a1 := []float64{
		Sigmoid(1*a0[0] - 1*a0[1] + 0.1),
		Sigmoid(0.5*a0[0] + 2*a0[1] - 0.2),
	}
	a2 := Sigmoid(3*a1[0] - 2*a1[1] + 0.3)

	assert.InDelta(t, a0[0], layers[0].AtVec(0), 1e-12)
	assert.InDelta(t, a0[1], layers[0].AtVec(1), 1e-12)
	assert.InDelta(t, a1[0], layers[1].AtVec(0), 1e-12)
	assert.InDelta(t, a1[1], layers[1].AtVec(1), 1e-12)
	assert.InDelta(t, a2, layers[2].AtVec(0), 1e-12)
}

func TestRunLengthAndRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, sizes := range [][]int{{1}, {4, 3}, {5, 8, 2}, {10, 6, 6, 3, 1}} {
		w, b := randomParams(rng, sizes)
		net, err := New(randomInput(rng, sizes[0]), sizes, w, b)
		require.NoError(t, err, "sizes %v", sizes)
		layers, err := net.Run()
		require.NoError(t, err, "sizes %v", sizes)
		require.Len(t, layers, len(sizes))
		for n, layer := range layers {
			require.Equal(t, sizes[n], layer.Len())
			for i := 0; i < layer.Len(); i++ {
				v := layer.AtVec(i)
				assert.True(t, v > 0 && v < 1, "layer %d neuron %d = %g", n, i, v)
			}
		}
	}
}

func TestRunIsRepeatable(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	sizes := []int{4, 5, 3}
	w, b := randomParams(rng, sizes)
	net, err := New(randomInput(rng, 4), sizes, w, b)
	require.NoError(t, err)

	first, err := net.Run()
	require.NoError(t, err)
	second, err := net.Run()
	require.NoError(t, err)
	for n := range first {
		assert.True(t, mat.EqualApprox(first[n], second[n], 1e-15), "layer %d", n)
	}
}

func TestUpdateStepsAndExhausts(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	sizes := []int{3, 4, 2}
	w, b := randomParams(rng, sizes)
	net, err := New(randomInput(rng, 3), sizes, w, b)
	require.NoError(t, err)

	l1, err := net.Update()
	require.NoError(t, err)
	assert.Equal(t, 4, l1.Len())
	l2, err := net.Update()
	require.NoError(t, err)
	assert.Equal(t, 2, l2.Len())
	assert.True(t, mat.Equal(l2, net.CurrentLayer()))

	_, err = net.Update()
	assert.True(t, errors.Is(err, ErrExhausted), "got %v", err)

	// Run rewinds even after a manual walk.
	layers, err := net.Run()
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(l2, layers[2], 1e-15))
}

func TestVectorWeightBroadcastsOntoBias(t *testing.T) {
	weights := []mat.Matrix{mat.NewVecDense(3, []float64{1, 2, 3})}
	biases := []mat.Vector{mat.NewVecDense(2, []float64{0, -1})}
	input := []float64{0, 0, 0}
	net, err := New(input, []int{3, 2}, weights, biases)
	require.NoError(t, err)

	layers, err := net.Run()
	require.NoError(t, err)
	sum := 0.5 * (1 + 2 + 3)
	assert.InDelta(t, Sigmoid(sum), layers[1].AtVec(0), 1e-12)
	assert.InDelta(t, Sigmoid(sum-1), layers[1].AtVec(1), 1e-12)
}

func TestInvalidLayerSizes(t *testing.T) {
	w, b := randomParams(rand.New(rand.NewSource(1)), []int{2, 2})
	for name, sizes := range map[string][]int{
		"empty":    {},
		"zero":     {2, 0},
		"negative": {2, -3},
		"mismatch": {3, 2},
	} {
		_, err := New([]float64{1, 2}, sizes, w, b)
		assert.True(t, errors.Is(err, ErrLayerSizes), "%s: got %v", name, err)
	}
}

func TestSetLayerSizesKeepsOldOnError(t *testing.T) {
	w, b := randomParams(rand.New(rand.NewSource(1)), []int{2, 2})
	net, err := New([]float64{1, 2}, []int{2, 2}, w, b)
	require.NoError(t, err)
	require.Error(t, net.SetLayerSizes([]int{2, 0}))
	assert.Equal(t, []int{2, 2}, net.LayerSizes())
	// A valid change that breaks the shapes is only caught at run time.
	require.NoError(t, net.SetLayerSizes([]int{2, 3}))
	_, err = net.Run()
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)
}

func TestInvalidParams(t *testing.T) {
	good := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	bias := mat.NewVecDense(2, []float64{1, 1})

	var nilDense *mat.Dense
	_, err := New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{nilDense}, []mat.Vector{bias})
	assert.True(t, errors.Is(err, ErrInvalidParam), "nil weight: got %v", err)

	for name, w := range map[string]mat.Matrix{
		"SymDense":  (*mat.SymDense)(nil),
		"TriDense":  (*mat.TriDense)(nil),
		"DiagDense": (*mat.DiagDense)(nil),
		"VecDense":  (*mat.VecDense)(nil),
	} {
		_, err = New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{w}, []mat.Vector{bias})
		assert.True(t, errors.Is(err, ErrInvalidParam), "nil %s weight: got %v", name, err)
	}

	var nilVec *mat.VecDense
	_, err = New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{good}, []mat.Vector{nilVec})
	assert.True(t, errors.Is(err, ErrInvalidParam), "typed nil bias: got %v", err)

	_, err = New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{good}, []mat.Vector{nil})
	assert.True(t, errors.Is(err, ErrInvalidParam), "nil bias: got %v", err)

	nan := mat.NewDense(2, 2, []float64{1, math.NaN(), 3, 4})
	_, err = New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{nan}, []mat.Vector{bias})
	assert.True(t, errors.Is(err, ErrInvalidParam), "NaN weight: got %v", err)

	inf := mat.NewVecDense(2, []float64{math.Inf(1), 0})
	_, err = New([]float64{1, 2}, []int{2, 2}, []mat.Matrix{good}, []mat.Vector{inf})
	assert.True(t, errors.Is(err, ErrInvalidParam), "Inf bias: got %v", err)

	_, err = New([]float64{1, math.NaN()}, []int{2, 2}, []mat.Matrix{good}, []mat.Vector{bias})
	assert.True(t, errors.Is(err, ErrInvalidParam), "NaN input: got %v", err)

	_, err = New(nil, []int{2, 2}, []mat.Matrix{good}, []mat.Vector{bias})
	assert.True(t, errors.Is(err, ErrInputSize), "empty input: got %v", err)
}

func TestCheckShapes(t *testing.T) {
	input := []float64{1, 2, 3}
	sizes := []int{3, 2}
	for name, tc := range map[string]struct {
		weights []mat.Matrix
		biases  []mat.Vector
	}{
		"transposed weight": {
			weights: []mat.Matrix{mat.NewDense(3, 2, nil)},
			biases:  []mat.Vector{mat.NewVecDense(2, nil)},
		},
		"short bias": {
			weights: []mat.Matrix{mat.NewDense(2, 3, nil)},
			biases:  []mat.Vector{mat.NewVecDense(1, nil)},
		},
		"vector weight of wrong length": {
			weights: []mat.Matrix{mat.NewVecDense(2, nil)},
			biases:  []mat.Vector{mat.NewVecDense(2, nil)},
		},
		"missing weight": {
			weights: nil,
			biases:  []mat.Vector{mat.NewVecDense(2, nil)},
		},
		"extra bias": {
			weights: []mat.Matrix{mat.NewDense(2, 3, nil)},
			biases:  []mat.Vector{mat.NewVecDense(2, nil), mat.NewVecDense(2, nil)},
		},
	} {
		net, err := New(input, sizes, tc.weights, tc.biases)
		require.NoError(t, err, "%s: assignment only validates entries", name)
		assert.True(t, errors.Is(net.CheckShapes(), ErrShape), name)
		_, err = net.Run()
		assert.True(t, errors.Is(err, ErrShape), "%s: got %v", name, err)
	}
}

func TestFeedForwardAndPredict(t *testing.T) {
	// The second output neuron mirrors the input, the first one its negation.
	weights := []mat.Matrix{mat.NewDense(2, 2, []float64{-10, -10, 10, 10})}
	biases := []mat.Vector{mat.NewVecDense(2, []float64{10, -10})}
	net, err := New([]float64{0, 0}, []int{2, 2}, weights, biases)
	require.NoError(t, err)

	p, err := net.Predict([]float64{5, 5})
	require.NoError(t, err)
	assert.Equal(t, 1, p)
	p, err = net.Predict([]float64{-5, -5})
	require.NoError(t, err)
	assert.Equal(t, 0, p)

	_, err = net.FeedForward([]float64{1, 2, 3})
	assert.True(t, errors.Is(err, ErrInputSize), "got %v", err)

	out, err := net.FeedForward([]float64{5, 5})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 2, net.NumLayers())
}
