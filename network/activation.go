package network

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sigmoid is the logistic function 1/(1+e^-x).
//
// In float64 it saturates: inputs above about 37 give exactly 1 and inputs
// below about -710 give exactly 0, so unscaled inputs such as raw 0..255
// pixels leave most activations pinned at 1.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// SigmoidVec returns a new vector with Sigmoid applied to each element of v.
func SigmoidVec(v []float64) *mat.VecDense {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = Sigmoid(x)
	}
	return mat.NewVecDense(len(out), out)
}

func sigmoidInPlace(v *mat.VecDense) {
	for i := 0; i < v.Len(); i++ {
		v.SetVec(i, Sigmoid(v.AtVec(i)))
	}
}
