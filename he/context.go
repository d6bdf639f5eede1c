// Package he evaluates a layer transition on an encrypted input with the CKKS
// scheme. The party holding the input encrypts it, the party holding the
// weights computes one weighted sum per output neuron without seeing the input,
// and the input holder decrypts the sums, adds the bias and applies the sigmoid.
package he

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"snn/network"
)

// ErrSize is returned for inputs longer than the context supports and for
// weights, biases and inputs that do not line up.
var ErrSize = errors.New("size mismatch")

// Context holds the CKKS parameters and keys for one input holder.
type Context struct {
	Params    hefloat.Parameters
	Encoder   *hefloat.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor
	Evaluator *hefloat.Evaluator

	// span is the power of two the rotate-and-add inner sum covers.
	span int
}

// NewContext generates keys able to sum up to maxInputs slots.
func NewContext(maxInputs int) (*Context, error) {
	if maxInputs <= 0 {
		return nil, errors.Wrapf(ErrSize, "maxInputs is %d", maxInputs)
	}
	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN: 14,
		Q: []uint64{0x200000008001, 0x400018001, // 45 + 9 x 34
			0x3fffd0001, 0x400060001,
			0x400068001, 0x3fff90001,
			0x400080001, 0x4000a8001,
			0x400108001, 0x3ffeb8001},
		P:               []uint64{0x7fffffd8001, 0x7fffffc8001}, // 43, 43
		LogDefaultScale: 40,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating CKKS parameters")
	}
	if slots := 1 << params.LogMaxSlots(); maxInputs > slots {
		return nil, errors.Wrapf(ErrSize, "%d inputs do not fit in %d slots", maxInputs, slots)
	}
	span := 1 << bits.Len(uint(maxInputs-1))

	kgen := hefloat.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	var galEls []uint64
	for k := 1; k < span; k *= 2 {
		galEls = append(galEls, params.GaloisElement(k))
	}
	evk := rlwe.NewMemEvaluationKeySet(rlk, kgen.GenGaloisKeysNew(galEls, sk)...)
	klog.V(1).Infof("CKKS context: logN=%d, levels=%d, %d rotation keys", params.LogN(), params.MaxLevel(), len(galEls))

	return &Context{
		Params:    params,
		Encoder:   hefloat.NewEncoder(params),
		Encryptor: hefloat.NewEncryptor(params, pk),
		Decryptor: hefloat.NewDecryptor(params, sk),
		Evaluator: hefloat.NewEvaluator(params, evk),
		span:      span,
	}, nil
}

// MaxInputs returns the longest input the rotation keys can sum over.
func (c *Context) MaxInputs() int { return c.span }

// Encrypt encodes values into the first slots of a fresh ciphertext.
func (c *Context) Encrypt(values []float64) (*rlwe.Ciphertext, error) {
	if len(values) > c.span {
		return nil, errors.Wrapf(ErrSize, "%d values, context supports %d", len(values), c.span)
	}
	pt := hefloat.NewPlaintext(c.Params, c.Params.MaxLevel())
	if err := c.Encoder.Encode(values, pt); err != nil {
		return nil, errors.Wrap(err, "encoding input")
	}
	ct, err := c.Encryptor.EncryptNew(pt)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting input")
	}
	return ct, nil
}

// WeightedSums multiplies the encrypted input with every row of w. Slot 0 of
// the i-th returned ciphertext holds row i · input.
func (c *Context) WeightedSums(ct *rlwe.Ciphertext, w mat.Matrix) ([]*rlwe.Ciphertext, error) {
	rows, cols := w.Dims()
	if cols > c.span {
		return nil, errors.Wrapf(ErrSize, "weights have %d columns, context supports %d", cols, c.span)
	}
	sums := make([]*rlwe.Ciphertext, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, w)
		pt := hefloat.NewPlaintext(c.Params, ct.Level())
		if err := c.Encoder.Encode(row, pt); err != nil {
			return nil, errors.Wrapf(err, "encoding weight row %d", i)
		}
		prod, err := c.Evaluator.MulNew(ct, pt)
		if err != nil {
			return nil, errors.Wrapf(err, "multiplying weight row %d", i)
		}
		if err := c.Evaluator.Rescale(prod, prod); err != nil {
			return nil, errors.Wrapf(err, "rescaling row %d", i)
		}
		// rotate-and-add: slot 0 collects slots 0..span-1
		for k := 1; k < c.span; k *= 2 {
			rotated, err := c.Evaluator.RotateNew(prod, k)
			if err != nil {
				return nil, errors.Wrapf(err, "rotating row %d by %d", i, k)
			}
			if err := c.Evaluator.Add(prod, rotated, prod); err != nil {
				return nil, errors.Wrapf(err, "adding rotation %d of row %d", k, i)
			}
		}
		sums[i] = prod
	}
	return sums, nil
}

// Decrypt returns slot 0 of every ciphertext.
func (c *Context) Decrypt(cts []*rlwe.Ciphertext) ([]float64, error) {
	values := make([]complex128, 1<<c.Params.LogMaxSlots())
	out := make([]float64, len(cts))
	for i, ct := range cts {
		pt := c.Decryptor.DecryptNew(ct)
		if err := c.Encoder.Decode(pt, values); err != nil {
			return nil, errors.Wrapf(err, "decoding sum %d", i)
		}
		out[i] = real(values[0])
	}
	return out, nil
}

// Layer computes sigmoid(w·input + b) with the weighted sums taken under encryption.
func (c *Context) Layer(w mat.Matrix, b mat.Vector, input []float64) (*mat.VecDense, error) {
	rows, cols := w.Dims()
	if cols != len(input) || rows != b.Len() {
		return nil, errors.Wrapf(ErrSize, "weights (%d, %d), bias %d and input %d do not line up",
			rows, cols, b.Len(), len(input))
	}
	ct, err := c.Encrypt(input)
	if err != nil {
		return nil, err
	}
	cts, err := c.WeightedSums(ct, w)
	if err != nil {
		return nil, err
	}
	sums, err := c.Decrypt(cts)
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(rows, nil)
	for i, s := range sums {
		out.SetVec(i, network.Sigmoid(s+b.AtVec(i)))
	}
	return out, nil
}
