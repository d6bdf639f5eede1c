// snn trains a small feed-forward network on MNIST with the reference SGD
// implementation and verifies the trained parameters with the feed-forward
// evaluator.
//
// Usage:
//
//	snn -data=~/data/mnist -arch="784 10" -epochs=10 -batch=1000 -lr=3
//
// The data directory must hold the four MNIST IDX files, gzipped or not.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"snn/he"
	"snn/mnist"
	"snn/network"
	"snn/reference"
	"snn/utils"
)

var (
	dataDir      = flag.String("data", "~/data/mnist", "Directory with the MNIST IDX files")
	arch         = flag.String("arch", "784 10", "Layer sizes, input layer first")
	epochs       = flag.Int("epochs", 10, "Number of training epochs")
	batchSize    = flag.Int("batch", 1000, "Mini batch size")
	learningRate = flag.Float64("lr", 3.0, "Learning rate")
	trainLimit   = flag.Int("train-limit", 0, "Use at most this many training images, 0 for all")
	testLimit    = flag.Int("test-limit", 0, "Use at most this many test images, 0 for all")
	seed         = flag.Int64("seed", 42, "Random seed")
	rawPixels    = flag.Bool("raw", false, "Feed raw 0..255 pixel intensities instead of scaling them to [0,1]")
	initMode     = flag.String("init", "scaled", "Initial parameters: \"unit\" draws from U(0,1), \"scaled\" from ±1/sqrt(fan-in)")
	private      = flag.Int("private", 0, "Evaluate the first layer of this many test images under encryption")
	progress     = flag.Bool("progress", true, "Show a progress bar over the mini batches")
	verbose      = flag.Bool("verbose", true, "Print timing statistics")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()
	utils.Verbose = *verbose

	cfg := utils.Config{
		Architecture: must.M1(utils.ParseArchitecture(*arch)),
		DataDir:      expandHome(*dataDir),
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *learningRate,
		TrainLimit:   *trainLimit,
		TestLimit:    *testLimit,
		Seed:         *seed,
		RawPixels:    *rawPixels,
		Private:      *private,
	}
	if err := utils.ValidateConfig(&cfg, mnist.NumPixels, mnist.NumClasses); err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func expandHome(dir string) string {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home := must.M1(os.UserHomeDir())
		return filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir
}

// squashedLines converts samples into training lines whose inputs already went
// through the sigmoid the evaluator applies to its first layer, so both networks
// see the same activations.
func squashedLines(samples []mnist.Sample) reference.Lines {
	lines := make(reference.Lines, len(samples))
	for i, s := range samples {
		lines[i] = reference.Line{
			Inputs:  network.SigmoidVec(s.Inputs).RawVector().Data,
			Targets: s.Targets,
		}
	}
	return lines
}

func initialNetwork(cfg utils.Config) (*reference.Network, error) {
	refCfg := reference.Config{
		Sizes:         cfg.Architecture,
		Epochs:        cfg.Epochs,
		MiniBatchSize: cfg.BatchSize,
		LearningRate:  cfg.LearningRate,
		Seed:          cfg.Seed,
		Progress:      *progress,
	}
	switch *initMode {
	case "unit":
		return reference.NewUniform(refCfg, 0, 1)
	case "scaled":
		return reference.NewRandom(refCfg)
	}
	return nil, errors.Errorf("unknown -init %q, want \"unit\" or \"scaled\"", *initMode)
}

func evaluatorParams(ref *reference.Network) ([]mat.Matrix, []mat.Vector) {
	weights := make([]mat.Matrix, 0, len(ref.Sizes())-1)
	for _, w := range ref.Weights() {
		weights = append(weights, w)
	}
	biases := make([]mat.Vector, 0, len(ref.Sizes())-1)
	for _, b := range ref.Biases() {
		biases = append(biases, b)
	}
	return weights, biases
}

func run(ctx context.Context, cfg utils.Config) error {
	var stats utils.TimingStats
	runStart := time.Now()
	defer func() {
		stats.TotalTime = time.Since(runStart)
		utils.PrintTimingStats(&stats)
	}()

	start := time.Now()
	train, err := mnist.Load(cfg.DataDir, "train", mnist.Options{Limit: cfg.TrainLimit, Raw: cfg.RawPixels})
	if err != nil {
		return errors.WithMessage(err, "loading training data")
	}
	test, err := mnist.Load(cfg.DataDir, "test", mnist.Options{Limit: cfg.TestLimit, Raw: cfg.RawPixels})
	if err != nil {
		return errors.WithMessage(err, "loading test data")
	}
	stats.DataLoadingTime = time.Since(start)
	if len(train) == 0 {
		return errors.Errorf("no training images in %s", cfg.DataDir)
	}
	klog.Infof("Loaded %d training and %d test images", len(train), len(test))

	res, err := trainAndVerify(ctx, cfg, train, test, &stats)
	if err != nil {
		return err
	}
	klog.Infof("%d of %d test images were verified correctly by the network.", res.correct, len(test))
	if res.reference.Correct != res.correct {
		klog.Warningf("Reference network classified %d of %d test images correctly, evaluator %d",
			res.reference.Correct, res.reference.Total, res.correct)
	} else {
		klog.Infof("Reference network agrees: %d of %d", res.reference.Correct, res.reference.Total)
	}

	if cfg.Private > 0 {
		return privateFirstLayer(res.net, test, cfg.Private, &stats)
	}
	return nil
}

// verification is the outcome of training and verifying one network.
type verification struct {
	net       *network.Network
	ref       *reference.Network
	correct   int
	reference reference.EpochResult
}

// trainAndVerify trains the reference network, loads its parameters into the
// evaluator and counts the test images the evaluator classifies correctly.
func trainAndVerify(ctx context.Context, cfg utils.Config, train, test []mnist.Sample, stats *utils.TimingStats) (*verification, error) {
	start := time.Now()
	ref, err := initialNetwork(cfg)
	if err != nil {
		return nil, err
	}
	weights, biases := evaluatorParams(ref)
	net, err := network.New(train[0].Inputs, cfg.Architecture, weights, biases)
	if err != nil {
		return nil, errors.WithMessage(err, "building the evaluator")
	}
	stats.ModelInitTime = time.Since(start)

	klog.Infof("Started learning.")
	start = time.Now()
	results, err := ref.SGD(ctx, squashedLines(train), squashedLines(test))
	stats.TrainingTime = time.Since(start)
	if err != nil {
		return nil, err
	}
	klog.Infof("Finished learning.")

	weights, biases = evaluatorParams(ref)
	if err := net.SetWeights(weights); err != nil {
		return nil, err
	}
	if err := net.SetBiases(biases); err != nil {
		return nil, err
	}

	start = time.Now()
	res := &verification{net: net, ref: ref, reference: results[len(results)-1]}
	for _, s := range test {
		prediction, err := net.Predict(s.Inputs)
		if err != nil {
			return nil, errors.WithMessage(err, "verifying test image")
		}
		if prediction == s.Label {
			res.correct++
		}
	}
	stats.VerificationTime = time.Since(start)
	stats.VerifiedImages = len(test)
	return res, nil
}

// privateFirstLayer evaluates the first transition of n test images under
// encryption and reports the largest deviation from the plaintext evaluator.
func privateFirstLayer(net *network.Network, test []mnist.Sample, n int, stats *utils.TimingStats) error {
	if n > len(test) {
		n = len(test)
	}
	start := time.Now()
	heCtx, err := he.NewContext(net.LayerSizes()[0])
	if err != nil {
		return err
	}
	stats.HEInitTime = time.Since(start)

	weights, biases := net.Weights(), net.Biases()
	var maxDiff float64
	for i := 0; i < n; i++ {
		if err := net.SetInput(test[i].Inputs); err != nil {
			return err
		}
		plain, err := net.Update()
		if err != nil {
			return err
		}
		start := time.Now()
		encrypted, err := heCtx.Layer(weights[0], biases[0], net.FirstLayer().RawVector().Data)
		if err != nil {
			return errors.WithMessagef(err, "encrypted first layer of test image %d", i)
		}
		stats.PrivateForwardTime += time.Since(start)
		stats.PrivateForwardCount++
		for j := 0; j < plain.Len(); j++ {
			maxDiff = math.Max(maxDiff, math.Abs(plain.AtVec(j)-encrypted.AtVec(j)))
		}
	}
	klog.Infof("Encrypted first layer of %d test images deviates at most %.3g from the plaintext one", n, maxDiff)
	return nil
}
