package utils

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config holds the settings of a training and verification run.
type Config struct {
	Architecture []int
	DataDir      string
	Epochs       int
	BatchSize    int
	LearningRate float64
	TrainLimit   int
	TestLimit    int
	Seed         int64
	RawPixels    bool
	// Private is the number of test images whose first layer is evaluated under encryption.
	Private int
}

// ParseArchitecture parses architecture string into slice of integers
func ParseArchitecture(archStr string) ([]int, error) {
	archParts := strings.FieldsFunc(archStr, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	arch := make([]int, len(archParts))
	for i, s := range archParts {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d of architecture %q", i, archStr)
		}
		arch[i] = n
	}
	return arch, nil
}

// ValidateConfig validates training configuration for the given input and output sizes.
func ValidateConfig(config *Config, inputs, outputs int) error {
	arch := config.Architecture
	if len(arch) < 2 {
		return errors.New("architecture must have at least 2 layers (input and output)")
	}
	for i, n := range arch {
		if n <= 0 {
			return errors.Errorf("layer %d has %d neurons, sizes must be positive", i, n)
		}
	}
	if arch[0] != inputs {
		return errors.Errorf("input layer has %d neurons, data has %d inputs", arch[0], inputs)
	}
	if arch[len(arch)-1] != outputs {
		return errors.Errorf("output layer has %d neurons, data has %d classes", arch[len(arch)-1], outputs)
	}

	if config.Epochs <= 0 {
		return errors.New("epochs must be positive")
	}

	if config.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}

	if config.LearningRate <= 0 {
		return errors.New("learning rate must be positive")
	}

	if config.TrainLimit < 0 || config.TestLimit < 0 || config.Private < 0 {
		return errors.New("limits must not be negative")
	}

	return nil
}
