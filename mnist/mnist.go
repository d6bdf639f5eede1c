// Package mnist loads the MNIST database of handwritten digits, either from the
// IDX files (optionally gzipped) or from "label,pixel,..." CSV dumps.
package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	Width      = 28
	Height     = 28
	NumPixels  = Width * Height
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// ErrFormat is returned for files that are not MNIST data.
var ErrFormat = errors.New("invalid mnist data")

// Sample is one image with its label and one-hot target.
type Sample struct {
	Inputs  []float64
	Targets []float64
	Label   int
}

// Options controls how samples are built.
type Options struct {
	// Limit caps the number of samples read, 0 reads everything.
	Limit int
	// Raw keeps pixel intensities in 0..255 instead of scaling them to [0,1].
	Raw bool
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

var files = map[string][2]string{
	"train": {"train-images-idx3-ubyte", "train-labels-idx1-ubyte"},
	"test":  {"t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"},
}

// OneHot returns a vector of length n with a one at index label.
func OneHot(label, n int) []float64 {
	vec := make([]float64, n)
	vec[label] = 1.
	return vec
}

// NewSample converts raw pixels into a sample.
func NewSample(pixels []byte, label int, raw bool) Sample {
	inputs := make([]float64, len(pixels))
	for i, p := range pixels {
		if raw {
			inputs[i] = float64(p)
		} else {
			inputs[i] = float64(p) / 255.0
		}
	}
	return Sample{
		Inputs:  inputs,
		Targets: OneHot(label, NumClasses),
		Label:   label,
	}
}

// maybeGunzip returns a reader that transparently decompresses gzip streams.
func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

func capCount(n int32, limit int) int {
	if limit > 0 && int(n) > limit {
		return limit
	}
	return int(n)
}

// maxImagePixels bounds the image size accepted from a file header.
const maxImagePixels = 1 << 16

// ReadImages reads an IDX3 image file. Every returned image holds rows*cols pixels.
func ReadImages(r io.Reader, limit int) ([][]byte, error) {
	return readImages(r, limit, 0)
}

// readImages is ReadImages that, for wantPixels > 0, also requires images of
// exactly wantPixels pixels.
func readImages(r io.Reader, limit, wantPixels int) ([][]byte, error) {
	r, err := maybeGunzip(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip stream")
	}
	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading image header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Wrapf(ErrFormat, "image file magic is 0x%08x, want 0x%08x", header.Magic, imageMagic)
	}
	if header.NumImages < 0 || header.Height <= 0 || header.Width <= 0 {
		return nil, errors.Wrapf(ErrFormat, "image header has %d images of %dx%d",
			header.NumImages, header.Height, header.Width)
	}
	size := int(header.Height) * int(header.Width)
	if size > maxImagePixels {
		return nil, errors.Wrapf(ErrFormat, "images of %dx%d exceed %d pixels",
			header.Height, header.Width, maxImagePixels)
	}
	if wantPixels > 0 && size != wantPixels {
		return nil, errors.Wrapf(ErrFormat, "images are %dx%d, want %d pixels",
			header.Height, header.Width, wantPixels)
	}

	// Grow with the data actually read, never with the header count alone.
	count := capCount(header.NumImages, limit)
	var images [][]byte
	for i := 0; i < count; i++ {
		img := make([]byte, size)
		if _, err := io.ReadFull(r, img); err != nil {
			return nil, errors.Wrapf(err, "reading image %d of %d", i, count)
		}
		images = append(images, img)
	}
	return images, nil
}

// ReadLabels reads an IDX1 label file.
func ReadLabels(r io.Reader, limit int) ([]byte, error) {
	r, err := maybeGunzip(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip stream")
	}
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "reading label header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Wrapf(ErrFormat, "label file magic is 0x%08x, want 0x%08x", header.Magic, labelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Wrapf(ErrFormat, "label header has %d labels", header.NumLabels)
	}
	count := capCount(header.NumLabels, limit)
	labels, err := io.ReadAll(io.LimitReader(r, int64(count)))
	if err != nil {
		return nil, errors.Wrap(err, "reading labels")
	}
	if len(labels) < count {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "read %d of %d labels", len(labels), count)
	}
	for i, l := range labels {
		if int(l) >= NumClasses {
			return nil, errors.Wrapf(ErrFormat, "label %d is %d", i, l)
		}
	}
	return labels, nil
}

// findFile returns the first existing variant of name in dir.
func findFile(dir, name string) (string, error) {
	// "train-images.idx3-ubyte" is how some mirrors name the files.
	dotted := name[:len(name)-len("-idx3-ubyte")] + "." + name[len(name)-len("idx3-ubyte"):]
	for _, candidate := range []string{name, name + ".gz", dotted, dotted + ".gz"} {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("%s not found in %s", name, dir)
}

func readFile[T any](path string, limit int, read func(io.Reader, int) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	v, err := read(f, limit)
	if err != nil {
		return zero, errors.Wrapf(err, "reading %s", path)
	}
	return v, nil
}

// Load reads the "train" or "test" split from the IDX files in dir.
func Load(dir, split string, opts Options) ([]Sample, error) {
	names, ok := files[split]
	if !ok {
		return nil, errors.Errorf("unknown split %q, want \"train\" or \"test\"", split)
	}
	imagesPath, err := findFile(dir, names[0])
	if err != nil {
		return nil, err
	}
	labelsPath, err := findFile(dir, names[1])
	if err != nil {
		return nil, err
	}
	images, err := readFile(imagesPath, opts.Limit, func(r io.Reader, limit int) ([][]byte, error) {
		return readImages(r, limit, NumPixels)
	})
	if err != nil {
		return nil, err
	}
	labels, err := readFile(labelsPath, opts.Limit, ReadLabels)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Wrapf(ErrFormat, "%d images but %d labels in the %s split", len(images), len(labels), split)
	}

	samples := make([]Sample, len(images))
	for i := range images {
		samples[i] = NewSample(images[i], int(labels[i]), opts.Raw)
	}
	klog.V(1).Infof("loaded %d %s samples from %s", len(samples), split, dir)
	return samples, nil
}

// ReadCSV reads "label,pixel,pixel,..." records with NumPixels pixels each.
func ReadCSV(r io.Reader, opts Options) ([]Sample, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = NumPixels + 1
	cr.ReuseRecord = true

	var samples []Sample
	for lineNum := 1; opts.Limit <= 0 || len(samples) < opts.Limit; lineNum++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrFormat, "line %d: %v", lineNum, err)
		}
		label, err := strconv.Atoi(record[0])
		if err != nil || label < 0 || label >= NumClasses {
			return nil, errors.Wrapf(ErrFormat, "line %d: invalid label %q", lineNum, record[0])
		}
		pixels := make([]byte, NumPixels)
		for i := range pixels {
			p, err := strconv.ParseUint(record[i+1], 10, 8)
			if err != nil {
				return nil, errors.Wrapf(ErrFormat, "line %d: pixel %d: %v", lineNum, i, err)
			}
			pixels[i] = byte(p)
		}
		samples = append(samples, NewSample(pixels, label, opts.Raw))
	}
	return samples, nil
}
