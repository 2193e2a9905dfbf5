// Package preprocess converts decoded images into the pixel values a vision model expects.
package preprocess

import (
	"image"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/beit-classifier/internal/model"
)

// Channels is the number of color channels of the pixel values: alpha is dropped and
// grayscale images are expanded to RGB.
const Channels = 3

// FeatureExtractor resizes, crops, rescales and normalizes images, and lays them out
// channels-first ([3, height, width]).
type FeatureExtractor struct {
	cfg           model.PreprocessorConfig
	height, width int
	interp        resize.InterpolationFunction
}

// New creates a FeatureExtractor from a preprocessor config.
func New(cfg model.PreprocessorConfig) (*FeatureExtractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	height, width := cfg.OutputSize()
	return &FeatureExtractor{
		cfg:    cfg,
		height: height,
		width:  width,
		interp: interpolation(cfg.Resample),
	}, nil
}

func interpolation(resample int) resize.InterpolationFunction {
	switch resample {
	case model.ResampleNearest:
		return resize.NearestNeighbor
	case model.ResampleLanczos:
		return resize.Lanczos3
	case model.ResampleBicubic:
		return resize.Bicubic
	default:
		return resize.Bilinear
	}
}

// Shape returns the dimensions of the pixel values of one image.
func (fe *FeatureExtractor) Shape() (channels, height, width int) {
	return Channels, fe.height, fe.width
}

// Size is the number of float32 values of one image.
func (fe *FeatureExtractor) Size() int {
	return Channels * fe.height * fe.width
}

// Extract returns the pixel values of img.
func (fe *FeatureExtractor) Extract(img image.Image) []float32 {
	pixels := make([]float32, fe.Size())
	fe.ExtractInto(pixels, img)
	return pixels
}

// ExtractInto writes the pixel values of img into dst, which must have Size() elements.
// It's used to fill one example of a batch in place.
func (fe *FeatureExtractor) ExtractInto(dst []float32, img image.Image) {
	if len(dst) != fe.Size() {
		panic("preprocess: ExtractInto destination has the wrong size")
	}
	if fe.cfg.DoResize {
		img = fe.resize(img)
	}

	// Center crop window; pixels outside the image read as 0.
	bounds := img.Bounds()
	x0 := bounds.Min.X + (bounds.Dx()-fe.width)/2
	y0 := bounds.Min.Y + (bounds.Dy()-fe.height)/2

	planeSize := fe.height * fe.width
	var mean, std [Channels]float64
	for c := range Channels {
		mean[c], std[c] = 0, 1
		if fe.cfg.DoNormalize {
			mean[c], std[c] = fe.cfg.ImageMean[c], fe.cfg.ImageStd[c]
		}
	}
	rescale := 1.0
	if fe.cfg.DoRescale {
		rescale = fe.cfg.RescaleFactor
	}

	for y := 0; y < fe.height; y++ {
		for x := 0; x < fe.width; x++ {
			var rgb [Channels]float64
			point := image.Point{X: x0 + x, Y: y0 + y}
			if point.In(bounds) {
				r, g, b, _ := img.At(point.X, point.Y).RGBA()
				// 16 bits per channel back to the 0-255 range.
				rgb = [Channels]float64{float64(r) / 257.0, float64(g) / 257.0, float64(b) / 257.0}
			}
			pixelIndex := y*fe.width + x
			for c := range Channels {
				dst[c*planeSize+pixelIndex] = float32((rgb[c]*rescale - mean[c]) / std[c])
			}
		}
	}
}

func (fe *FeatureExtractor) resize(img image.Image) image.Image {
	size := fe.cfg.Size
	if size.ShortestEdge <= 0 {
		return resize.Resize(uint(size.Width), uint(size.Height), img, fe.interp)
	}
	bounds := img.Bounds()
	edge := uint(size.ShortestEdge)
	if bounds.Dx() < bounds.Dy() {
		return resize.Resize(edge, 0, img, fe.interp)
	}
	return resize.Resize(0, edge, img, fe.interp)
}
