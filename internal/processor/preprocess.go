/**
 * Image Preprocessing - OpenCV recipes that turn a photographed answer into
 * a clean binary image for the recognition engine.
 *
 * Recipes:
 * - enhanced:   gray → 2x cubic → CLAHE 2.0 → deblur → NL-means h=5 → adaptive 11/2 → close+open 2x2
 * - aggressive: gray → 3x cubic → 5x5 sharpen → CLAHE 3.0 → adaptive 15/5 → close 2x2
 * - standard:   gray → NL-means h=10 → Otsu → close 1x1
 */

package processor

import (
	"fmt"
	"image"
	"runtime"
	"time"

	"github.com/adverant/nexus/answerscan-worker/internal/errors"
	"github.com/adverant/nexus/answerscan-worker/internal/metrics"
	"gocv.io/x/gocv"
)

// Preprocessor turns a raw photograph into a binarized image under one strategy.
// Implementations must not modify raw.
type Preprocessor interface {
	Preprocess(raw *RawImage, strategy Strategy) (*ProcessedImage, error)
}

// step is one named transform from src into dst
type step struct {
	name  string
	apply func(src gocv.Mat, dst *gocv.Mat)
}

var (
	sharpen3x3 = [][]float32{
		{-1, -1, -1},
		{-1, 9, -1},
		{-1, -1, -1},
	}

	// coefficients sum to 8; scaled by 1/8 to keep overall brightness
	sharpen5x5 = [][]float32{
		{-1, -1, -1, -1, -1},
		{-1, 2, 2, 2, -1},
		{-1, 2, 8, 2, -1},
		{-1, 2, 2, 2, -1},
		{-1, -1, -1, -1, -1},
	}
)

func recipe(strategy Strategy) ([]step, error) {
	switch strategy {
	case StrategyEnhanced:
		return []step{
			upscale(2),
			equalize(2.0),
			{"deblur", deblur},
			denoise(5),
			adaptiveBinarize(11, 2),
			morph("close", gocv.MorphClose, 2),
			morph("open", gocv.MorphOpen, 2),
		}, nil
	case StrategyAggressive:
		return []step{
			upscale(3),
			convolve("sharpen5x5", sharpen5x5, 1.0/8),
			equalize(3.0),
			adaptiveBinarize(15, 5),
			morph("close", gocv.MorphClose, 2),
		}, nil
	case StrategyStandard:
		return []step{
			denoise(10),
			{"otsu", func(src gocv.Mat, dst *gocv.Mat) {
				gocv.Threshold(src, dst, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)
			}},
			morph("close", gocv.MorphClose, 1),
		}, nil
	}
	return nil, fmt.Errorf("no preprocessing recipe for %s", strategy)
}

func upscale(factor float64) step {
	return step{fmt.Sprintf("upscale%gx", factor), func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Resize(src, dst, image.Point{}, factor, factor, gocv.InterpolationCubic)
	}}
}

func equalize(clipLimit float64) step {
	return step{fmt.Sprintf("clahe%.1f", clipLimit), func(src gocv.Mat, dst *gocv.Mat) {
		clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(8, 8))
		defer clahe.Close()
		clahe.Apply(src, dst)
	}}
}

func denoise(h float32) step {
	return step{fmt.Sprintf("nlmeans%g", h), func(src gocv.Mat, dst *gocv.Mat) {
		gocv.FastNlMeansDenoisingWithParams(src, dst, h, 7, 21)
	}}
}

func adaptiveBinarize(blockSize int, c float32) step {
	return step{fmt.Sprintf("adaptive%d", blockSize), func(src gocv.Mat, dst *gocv.Mat) {
		gocv.AdaptiveThreshold(src, dst, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, blockSize, c)
	}}
}

func morph(name string, op gocv.MorphType, size int) step {
	return step{fmt.Sprintf("%s%dx%d", name, size, size), func(src gocv.Mat, dst *gocv.Mat) {
		kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(size, size))
		defer kernel.Close()
		gocv.MorphologyEx(src, dst, op, kernel)
	}}
}

func convolve(name string, coeffs [][]float32, scale float32) step {
	return step{name, func(src gocv.Mat, dst *gocv.Mat) {
		kernel := kernelMat(coeffs, scale)
		defer kernel.Close()
		gocv.Filter2D(src, dst, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	}}
}

// deblur runs a sharpening kernel and an unsharp mask and keeps the result
// with the higher pixel variance
func deblur(src gocv.Mat, dst *gocv.Mat) {
	sharpened := gocv.NewMat()
	defer sharpened.Close()
	convolve("sharpen3x3", sharpen3x3, 1).apply(src, &sharpened)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Point{}, 2.0, 0, gocv.BorderDefault)

	unsharp := gocv.NewMat()
	defer unsharp.Close()
	gocv.AddWeighted(src, 1.5, blurred, -0.5, 0, &unsharp)

	if pixelVariance(sharpened.ToBytes()) > pixelVariance(unsharp.ToBytes()) {
		sharpened.CopyTo(dst)
		return
	}
	unsharp.CopyTo(dst)
}

func kernelMat(coeffs [][]float32, scale float32) gocv.Mat {
	k := gocv.NewMatWithSize(len(coeffs), len(coeffs[0]), gocv.MatTypeCV32F)
	for r, row := range coeffs {
		for c, v := range row {
			k.SetFloatAt(r, c, v*scale)
		}
	}
	return k
}

// pixelVariance is the population variance of 8-bit intensities
func pixelVariance(pix []byte) float64 {
	if len(pix) == 0 {
		return 0
	}
	var sum, sumSq float64
	for _, p := range pix {
		v := float64(p)
		sum += v
		sumSq += v * v
	}
	n := float64(len(pix))
	mean := sum / n
	return sumSq/n - mean*mean
}

// OpenCVPreprocessor implements Preprocessor with gocv
type OpenCVPreprocessor struct{}

// NewOpenCVPreprocessor creates the default preprocessor
func NewOpenCVPreprocessor() *OpenCVPreprocessor {
	return &OpenCVPreprocessor{}
}

// Preprocess runs the strategy's recipe on a private copy of raw
func (p *OpenCVPreprocessor) Preprocess(raw *RawImage, strategy Strategy) (*ProcessedImage, error) {
	if raw.empty() {
		return nil, errors.NewInvalidImageError("", "zero-area image", nil)
	}
	steps, err := recipe(strategy)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.PreprocessDuration.WithLabelValues(strategy.String()).Observe(time.Since(start).Seconds())
	}()

	pix := raw.rgbaCopy()
	rgba, err := gocv.NewMatFromBytes(raw.Height(), raw.Width(), gocv.MatTypeCV8UC4, pix)
	if err != nil {
		return nil, errors.NewInvalidImageError("", "image cannot be loaded into OpenCV", err)
	}

	cur := gocv.NewMat()
	gocv.CvtColor(rgba, &cur, gocv.ColorRGBAToGray)
	rgba.Close()
	runtime.KeepAlive(pix)

	for _, s := range steps {
		next := gocv.NewMat()
		s.apply(cur, &next)
		cur.Close()
		if next.Empty() {
			next.Close()
			return nil, fmt.Errorf("%s preprocessing step %s produced an empty image", strategy, s.name)
		}
		cur = next
	}
	defer cur.Close()

	img, err := cur.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%s preprocessing: failed to convert result: %w", strategy, err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("%s preprocessing produced %T, want *image.Gray", strategy, img)
	}

	return &ProcessedImage{Strategy: strategy, Image: gray}, nil
}
