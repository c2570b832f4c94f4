package imaging

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Enhancer prepares a document scan for face detection. Implementations
// may apply contrast, sharpening, or de-noising passes.
type Enhancer interface {
	Enhance(img image.Image) image.Image
}

// ContrastEnhancer applies a linear contrast boost around the midpoint,
// mirroring the preprocessing the extraction flow has always used.
type ContrastEnhancer struct {
	// Factor > 1 increases contrast. Zero value means no adjustment.
	Factor float64
}

// NewContrastEnhancer returns the default enhancement pass (factor 1.15).
func NewContrastEnhancer() *ContrastEnhancer {
	return &ContrastEnhancer{Factor: 1.15}
}

// Enhance returns a contrast-adjusted RGBA copy of img.
func (e *ContrastEnhancer) Enhance(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Copy(dst, image.Point{}, img, bounds, xdraw.Over, nil)

	factor := e.Factor
	if factor == 0 || factor == 1 {
		return dst
	}

	pix := dst.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i] = adjust(pix[i], factor)
		pix[i+1] = adjust(pix[i+1], factor)
		pix[i+2] = adjust(pix[i+2], factor)
	}
	return dst
}

func adjust(c uint8, factor float64) uint8 {
	v := (float64(c)-128)*factor + 128
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}

// NopEnhancer skips enhancement entirely. Useful when an external
// image-processing service handles preprocessing upstream.
type NopEnhancer struct{}

// Enhance returns the input unchanged.
func (NopEnhancer) Enhance(img image.Image) image.Image { return img }
