package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

// DefaultJPEGQuality is used for crops and enhanced derivatives.
const DefaultJPEGQuality = 95

// ErrUnsupportedFormat is returned when bytes do not carry a known image signature.
var ErrUnsupportedFormat = errors.New("unsupported image format")

var signatures = []struct {
	sig    []byte
	format string
}{
	{[]byte{0xFF, 0xD8, 0xFF}, "jpeg"},
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "png"},
	{[]byte{'B', 'M'}, "bmp"},
	{[]byte("GIF87a"), "gif"},
	{[]byte("GIF89a"), "gif"},
}

// SniffFormat identifies the image format from magic bytes.
func SniffFormat(b []byte) (string, error) {
	for _, s := range signatures {
		if bytes.HasPrefix(b, s.sig) {
			return s.format, nil
		}
	}
	return "", ErrUnsupportedFormat
}

// Decode parses image bytes into a decoded image and its sniffed format.
// GIF inputs decode to their first frame.
func Decode(b []byte) (image.Image, string, error) {
	format, err := SniffFormat(b)
	if err != nil {
		return nil, "", err
	}

	var img image.Image
	switch format {
	case "jpeg":
		img, err = jpeg.Decode(bytes.NewReader(b))
	case "png":
		img, err = png.Decode(bytes.NewReader(b))
	case "bmp":
		img, err = bmp.Decode(bytes.NewReader(b))
	case "gif":
		img, err = gif.Decode(bytes.NewReader(b))
	}
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", format, err)
	}
	return img, format, nil
}

// EncodeJPEG serializes an image as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Crop extracts the given region, clamped to the image bounds. Provider
// boxes occasionally overshoot the frame by a few pixels.
func Crop(img image.Image, region image.Rectangle) (image.Image, error) {
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, errors.New("crop region outside image bounds")
	}
	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	xdraw.Copy(dst, image.Point{}, img, region, xdraw.Over, nil)
	return dst, nil
}
