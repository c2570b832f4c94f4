package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestSniffFormat(t *testing.T) {
	cases := []struct {
		name   string
		data   []byte
		format string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, "jpeg"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, "png"},
		{"bmp", []byte{'B', 'M', 0x00, 0x00}, "bmp"},
		{"gif87", []byte("GIF87a trailer"), "gif"},
		{"gif89", []byte("GIF89a trailer"), "gif"},
	}
	for _, tc := range cases {
		format, err := SniffFormat(tc.data)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if format != tc.format {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.format, format)
		}
	}
}

func TestSniffFormatRejectsUnknown(t *testing.T) {
	if _, err := SniffFormat([]byte("definitely not an image")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	data := pngBytes(t, testImage(40, 30))

	img, format, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png, got %s", format)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	if _, _, err := Decode([]byte{0xFF, 0xD8, 0xFF, 0xE0}); err == nil {
		t.Fatal("expected error for truncated jpeg")
	}
}

func TestCropClampsToBounds(t *testing.T) {
	img := testImage(50, 50)

	crop, err := Crop(img, image.Rect(40, 40, 90, 90))
	if err != nil {
		t.Fatalf("crop failed: %v", err)
	}
	if crop.Bounds().Dx() != 10 || crop.Bounds().Dy() != 10 {
		t.Fatalf("expected 10x10 clamped crop, got %v", crop.Bounds())
	}
}

func TestCropOutsideBounds(t *testing.T) {
	if _, err := Crop(testImage(20, 20), image.Rect(100, 100, 120, 120)); err == nil {
		t.Fatal("expected error for region outside image")
	}
}

func TestEncodeJPEGProducesSniffableOutput(t *testing.T) {
	data, err := EncodeJPEG(testImage(16, 16), DefaultJPEGQuality)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if format, err := SniffFormat(data); err != nil || format != "jpeg" {
		t.Fatalf("expected sniffable jpeg, got format=%q err=%v", format, err)
	}
}

func TestContrastEnhancerIsDeterministic(t *testing.T) {
	enhancer := NewContrastEnhancer()
	img := testImage(24, 24)

	a := enhancer.Enhance(img).(*image.RGBA)
	b := enhancer.Enhance(img).(*image.RGBA)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("enhancement is not deterministic")
	}
}

func TestContrastEnhancerStretchesAroundMidpoint(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 2))
	img.Set(0, 0, color.RGBA{R: 200, G: 200, B: 200, A: 255})
	img.Set(0, 1, color.RGBA{R: 50, G: 50, B: 50, A: 255})

	out := NewContrastEnhancer().Enhance(img).(*image.RGBA)
	bright := out.RGBAAt(0, 0)
	dark := out.RGBAAt(0, 1)

	if bright.R <= 200 {
		t.Fatalf("expected bright pixel to get brighter, got %d", bright.R)
	}
	if dark.R >= 50 {
		t.Fatalf("expected dark pixel to get darker, got %d", dark.R)
	}
}

func TestNopEnhancerReturnsInput(t *testing.T) {
	img := testImage(8, 8)
	if (NopEnhancer{}).Enhance(img) != image.Image(img) {
		t.Fatal("expected the same image back")
	}
}
