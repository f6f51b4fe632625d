package preprocessing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// createMockPNGImage creates a solid colored PNG image for testing
func createMockPNGImage(width, height int, c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	return buf.Bytes(), err
}

func TestNewImageProcessor(t *testing.T) {
	processor := NewImageProcessor(32)
	if processor.TargetSize() != 32 {
		t.Errorf("Expected target size 32, got %d", processor.TargetSize())
	}
	if processor.tempImageBuffer != nil || processor.processBuffer != nil {
		t.Error("Expected buffers to be allocated lazily")
	}
}

func TestDecodeAndPreprocess(t *testing.T) {
	processor := NewImageProcessor(8)

	t.Run("PNG", func(t *testing.T) {
		data, err := createMockPNGImage(20, 10, color.RGBA{255, 0, 0, 255})
		if err != nil {
			t.Fatalf("Failed to create mock image: %v", err)
		}

		result, err := processor.DecodeAndPreprocess(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("DecodeAndPreprocess failed: %v", err)
		}
		if result.Width != 8 || result.Height != 8 || result.Channels != 3 {
			t.Fatalf("Unexpected dimensions %dx%dx%d", result.Channels, result.Height, result.Width)
		}
		if len(result.Data) != 3*8*8 {
			t.Fatalf("Expected %d values, got %d", 3*8*8, len(result.Data))
		}

		// Red plane is 1, green and blue planes are 0.
		if result.Data[0] != 1 || result.Data[64] != 0 || result.Data[128] != 0 {
			t.Errorf("Unexpected channel values %v %v %v", result.Data[0], result.Data[64], result.Data[128])
		}

		x, err := result.Tensor()
		if err != nil {
			t.Fatalf("Tensor failed: %v", err)
		}
		if !reflect.DeepEqual(x.Shape, []int{3, 8, 8}) {
			t.Errorf("Expected shape [3 8 8], got %v", x.Shape)
		}
	})

	t.Run("JPEG", func(t *testing.T) {
		img := image.NewGray(image.Rect(0, 0, 16, 16))
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		result, err := processor.DecodeAndPreprocess(&buf)
		if err != nil {
			t.Fatalf("DecodeAndPreprocess failed: %v", err)
		}
		for _, v := range result.Data {
			if v < 0 || v > 1 || math.IsNaN(float64(v)) {
				t.Fatalf("Value out of range: %v", v)
			}
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := processor.DecodeAndPreprocess(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("Expected decode error")
		}
	})
}

func TestDecodeConfig(t *testing.T) {
	data, err := createMockPNGImage(7, 5, color.RGBA{0, 0, 255, 255})
	if err != nil {
		t.Fatalf("Failed to create mock image: %v", err)
	}
	path := filepath.Join(t.TempDir(), "img.png")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w, h, err := DecodeConfig(path)
	if err != nil {
		t.Fatalf("DecodeConfig failed: %v", err)
	}
	if w != 7 || h != 5 {
		t.Errorf("Expected 7x5, got %dx%d", w, h)
	}
}

func TestResizeCanvas(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	red := color.RGBA{255, 0, 0, 255}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.Set(x, y, red)
		}
	}

	white := color.RGBA{255, 255, 255, 255}
	canvas := ResizeCanvas(src, 5, 4, white)
	if canvas.Bounds().Dx() != 5 || canvas.Bounds().Dy() != 4 {
		t.Fatalf("Unexpected canvas size %v", canvas.Bounds())
	}

	// Offsets round up: x = ceil(3/2) = 2, y = ceil(2/2) = 1.
	if canvas.RGBAAt(2, 1) != red || canvas.RGBAAt(3, 2) != red {
		t.Error("Expected source pixels at the centered offset")
	}
	if canvas.RGBAAt(1, 1) != white || canvas.RGBAAt(2, 0) != white {
		t.Error("Expected background around the source")
	}

	square := Square(image.NewRGBA(image.Rect(0, 0, 6, 2)), nil)
	if square.Bounds().Dx() != 6 || square.Bounds().Dy() != 6 {
		t.Errorf("Expected 6x6 square, got %v", square.Bounds())
	}
}

func TestPreprocessBatch(t *testing.T) {
	dir := t.TempDir()

	var paths []string
	for i := 0; i < 4; i++ {
		data, err := createMockPNGImage(10+i, 10, color.RGBA{uint8(i * 50), 0, 0, 255})
		if err != nil {
			t.Fatalf("Failed to create mock image: %v", err)
		}
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		paths = append(paths, path)
	}

	results, err := PreprocessBatch(context.Background(), paths, 4, 2)
	if err != nil {
		t.Fatalf("PreprocessBatch failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	for i, r := range results {
		if r == nil || len(r.Data) != 48 {
			t.Errorf("Result %d is incomplete", i)
		}
	}

	paths = append(paths, filepath.Join(dir, "missing.png"))
	if _, err := PreprocessBatch(context.Background(), paths, 4, 2); err == nil {
		t.Error("Expected error for missing file")
	}
}
