package preprocessing

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // registers JPEG decoding
	_ "image/png"  // registers PNG decoding
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/tinyai/tensor"
)

// ImageProcessor provides image preprocessing with buffer reuse
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	processBuffer   []float32
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the edge length of processed images.
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ProcessedImage represents a preprocessed image ready for network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Tensor returns the image as a [channels, height, width] tensor.
func (pi *ProcessedImage) Tensor() (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{pi.Channels, pi.Height, pi.Width}, pi.Data)
}

// DecodeAndPreprocess decodes a JPEG or PNG image and preprocesses it.
// Returns data in CHW format (channels, height, width) normalized to [0, 1]
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Process(img), nil
}

// DecodeFile opens and preprocesses the image stored at path.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return p.DecodeAndPreprocess(file)
}

// Process resizes img to the target size with nearest-neighbour sampling and
// converts it to normalized CHW float data.
func (p *ImageProcessor) Process(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != p.targetSize || p.tempImageBuffer.Bounds().Dy() != p.targetSize {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	targetImg := p.tempImageBuffer

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			srcY := int(float64(y) * scaleY)

			if srcX >= width {
				srcX = width - 1
			}
			if srcY >= height {
				srcY = height - 1
			}

			targetImg.Set(x, y, img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}

	// Reuse data buffer
	plane := p.targetSize * p.targetSize
	requiredSize := 3 * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	for y := 0; y < p.targetSize; y++ {
		for x := 0; x < p.targetSize; x++ {
			r, g, b, _ := targetImg.At(x, y).RGBA()

			idx := y*p.targetSize + x
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// Copy out of the reusable buffer
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}
}

// DecodeConfig reads only the image header at path and returns its size.
func DecodeConfig(path string) (width, height int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// ResizeCanvas places img centered on a width x height canvas filled with bg.
// A nil bg uses the color of the top-left source pixel. The image is not
// scaled, so a smaller canvas crops it.
func ResizeCanvas(img image.Image, width, height int, bg color.Color) *image.RGBA {
	bounds := img.Bounds()
	if bg == nil {
		bg = img.At(bounds.Min.X, bounds.Min.Y)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: bg}, image.Point{}, draw.Src)

	// Round up like the offset of an odd padding.
	offX := ceilHalf(width - bounds.Dx())
	offY := ceilHalf(height - bounds.Dy())
	dst := image.Rect(offX, offY, offX+bounds.Dx(), offY+bounds.Dy())
	draw.Draw(canvas, dst, img, bounds.Min, draw.Over)

	return canvas
}

// Square pads img to a square canvas of its longest side.
func Square(img image.Image, bg color.Color) *image.RGBA {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() > side {
		side = b.Dy()
	}
	return ResizeCanvas(img, side, side, bg)
}

func ceilHalf(n int) int {
	if n >= 0 {
		return (n + 1) / 2
	}
	return n / 2
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(ctx context.Context, imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i, path := range imagePaths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := NewImageProcessor(targetSize).DecodeFile(path)
			if err != nil {
				return fmt.Errorf("failed to process image %d: %w", i, err)
			}
			results[i] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
