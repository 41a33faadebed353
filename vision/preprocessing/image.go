package preprocessing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Channels is the number of color channels produced by the processor (RGB)
const Channels = 3

// DecodeError reports an image that could not be read or decoded
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ImageProcessor decodes images and resizes them to a square target size,
// reusing its RGBA scratch buffer between calls
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Shape returns the CHW shape of the image
func (img *ProcessedImage) Shape() []int {
	return []int{img.Channels, img.Height, img.Width}
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it with bilinear
// interpolation and returns CHW data normalized to [0, 1]
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != size {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, size, size))
	}
	dst := p.tempImageBuffer
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, Channels*plane)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4:]
			idx := y*size + x
			data[idx] = float32(px[0]) / 255.0
			data[plane+idx] = float32(px[1]) / 255.0
			data[2*plane+idx] = float32(px[2]) / 255.0
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    size,
		Height:   size,
		Channels: Channels,
	}, nil
}

// LoadFile reads and preprocesses the image at path. Any failure is
// reported as a *DecodeError naming the path.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	img, err := p.DecodeAndPreprocess(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// Load decodes the image at path into a size x size CHW tensor in [0, 1]
func Load(path string, size int) (*ProcessedImage, error) {
	return NewImageProcessor(size).LoadFile(path)
}
