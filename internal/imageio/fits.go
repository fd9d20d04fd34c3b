// Package imageio reads and writes FITS images.
package imageio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"

	"duosplit/internal/model"
)

var (
	ErrNoImage          = errors.New("fits file holds no image")
	ErrUnsupportedShape = errors.New("unsupported fits image shape")
)

// ReadRGB reads a planar three-channel cube (NAXIS3 = 3) from path.
func ReadRGB(path string) (model.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Image{}, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()
	img, err := DecodeRGB(f)
	if err != nil {
		return model.Image{}, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeRGB decodes the first image HDU of r as an RGB cube. BSCALE and BZERO
// are applied.
func DecodeRGB(r io.Reader) (model.Image, error) {
	axes, data, err := decodeFirstImage(r)
	if err != nil {
		return model.Image{}, err
	}
	if len(axes) != 3 || axes[2] != 3 {
		return model.Image{}, fmt.Errorf("%w: axes %v, want [width height 3]", ErrUnsupportedShape, axes)
	}
	width, height := axes[0], axes[1]
	n := width * height
	return model.NewImage(width, height, data[:n], data[n:2*n], data[2*n:3*n])
}

func decodeFirstImage(r io.Reader) ([]int, []float64, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("decode fits: %w", err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		axes := img.Header().Axes()
		if len(axes) == 0 || product(axes) == 0 {
			continue
		}
		data, err := readPixels(img)
		if err != nil {
			return nil, nil, err
		}
		return axes, data, nil
	}
	return nil, nil, ErrNoImage
}

// readPixels reads the payload in its stored type and converts it to float64
// physical values.
func readPixels(img fitsio.Image) ([]float64, error) {
	hdr := img.Header()
	n := product(hdr.Axes())
	var (
		out []float64
		err error
	)
	switch bitpix := hdr.Bitpix(); bitpix {
	case 8:
		out, err = readAs[uint8](img, n)
	case 16:
		out, err = readAs[int16](img, n)
	case 32:
		out, err = readAs[int32](img, n)
	case 64:
		out, err = readAs[int64](img, n)
	case -32:
		out, err = readAs[float32](img, n)
	case -64:
		out = make([]float64, n)
		err = img.Read(&out)
	default:
		return nil, fmt.Errorf("%w: bitpix %d", ErrUnsupportedShape, bitpix)
	}
	if err != nil {
		return nil, fmt.Errorf("read fits pixels: %w", err)
	}

	scale := cardFloat(hdr, "BSCALE", 1)
	zero := cardFloat(hdr, "BZERO", 0)
	if scale != 1 || zero != 0 {
		for i := range out {
			out[i] = out[i]*scale + zero
		}
	}
	return out, nil
}

// readAs reads n samples stored as T. fitsio fills the slice in place, so it
// must already hold n elements.
func readAs[T uint8 | int16 | int32 | int64 | float32](img fitsio.Image, n int) ([]float64, error) {
	raw := make([]T, n)
	if err := img.Read(&raw); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

func cardFloat(hdr *fitsio.Header, name string, fallback float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return fallback
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return fallback
	}
}

// WriteMono writes one plane as a 32-bit float image with an OBJECT card.
func WriteMono(path string, width, height int, data []float64, object string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}
	if err := EncodeMono(f, width, height, data, object); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func EncodeMono(w io.Writer, width, height int, data []float64, object string) error {
	if len(data) != width*height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrUnsupportedShape, len(data), width, height)
	}
	return encode(w, []int{width, height}, data, object)
}

// WriteRGB writes img as a planar 32-bit float cube.
func WriteRGB(path string, img model.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create fits: %w", err)
	}
	if err := EncodeRGB(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

func EncodeRGB(w io.Writer, img model.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	data := make([]float64, 0, 3*img.Len())
	data = append(data, img.Red...)
	data = append(data, img.Green...)
	data = append(data, img.Blue...)
	return encode(w, []int{img.Width, img.Height, 3}, data, "")
}

func encode(w io.Writer, axes []int, data []float64, object string) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("encode fits: %w", err)
	}

	img := fitsio.NewImage(-32, axes)
	defer img.Close()
	if object != "" {
		if err := img.Header().Append(fitsio.Card{Name: "OBJECT", Value: object}); err != nil {
			return fmt.Errorf("encode fits header: %w", err)
		}
	}
	raw := make([]float32, len(data))
	for i, v := range data {
		raw[i] = float32(v)
	}
	if err := img.Write(&raw); err != nil {
		return fmt.Errorf("encode fits pixels: %w", err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("encode fits hdu: %w", err)
	}
	return f.Close()
}

func product(axes []int) int {
	n := 1
	for _, a := range axes {
		n *= a
	}
	return n
}
