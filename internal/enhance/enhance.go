// Package enhance turns asset images into higher-resolution versions.
package enhance

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"
)

// Result is an enhanced image and its quality score in [0,1].
type Result struct {
	Data    []byte
	Quality float64
}

// Enhancer transforms image bytes. Implementations must not retain data.
type Enhancer interface {
	Method() string
	Enhance(ctx context.Context, data []byte) (*Result, error)
}

// Method names accepted by New.
const (
	MethodUpscale = "upscale"
	MethodCopy    = "copy"
)

// New returns the enhancer for method. scale applies to the upscaler only.
func New(method string, scale int) (Enhancer, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", MethodUpscale:
		return NewUpscaler(scale), nil
	case MethodCopy:
		return Copy{}, nil
	}
	return nil, eris.Errorf("enhance: unknown method %q", method)
}

// DefaultMaxPixels caps the output size of the upscaler.
const DefaultMaxPixels = 4096 * 4096

// Upscaler enlarges images by an integer factor with Catmull-Rom resampling.
type Upscaler struct {
	Scale     int
	MaxPixels int
}

// NewUpscaler returns an Upscaler; scales below 2 become 2.
func NewUpscaler(scale int) *Upscaler {
	if scale < 2 {
		scale = 2
	}
	return &Upscaler{Scale: scale, MaxPixels: DefaultMaxPixels}
}

// Method identifies the technique, e.g. "CatmullRom-x2".
func (u *Upscaler) Method() string {
	return fmt.Sprintf("CatmullRom-x%d", u.Scale)
}

// Enhance decodes a PNG or JPEG, scales it, and re-encodes it in the same
// format. The quality score compares the original against the result scaled
// back down.
func (u *Upscaler) Enhance(ctx context.Context, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "enhance: cancelled")
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "enhance: decode")
	}

	b := src.Bounds()
	w, h := b.Dx()*u.Scale, b.Dy()*u.Scale
	if w == 0 || h == 0 {
		return nil, eris.New("enhance: empty image")
	}
	if u.MaxPixels > 0 && w*h > u.MaxPixels {
		return nil, eris.Errorf("enhance: %dx%d output exceeds %d pixels", w, h, u.MaxPixels)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "enhance: cancelled")
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "enhance: encode %s", format)
	}

	return &Result{Data: buf.Bytes(), Quality: roundTripQuality(src, dst)}, nil
}

// roundTripQuality is 1 minus the mean absolute per-channel difference
// between orig and big scaled back to orig's size.
func roundTripQuality(orig image.Image, big image.Image) float64 {
	b := orig.Bounds()
	back := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.CatmullRom.Scale(back, back.Bounds(), big, big.Bounds(), draw.Src, nil)

	ref := image.NewRGBA(back.Bounds())
	draw.Draw(ref, ref.Bounds(), orig, b.Min, draw.Src)

	var sum float64
	for i := range ref.Pix {
		sum += math.Abs(float64(ref.Pix[i]) - float64(back.Pix[i]))
	}
	if len(ref.Pix) == 0 {
		return 0
	}
	q := 1 - sum/float64(len(ref.Pix))/255
	return math.Round(math.Max(0, math.Min(1, q))*1e4) / 1e4
}

// Copy returns its input unchanged with a fixed score. It stands in for a
// real model when none is configured.
type Copy struct{}

// Method implements Enhancer.
func (Copy) Method() string { return "Simulated-Copy" }

// Enhance implements Enhancer.
func (Copy) Enhance(ctx context.Context, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "enhance: cancelled")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return &Result{Data: out, Quality: 0.95}, nil
}
