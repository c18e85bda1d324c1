// Package imgproc converts between images and NCHW tensors and composes the
// comparison images written by the visualizer.
package imgproc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// ImageNetMean is the per channel mean subtracted from RGB inputs.
var ImageNetMean = [3]float64{123.68, 116.779, 103.939}

// ErrSizeMismatch is returned when images that must line up do not.
var ErrSizeMismatch = errors.New("imgproc: image sizes differ")

// Load decodes a PNG or JPEG file and resizes it to width x height.
func Load(filename string, height, width int) (*image.RGBA, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filename, err)
	}
	return Resize(src, height, width), nil
}

// Resize scales img to width x height with Catmull-Rom interpolation.
func Resize(img image.Image, height, width int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// clamp rounds v to the nearest 8 bit value.
func clamp(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// ToTensor returns img as a (1, 3, H, W) tensor with mean subtracted from
// each channel. swapBGR stores the channels in B, G, R order.
func ToTensor(img image.Image, mean [3]float64, swapBGR bool) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.New(1, 3, h, w)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			rgb := [3]float64{float64(c.R), float64(c.G), float64(c.B)}
			if swapBGR {
				rgb[0], rgb[2] = rgb[2], rgb[0]
			}
			for ch := 0; ch < 3; ch++ {
				t.Data[ch*plane+y*w+x] = rgb[ch] - mean[ch]
			}
		}
	}
	return t
}

// FromTensor rebuilds the first sample of a (N, 3, H, W) tensor as an
// image, adding mean back and undoing the channel swap.
func FromTensor(t *tensor.Tensor, mean [3]float64, swapBGR bool) (*image.RGBA, error) {
	_, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, fmt.Errorf("%w: want 3 channels, got %d", tensor.ErrShapeMismatch, c)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var rgb [3]float64
			for ch := 0; ch < 3; ch++ {
				rgb[ch] = t.Data[ch*plane+y*w+x] + mean[ch]
			}
			if swapBGR {
				rgb[0], rgb[2] = rgb[2], rgb[0]
			}
			img.SetRGBA(x, y, color.RGBA{R: clamp(rgb[0]), G: clamp(rgb[1]), B: clamp(rgb[2]), A: 255})
		}
	}
	return img, nil
}

// FromMap renders the first channel of the first sample of a (N, C, H, W)
// map with values in [0, 1] as a gray RGB image.
func FromMap(t *tensor.Tensor) (*image.RGBA, error) {
	_, _, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := clamp(t.Data[y*w+x] * 255)
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return img, nil
}

// SideBySide pastes imgs left to right on an opaque black canvas as tall as
// the tallest image.
func SideBySide(imgs ...image.Image) *image.RGBA {
	width, height := 0, 0
	for _, img := range imgs {
		width += img.Bounds().Dx()
		if h := img.Bounds().Dy(); h > height {
			height = h
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	x := 0
	for _, img := range imgs {
		b := img.Bounds()
		draw.Draw(dst, image.Rect(x, 0, x+b.Dx(), b.Dy()), img, b.Min, draw.Src)
		x += b.Dx()
	}
	return dst
}

// Blend returns a*(1-alpha) + b*alpha. Both images must have the same size.
func Blend(a, b image.Image, alpha float64) (*image.RGBA, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return nil, fmt.Errorf("%w: %v and %v", ErrSizeMismatch, ab.Size(), bb.Size())
	}
	dst := image.NewRGBA(image.Rect(0, 0, ab.Dx(), ab.Dy()))
	mix := func(x, y uint8) uint8 {
		return clamp(float64(x)*(1-alpha) + float64(y)*alpha)
	}
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			ca := color.RGBAModel.Convert(a.At(ab.Min.X+x, ab.Min.Y+y)).(color.RGBA)
			cb := color.RGBAModel.Convert(b.At(bb.Min.X+x, bb.Min.Y+y)).(color.RGBA)
			dst.SetRGBA(x, y, color.RGBA{R: mix(ca.R, cb.R), G: mix(ca.G, cb.G), B: mix(ca.B, cb.B), A: mix(ca.A, cb.A)})
		}
	}
	return dst, nil
}

// SavePNG writes img to filename.
func SavePNG(filename string, img image.Image) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
