// Package composite stacks decoded layers into a single image.
package composite

import (
	"errors"
	"image"

	"github.com/example/cgmerge/internal/codec"
)

// ErrEmptyInput is returned when there is nothing to stack.
var ErrEmptyInput = errors.New("no layers to combine")

// Combine copies the first layer into a fresh canvas and overlays every
// following layer on top of it at the origin, in order. The canvas keeps the
// size of the first layer; larger layers are clipped. Inputs are never
// modified.
func Combine(layers []image.Image) (*image.NRGBA, error) {
	if len(layers) == 0 {
		return nil, ErrEmptyInput
	}
	base := codec.ToNRGBA(layers[0])
	canvas := &image.NRGBA{
		Pix:    append([]uint8(nil), base.Pix...),
		Stride: base.Stride,
		Rect:   base.Rect,
	}
	for _, layer := range layers[1:] {
		Overlay(canvas, codec.ToNRGBA(layer))
	}
	return canvas, nil
}

// Overlay blends src onto dst with source-over semantics, aligning both at
// their top-left corners and touching only the overlapping region.
func Overlay(dst, src *image.NRGBA) {
	w := min(dst.Rect.Dx(), src.Rect.Dx())
	h := min(dst.Rect.Dy(), src.Rect.Dy())
	for y := 0; y < h; y++ {
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for i := 0; i < len(s); i += 4 {
			blend(d[i:i+4:i+4], s[i:i+4:i+4])
		}
	}
}

// blend computes non-premultiplied source-over for one pixel:
//
//	a = as + ab*(1-as)
//	c = (cs*as + cb*ab*(1-as)) / a
func blend(d, s []uint8) {
	as := uint32(s[3])
	switch as {
	case 0:
		return
	case 0xff:
		copy(d, s)
		return
	}
	ab := uint32(d[3])
	if ab == 0 {
		copy(d, s)
		return
	}
	// Weights are scaled by 255*255 so that the whole computation stays in
	// integers.
	ws := as * 0xff
	wb := ab * (0xff - as)
	wa := ws + wb
	for c := 0; c < 3; c++ {
		d[c] = uint8((uint32(s[c])*ws + uint32(d[c])*wb + wa/2) / wa)
	}
	d[3] = uint8((wa + 0x7f) / 0xff)
}
