// Package codec sniffs, decodes and normalizes component images and encodes
// composites as PNG.
package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// Format names a raster container recognized by Sniff.
type Format string

const (
	FormatUnknown Format = ""
	FormatWebP    Format = "webp"
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
)

// OutputExtension is the file extension of every composite written.
const OutputExtension = "png"

// ErrDecode marks data that is not a decodable image.
var ErrDecode = errors.New("invalid image data")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Sniff identifies the container from the first bytes of a file.
func Sniff(header []byte) Format {
	switch {
	case len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return FormatWebP
	case len(header) >= 8 && bytes.Equal(header[:8], pngSignature):
		return FormatPNG
	case len(header) >= 3 && header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return FormatJPEG
	case len(header) >= 6 && (string(header[:6]) == "GIF87a" || string(header[:6]) == "GIF89a"):
		return FormatGIF
	default:
		return FormatUnknown
	}
}

// Decode sniffs r and decodes it with the matching decoder. Any failure wraps
// ErrDecode.
func Decode(r io.Reader) (image.Image, Format, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(12)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, FormatUnknown, fmt.Errorf("read header: %w", err)
	}
	format := Sniff(header)
	var img image.Image
	switch format {
	case FormatWebP:
		img, err = webp.Decode(br)
	case FormatPNG:
		img, err = png.Decode(br)
	case FormatJPEG:
		img, err = jpeg.Decode(br)
	case FormatGIF:
		img, err = gif.Decode(br)
	default:
		return nil, FormatUnknown, fmt.Errorf("%w: unrecognized header", ErrDecode)
	}
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %w", ErrDecode, format, err)
	}
	return img, format, nil
}

// ToNRGBA returns src as a non-premultiplied 8-bit RGBA image whose bounds
// start at the origin. An *image.NRGBA already at the origin is returned as is.
func ToNRGBA(src image.Image) *image.NRGBA {
	if n, ok := src.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// ParseCompression maps a flag value to a PNG compression level.
func ParseCompression(raw string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "default":
		return png.DefaultCompression, nil
	case "none":
		return png.NoCompression, nil
	case "fast", "speed":
		return png.BestSpeed, nil
	case "best", "size":
		return png.BestCompression, nil
	default:
		return png.DefaultCompression, fmt.Errorf("unknown compression %q (expected default, none, fast, or best)", raw)
	}
}

// PNGEncoder encodes composites. It is safe for concurrent use; encoder
// buffers are pooled across workers.
type PNGEncoder struct {
	enc *png.Encoder
}

// NewPNGEncoder returns an encoder using level.
func NewPNGEncoder(level png.CompressionLevel) *PNGEncoder {
	return &PNGEncoder{enc: &png.Encoder{CompressionLevel: level, BufferPool: &bufferPool{}}}
}

// Encode writes img to w.
func (e *PNGEncoder) Encode(w io.Writer, img image.Image) error {
	if err := e.enc.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	if b, ok := p.pool.Get().(*png.EncoderBuffer); ok {
		return b
	}
	return nil
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}
