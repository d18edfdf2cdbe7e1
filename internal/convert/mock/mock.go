package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"time"

	"github.com/jo-hoe/heic2png/internal/common"
	"github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/convert"
)

// Converter emits small solid PNGs for any input carrying a HEIF ftyp box.
// It is meant for local development and tests without a HEIC decoder.
type Converter struct {
	delay  time.Duration
	images int
}

var _ convert.Converter = (*Converter)(nil)

func New(cfg config.MockSettings) *Converter {
	n := cfg.Images
	if n <= 0 {
		n = 1
	}
	return &Converter{delay: cfg.Delay, images: n}
}

func (c *Converter) ContentType() string { return common.MimeImagePNG }
func (c *Converter) Extension() string   { return common.ExtPNG }

func (c *Converter) Convert(ctx context.Context, input []byte) ([][]byte, error) {
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if !convert.LooksLikeHEIF(input) {
		return nil, convert.ErrUndecodable
	}
	out := make([][]byte, 0, c.images)
	for i := 0; i < c.images; i++ {
		b, err := solidPNG(uint8(i * 40)) // #nosec G115 - small index
		if err != nil {
			return nil, fmt.Errorf("encode png %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func solidPNG(shade uint8) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 128, B: 255 - shade, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SampleHEIC returns the smallest byte sequence this converter accepts.
func SampleHEIC() []byte {
	return append([]byte{0, 0, 0, 24}, []byte("ftypheic\x00\x00\x00\x00mif1heic")...)
}
