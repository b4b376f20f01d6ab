package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pixiv/go-libjpeg/jpeg"
	_ "golang.org/x/image/webp"
)

// Options controls output geometry and quality
type Options struct {
	MaxWidth    int
	MaxHeight   int
	JPEGQuality int
	WebPQuality float32
}

// WithDefaults fills zero fields
func (o Options) WithDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = 800
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = 800
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 85
	}
	if o.WebPQuality <= 0 {
		o.WebPQuality = 80
	}
	return o
}

// Result holds both encoded variants of one input image
type Result struct {
	JPEG           []byte
	WebP           []byte
	JPEGSize       int
	WebPSize       int
	SavingsPercent float64
	Width          int
	Height         int
}

// Converter turns captured screenshots into web-ready JPEG and WebP.
// It holds no mutable state and is safe for concurrent use.
type Converter struct {
	opts Options
}

// NewConverter creates a converter
func NewConverter(opts Options) *Converter {
	return &Converter{opts: opts.WithDefaults()}
}

var supported = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// Convert fits the image inside the configured box (never upscaling) and
// encodes a progressive JPEG and a lossy WebP.
func (c *Converter) Convert(data []byte) (*Result, error) {
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), supported...) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt.String())
	}
	if err := rejectAnimated(mt.String(), data); err != nil {
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnsupportedFormat, err)
	}

	b := src.Bounds()
	var fitted *image.NRGBA
	if b.Dx() > c.opts.MaxWidth || b.Dy() > c.opts.MaxHeight {
		fitted = imaging.Fit(src, c.opts.MaxWidth, c.opts.MaxHeight, imaging.Lanczos)
	} else {
		fitted = imaging.Clone(src)
	}

	// JPEG has no alpha; flatten onto white so both variants match
	size := fitted.Bounds().Size()
	flat := imaging.Overlay(imaging.New(size.X, size.Y, color.White), fitted, image.Pt(0, 0), 1.0)

	var jpegBuf bytes.Buffer
	err = jpeg.Encode(&jpegBuf, toYCbCr(flat), &jpeg.EncoderOptions{
		Quality:         c.opts.JPEGQuality,
		OptimizeCoding:  true,
		ProgressiveMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg: %v", ErrConversion, err)
	}

	var webpBuf bytes.Buffer
	if err := webp.Encode(&webpBuf, flat, &webp.Options{Quality: c.opts.WebPQuality}); err != nil {
		return nil, fmt.Errorf("%w: webp: %v", ErrConversion, err)
	}

	res := &Result{
		JPEG:     jpegBuf.Bytes(),
		WebP:     webpBuf.Bytes(),
		JPEGSize: jpegBuf.Len(),
		WebPSize: webpBuf.Len(),
		Width:    size.X,
		Height:   size.Y,
	}
	if res.JPEGSize > 0 {
		res.SavingsPercent = 100 * (1 - float64(res.WebPSize)/float64(res.JPEGSize))
	}
	return res, nil
}

func rejectAnimated(mime string, data []byte) error {
	switch mime {
	case "image/gif":
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: gif: %v", ErrUnsupportedFormat, err)
		}
		if len(g.Image) > 1 {
			return fmt.Errorf("%w: animated gif", ErrUnsupportedFormat)
		}
	case "image/webp":
		// extended header: RIFF....WEBPVP8X with the animation flag in byte 20
		if len(data) > 20 && string(data[12:16]) == "VP8X" && data[20]&0x02 != 0 {
			return fmt.Errorf("%w: animated webp", ErrUnsupportedFormat)
		}
	}
	return nil
}

// toYCbCr converts an opaque image into 4:4:4 YCbCr for the libjpeg encoder.
func toYCbCr(img *image.NRGBA) *image.YCbCr {
	b := img.Bounds()
	out := image.NewYCbCr(b, image.YCbCrSubsampleRatio444)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := img.NRGBAAt(x, y)
			yy, cb, cr := color.RGBToYCbCr(px.R, px.G, px.B)
			out.Y[out.YOffset(x, y)] = yy
			ci := out.COffset(x, y)
			out.Cb[ci] = cb
			out.Cr[ci] = cr
		}
	}
	return out
}
