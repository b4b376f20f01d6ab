package convert

import "errors"

var (
	// ErrUnsupportedFormat is returned for input that is not a single-frame raster image
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrConversion is returned when an encoder fails
	ErrConversion = errors.New("image conversion failed")
)
