//go:build !cgo

package pipeline

import (
	"errors"
	"image"
	"io"
)

func encodeWebP(_ io.Writer, _ image.Image, _ int) error {
	return errors.New("webp export requires cgo")
}
