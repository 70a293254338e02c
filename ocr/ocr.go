// Package ocr recognises text in page images.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrEmptyImage is returned when no image data is given.
var ErrEmptyImage = errors.New("ocr: no image data provided")

// Engine recognises the text of one image.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Tesseract runs the tesseract CLI, reading the image from stdin and the
// text from stdout.
type Tesseract struct {
	Bin      string // defaults to "tesseract"
	Language string // defaults to "chi_tra"
}

// Recognize returns the trimmed OCR text of image.
func (t Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}
	bin := t.Bin
	if bin == "" {
		bin = "tesseract"
	}
	lang := t.Language
	if lang == "" {
		lang = "chi_tra"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "stdin", "stdout", "-l", lang)
	cmd.Stdin = bytes.NewReader(image)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ocr: tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
