// Package photo turns captured photo references into files ready for upload.
//
// Records store photos as base64 data (with or without a data: URI prefix).
// Before upload the sync engine runs them through the Encoder, which decodes,
// downscales to a bounded dimension and re-encodes as JPEG so uploads stay
// small on warehouse connections.
package photo

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// DefaultMaxDimension bounds the longer image edge after encoding.
	DefaultMaxDimension = 1920
	// DefaultQuality is the JPEG quality used for re-encoding.
	DefaultQuality = 80
)

// File is an encoded photo ready for upload.
type File struct {
	Name        string
	ContentType string
	Bytes       []byte
}

// Encoder re-encodes base64 photo references as bounded JPEG files.
// The zero value is not usable; call NewEncoder.
type Encoder struct {
	maxDimension int
	quality      int
}

// NewEncoder creates an Encoder. Non-positive arguments fall back to the
// package defaults.
func NewEncoder(maxDimension, quality int) *Encoder {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{maxDimension: maxDimension, quality: quality}
}

// Encode decodes one base64 photo reference and returns it as a JPEG file
// with the given name. Images larger than the configured dimension are
// scaled down proportionally; smaller images are re-encoded as-is.
func (e *Encoder) Encode(photoRef, filename string) (*File, error) {
	raw, err := decodeBase64(photoRef)
	if err != nil {
		return nil, fmt.Errorf("failed to decode photo %s: %w", filename, err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filename, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > e.maxDimension || bounds.Dy() > e.maxDimension {
		img = imaging.Fit(img, e.maxDimension, e.maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image %s: %w", filename, err)
	}

	return &File{
		Name:        filename,
		ContentType: "image/jpeg",
		Bytes:       buf.Bytes(),
	}, nil
}

// decodeBase64 strips an optional data: URI prefix and decodes the payload.
func decodeBase64(photoRef string) ([]byte, error) {
	data := photoRef
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data uri")
		}
		data = data[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Some producers emit unpadded base64.
		raw, err = base64.RawStdEncoding.DecodeString(data)
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty photo data")
	}
	return raw, nil
}
