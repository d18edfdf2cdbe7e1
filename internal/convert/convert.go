package convert

import (
	"bytes"
	"context"
	"errors"
)

// ErrUndecodable is returned when the input is not a readable HEIF container.
var ErrUndecodable = errors.New("input is not a decodable HEIF image")

// Converter turns one uploaded image into an ordered list of output images.
// The first element is the primary artifact.
type Converter interface {
	Convert(ctx context.Context, input []byte) ([][]byte, error)
	// ContentType of every produced artifact, e.g. image/png.
	ContentType() string
	// Extension of every produced artifact including the dot, e.g. ".png".
	Extension() string
}

var heifBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("heim"), []byte("heis"),
	[]byte("hevc"), []byte("hevx"), []byte("mif1"), []byte("msf1"),
}

// LooksLikeHEIF reports whether b starts with an ISO-BMFF ftyp box carrying a HEIF brand.
func LooksLikeHEIF(b []byte) bool {
	if len(b) < 12 || !bytes.Equal(b[4:8], []byte("ftyp")) {
		return false
	}
	major := b[8:12]
	for _, brand := range heifBrands {
		if bytes.Equal(major, brand) {
			return true
		}
	}
	return false
}
