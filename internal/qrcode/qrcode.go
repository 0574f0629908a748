// Package qrcode renders lobby join links as QR code images.
package qrcode

import (
	"fmt"
	"net/url"
	"strings"

	qr "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of generated images.
const DefaultSize = 256

// JoinURL builds the link a player opens to join the lobby with the given code.
//
// Precondition: base must be an absolute URL.
func JoinURL(base, code string) string {
	return fmt.Sprintf("%s/?lobby=%s", strings.TrimRight(base, "/"), url.QueryEscape(code))
}

// Generate encodes content as a PNG QR code.
func Generate(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qr.Encode(content, qr.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return png, nil
}
