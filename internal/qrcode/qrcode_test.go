package qrcode

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://localhost:5000/?lobby=7Qa1", JoinURL("http://localhost:5000", "7Qa1"))
	assert.Equal(t, "https://cards.example.com/?lobby=ab%26c", JoinURL("https://cards.example.com/", "ab&c"))
}

func TestGenerateProducesPNG(t *testing.T) {
	data, err := Generate(JoinURL("http://localhost:5000", "7Qa1"), 128)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}

func TestGenerateDefaultSize(t *testing.T) {
	data, err := Generate("x", 0)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, img.Bounds().Dx())
}

func TestGenerateRejectsEmptyContent(t *testing.T) {
	_, err := Generate("", 128)
	assert.Error(t, err)
}
