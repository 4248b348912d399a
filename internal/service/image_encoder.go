package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	PreviewMaxSize     = 320
	PreviewWebPQuality = 75
	// Larger images are previewed as-is rather than decoded.
	PreviewMaxPixels = 40_000_000
)

var errEmptyImage = errors.New("image file is empty")

// ImageFile is an uploaded image as selected by the user.
type ImageFile struct {
	Name        string
	ContentType string
	Size        int64
	Content     []byte
}

// ImageEncoder embeds images into posts as data URIs.
type ImageEncoder struct {
	previewSize int
	quality     int
	maxPixels   int64
}

func NewImageEncoder() *ImageEncoder {
	return &ImageEncoder{previewSize: PreviewMaxSize, quality: PreviewWebPQuality, maxPixels: PreviewMaxPixels}
}

// DataURI returns the self-contained data:<type>;base64,... form of file.
func (e *ImageEncoder) DataURI(file *ImageFile) (string, error) {
	if file == nil || len(file.Content) == 0 {
		return "", errEmptyImage
	}
	return dataURI(file.ContentType, file.Content), nil
}

// Preview returns a downscaled WebP thumbnail of file as a data URI. Images
// the decoders cannot read, or whose header declares more than maxPixels,
// are previewed as-is.
func (e *ImageEncoder) Preview(file *ImageFile) string {
	if file == nil || len(file.Content) == 0 {
		return ""
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(file.Content))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 ||
		int64(cfg.Width)*int64(cfg.Height) > e.maxPixels {
		return dataURI(file.ContentType, file.Content)
	}

	decoded, _, err := image.Decode(bytes.NewReader(file.Content))
	if err != nil {
		return dataURI(file.ContentType, file.Content)
	}

	thumb := resizeToFit(decoded, e.previewSize, e.previewSize)
	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, thumb, &webp.Options{Quality: float32(e.quality)}); err != nil {
		return dataURI(file.ContentType, file.Content)
	}
	return dataURI("image/webp", buf.Bytes())
}

func dataURI(contentType string, content []byte) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(content)
}

func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 {
		return src
	}
	if w <= maxWidth && h <= maxHeight {
		return src
	}

	scale := min(float64(maxWidth)/float64(w), float64(maxHeight)/float64(h))
	newW := max(int(float64(w)*scale), 1)
	newH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}
