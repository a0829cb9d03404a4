package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Config for analysis preprocessing
type Config struct {
	MaxWidth  int // Max width sent to the analyzer (default 1280)
	MaxHeight int // Max height sent to the analyzer (default 1280)
	Quality   int // JPEG quality 1-100 (default 80)
}

// DefaultConfig returns default preprocessing config
func DefaultConfig() Config {
	return Config{
		MaxWidth:  1280,
		MaxHeight: 1280,
		Quality:   80,
	}
}

// Processor prepares uploaded photos for the vision provider
type Processor struct {
	config Config
}

// NewProcessor creates image processor
func NewProcessor(config Config) *Processor {
	if config.MaxWidth <= 0 {
		config.MaxWidth = 1280
	}
	if config.MaxHeight <= 0 {
		config.MaxHeight = 1280
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	return &Processor{config: config}
}

// PrepareForAnalysis normalizes a stored photo before it is sent to the
// analyzer: decode, downscale oversized frames and re-encode as JPEG.
// Smaller payloads keep provider latency and cost down without losing
// the detail the model needs.
func (p *Processor) PrepareForAnalysis(data []byte) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > p.config.MaxWidth || bounds.Dy() > p.config.MaxHeight {
		img = imaging.Fit(img, p.config.MaxWidth, p.config.MaxHeight, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.config.Quality}); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}

	return buf.Bytes(), "image/jpeg", nil
}

// ValidateType checks if file is a valid image type
func ValidateType(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	default:
		return false
	}
}

// ValidateSize checks if file size is within limits (in bytes)
func ValidateSize(size int64, maxSize int64) bool {
	return size <= maxSize
}

// MaxFileSize in bytes (10MB)
const MaxFileSize int64 = 10 * 1024 * 1024
