// Package icon renders the glucose status badge
package icon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/nightscout-monitor/internal/classify"
)

// Size constants
const (
	Size   = 64
	radius = 16
)

// Output formats
const (
	FormatPNG = "png"
	FormatICO = "ico"
)

const placeholder = "---"

// Badge describes what the icon shows
type Badge struct {
	Text  string
	Level classify.Level
	Trend classify.Trend
	Stale bool
}

func (b Badge) key(format string) string {
	return fmt.Sprintf("%s|%s|%s|%t|%s", b.Text, b.Level, b.Trend, b.Stale, format)
}

// Renderer draws badges and caches the encoded result
type Renderer struct {
	mu    sync.Mutex
	font  *truetype.Font
	cache *lru.Cache
}

// NewRenderer creates a renderer keeping up to cacheSize encoded badges
func NewRenderer(cacheSize int) (*Renderer, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}

	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create icon cache: %w", err)
	}

	return &Renderer{
		font:  font,
		cache: cache,
	}, nil
}

// PNG returns the badge encoded as PNG
func (r *Renderer) PNG(b Badge) ([]byte, error) {
	return r.render(b, FormatPNG)
}

// ICO returns the badge wrapped in an ICO container
func (r *Renderer) ICO(b Badge) ([]byte, error) {
	return r.render(b, FormatICO)
}

// Len returns the number of cached badges
func (r *Renderer) Len() int {
	return r.cache.Len()
}

func (r *Renderer) render(b Badge, format string) ([]byte, error) {
	key := b.key(format)
	if v, ok := r.cache.Get(key); ok {
		return v.([]byte), nil
	}

	img := r.draw(b)

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatICO:
		data, err = imageToICO(img)
	default:
		data, err = encodePNG(img)
	}
	if err != nil {
		return nil, err
	}

	r.cache.Add(key, data)
	return data, nil
}

// draw generates an icon with text using gg
func (r *Renderer) draw(b Badge) image.Image {
	// truetype faces are not safe for concurrent use
	r.mu.Lock()
	defer r.mu.Unlock()

	dc := gg.NewContext(Size, Size)

	// Transparent background
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	bg := badgeColor(b)
	dc.SetColor(bg)
	dc.DrawRoundedRectangle(0, 0, Size, Size, radius)
	dc.Fill()

	// Text color (black or white depending on brightness)
	brightness := (int(bg.R)*299 + int(bg.G)*587 + int(bg.B)*114) / 1000
	if brightness > 128 {
		dc.SetColor(color.Black)
	} else {
		dc.SetColor(color.White)
	}

	text := b.Text
	if text == "" {
		text = placeholder
	}
	fontSize := 34.0
	if len(text) > 3 {
		fontSize = 26
	}
	dc.SetFontFace(truetype.NewFace(r.font, &truetype.Options{Size: fontSize}))
	dc.DrawStringAnchored(text, Size/2, Size/2-12, 0.5, 0.5)

	drawArrow(dc, Size/2, Size-16, 24, b.Trend)

	return dc.Image()
}

// drawArrow draws a vector arrow for the trend
func drawArrow(dc *gg.Context, x, y, size float64, trend classify.Trend) {
	var angle float64
	switch trend {
	case classify.TrendRising:
		angle = 0
	case classify.TrendFlat:
		angle = 90
	case classify.TrendFalling:
		angle = 180
	default:
		return // No arrow
	}

	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)
	dc.Rotate(gg.Radians(angle))

	// Tip, right corner, shaft, left corner
	s := size
	w := s * 0.5
	dc.NewSubPath()
	dc.MoveTo(0, -s/2)
	dc.LineTo(w/2, 0)
	dc.LineTo(w/6, 0)
	dc.LineTo(w/6, s/2)
	dc.LineTo(-w/6, s/2)
	dc.LineTo(-w/6, 0)
	dc.LineTo(-w/2, 0)
	dc.ClosePath()
	dc.Fill()
}

// badgeColor returns the background for the badge state
func badgeColor(b Badge) color.RGBA {
	if b.Stale {
		return parseHexColor("#9ca3af") // Gray-400 for stale data
	}

	switch b.Level {
	case classify.LevelLow:
		return parseHexColor("#ef4444") // Red
	case classify.LevelHigh:
		return parseHexColor("#f97316") // Orange
	case classify.LevelInRange:
		return parseHexColor("#4ade80") // Green
	default:
		return parseHexColor("#808080") // Gray for unknown
	}
}

// parseHexColor parses a #rrggbb string
func parseHexColor(hex string) color.RGBA {
	c := color.RGBA{A: 0xff}
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &c.R, &c.G, &c.B)
	}
	return c
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// imageToICO converts an image to ICO format
// ICO format structure:
// - ICONDIR header (6 bytes)
// - ICONDIRENTRY for each image (16 bytes)
// - PNG data for each image
func imageToICO(img image.Image) ([]byte, error) {
	pngData, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	// ICONDIR: reserved, type 1 (ICO), one image
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))

	bounds := img.Bounds()
	for _, dim := range []int{bounds.Dx(), bounds.Dy()} {
		// 0 means 256
		if dim >= 256 {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(byte(dim))
		}
	}
	// Palette, reserved
	buf.WriteByte(0)
	buf.WriteByte(0)
	// Planes, bits per pixel
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(32))
	// #nosec G115 -- PNG size is limited by memory and will not overflow uint32
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pngData)))
	// Offset to image data (6 + 16)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(22))

	buf.Write(pngData)

	return buf.Bytes(), nil
}
