package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"
)

const (
	watermarkAngle = -30 * math.Pi / 180
	shadowOffset   = 2
)

var (
	watermarkMain   = color.NRGBA{R: 255, G: 255, B: 255, A: 75}
	watermarkShadow = color.NRGBA{A: 54}
)

var (
	fontOnce sync.Once
	fontErr  error
	boldFont *opentype.Font
)

func loadFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		boldFont, fontErr = opentype.Parse(gobold.TTF)
	})
	return boldFont, fontErr
}

// Watermark tiles text diagonally across dst. The pattern spans -w..2w and -h..2h
// so the rotated rows still cover the corners.
func Watermark(dst draw.Image, text string) error {
	if text == "" {
		return nil
	}
	f, err := loadFont()
	if err != nil {
		return fmt.Errorf("parse watermark font: %w", err)
	}

	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	size := math.Max(14, math.Min(26, float64(max(w, h))/20))
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return fmt.Errorf("watermark face: %w", err)
	}
	defer face.Close()

	tile := renderTile(face, text)
	textW, textH := tile.Bounds().Dx()-shadowOffset, tile.Bounds().Dy()-shadowOffset
	stepX := max(180, textW+40)
	stepY := max(140, textH+40)

	sin, cos := math.Sincos(watermarkAngle)
	origin := dst.Bounds().Min
	for y := -h; y < 2*h; y += stepY {
		for x := -w; x < 2*w; x += stepX {
			tx := float64(origin.X + x)
			ty := float64(origin.Y + y)
			m := f64.Aff3{
				cos, -sin, tx,
				sin, cos, ty,
			}
			draw.BiLinear.Transform(dst, m, tile, tile.Bounds(), draw.Over, nil)
		}
	}
	return nil
}

// renderTile draws the shadow and the text once; each placement reuses it.
func renderTile(face font.Face, text string) *image.RGBA {
	metrics := face.Metrics()
	width := font.MeasureString(face, text).Ceil()
	height := metrics.Height.Ceil()

	tile := image.NewRGBA(image.Rect(0, 0, width+shadowOffset, height+shadowOffset))
	baseline := metrics.Ascent.Ceil()

	d := &font.Drawer{Dst: tile, Face: face}
	d.Src = image.NewUniform(watermarkShadow)
	d.Dot = fixed.P(shadowOffset, baseline+shadowOffset)
	d.DrawString(text)

	d.Src = image.NewUniform(watermarkMain)
	d.Dot = fixed.P(0, baseline)
	d.DrawString(text)
	return tile
}
