package detection

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorSafe   = color.RGBA{0, 255, 0, 255}
	colorUnsafe = color.RGBA{255, 0, 0, 255}
	colorText   = color.RGBA{255, 255, 255, 255}
	colorShade  = color.RGBA{0, 0, 0, 160}
)

const lineHeight = 16

// Annotate draws the detection overlay on a copy of img. With a nil
// result it draws buffer progress instead.
func Annotate(img image.Image, res *Result, buffered, required int, ts time.Time) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	if res == nil {
		drawLabel(out, fmt.Sprintf("Initializing (%d/%d)", buffered, required), image.Pt(8, 8), colorText)
	} else {
		c := colorSafe
		if res.IsUnsafe {
			c = colorUnsafe
		}
		drawLabel(out, fmt.Sprintf("%s: %.1f%%", res.Label, res.Confidence*100), image.Pt(8, 8), c)
		if res.IsUnsafe {
			drawLabel(out, "UNSAFE ACTION!", image.Pt(8, 8+lineHeight+4), colorUnsafe)
		}
	}

	drawLabel(out, ts.Format("2006-01-02 15:04:05"), image.Pt(8, out.Bounds().Dy()-lineHeight-4), colorText)
	return out
}

// drawLabel renders text with its top-left corner at pt over a shaded box
func drawLabel(dst *image.RGBA, text string, pt image.Point, c color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: face}

	width := d.MeasureString(text).Ceil()
	box := image.Rect(pt.X-2, pt.Y-2, pt.X+width+2, pt.Y+lineHeight)
	draw.Draw(dst, box.Intersect(dst.Bounds()), image.NewUniform(colorShade), image.Point{}, draw.Over)

	d.Dot = fixed.P(pt.X, pt.Y+face.Ascent)
	d.DrawString(text)
}

// EncodeJPEG encodes img at the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
