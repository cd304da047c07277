package heat

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	legendWidth  = 120
	legendHeight = 8
	margin       = 6
)

// Annotate draws a caption strip along the top edge and a gradient legend in
// the bottom right corner. Images too small to hold them are left unchanged.
func Annotate(img *image.NRGBA, caption string, stops []Stop) {
	b := img.Bounds()
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()

	if caption != "" && b.Dy() > lineHeight+2*margin {
		strip := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+lineHeight+margin)
		draw.Draw(img, strip, &image.Uniform{C: color.NRGBA{0x1f, 0x29, 0x37, 0xc0}}, image.Point{}, draw.Over)
		d := font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.White),
			Face: face,
			Dot:  fixed.P(b.Min.X+margin, b.Min.Y+face.Metrics().Ascent.Ceil()+margin/2),
		}
		d.DrawString(caption)
	}

	if len(stops) == 0 || b.Dx() < legendWidth+2*margin || b.Dy() < legendHeight+2*margin+lineHeight {
		return
	}
	palette := NewPalette(stops)
	x0 := b.Max.X - margin - legendWidth
	y0 := b.Max.Y - margin - legendHeight
	for x := 0; x < legendWidth; x++ {
		c := palette[x*255/(legendWidth-1)]
		for y := 0; y < legendHeight; y++ {
			img.SetNRGBA(x0+x, y0+y, c)
		}
	}
}

// Encode writes img as PNG, favouring speed over size since heat images are
// regenerated on every view change.
func Encode(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}
