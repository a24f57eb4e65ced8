package hud

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	fontHeight = 13 // basicfont size
	padding    = 4
	margin     = 8
)

// Stats is what one HUD line shows for an output.
type Stats struct {
	Output   string
	FPS      float64
	Seq      uint64
	Surfaces int
	Dropped  uint64
}

// Overlay draws a frame-stats line into composed frames, top-left corner.
// It reports the rectangle it touched so presentation can include it in
// the damaged region.
type Overlay struct {
	textColor color.RGBA
	bgColor   color.RGBA
}

// New creates the overlay with the default white-on-translucent-black
// styling.
func New() *Overlay {
	return &Overlay{
		textColor: color.RGBA{255, 255, 255, 255},
		bgColor:   color.RGBA{0, 0, 0, 180},
	}
}

// Render draws the stats line onto the frame and returns the covered
// rectangle.
func (o *Overlay) Render(img *image.RGBA, st Stats) image.Rectangle {
	text := fmt.Sprintf("%s  %5.1f fps  frame %d  %d surfaces  %d dropped",
		st.Output, st.FPS, st.Seq, st.Surfaces, st.Dropped)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(o.textColor),
		Face: face,
	}

	textWidthPx := int(d.MeasureString(text) >> 6) // fixed.Int26_6 to pixels
	box := image.Rect(margin, margin,
		margin+textWidthPx+padding*2,
		margin+fontHeight+padding*2).Intersect(img.Bounds())
	if box.Empty() {
		return box
	}

	draw.Draw(img, box, &image.Uniform{o.bgColor}, image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(box.Min.X + padding),
		Y: fixed.I(box.Min.Y + padding + fontHeight - 2),
	}
	d.DrawString(text)

	return box
}
