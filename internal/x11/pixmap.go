package x11

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
)

// PixmapSource reads window contents out of their composite-redirected
// pixmaps. Each snapshot names a fresh pixmap that stays alive until the
// returned release func runs, so the pixels a frame was built from cannot
// be recycled under it.
//
// Snapshot is called from import workers, never the event loop; xgb
// multiplexes the in-flight requests safely.
type PixmapSource struct {
	c   *Connection
	x   *xgb.Conn
	log *zerolog.Logger
}

// NewPixmapSource creates a source over the connection.
func NewPixmapSource(c *Connection) *PixmapSource {
	return &PixmapSource{
		c:   c,
		x:   c.conn,
		log: logger.WithComponent("x11-pixmap"),
	}
}

// Snapshot captures the window's current contents. Fails when the window
// is unmapped, destroyed or has an unsupported depth; all of those are
// per-surface recoverable.
func (s *PixmapSource) Snapshot(win xproto.Window) (*image.RGBA, func(), error) {
	pixmap, err := xproto.NewPixmapId(s.x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate pixmap id: %w", err)
	}
	if err := composite.NameWindowPixmapChecked(s.x, win, pixmap).Check(); err != nil {
		return nil, nil, fmt.Errorf("failed to name pixmap for window 0x%x: %w", uint32(win), err)
	}

	free := func() { xproto.FreePixmap(s.x, pixmap) }

	// The pixmap records the window size at naming time, which can lag
	// the registry during a resize burst. The pixmap is the truth for
	// these pixels.
	geom, err := xproto.GetGeometry(s.x, xproto.Drawable(pixmap)).Reply()
	if err != nil {
		free()
		return nil, nil, fmt.Errorf("failed to measure pixmap: %w", err)
	}
	width, height := int(geom.Width), int(geom.Height)
	if width <= 0 || height <= 0 {
		free()
		return nil, nil, fmt.Errorf("window 0x%x has empty pixmap", uint32(win))
	}
	if geom.Depth != 24 && geom.Depth != 32 {
		free()
		return nil, nil, fmt.Errorf("window 0x%x has unsupported depth %d", uint32(win), geom.Depth)
	}

	reply, err := xproto.GetImage(s.x, xproto.ImageFormatZPixmap, xproto.Drawable(pixmap),
		0, 0, uint16(width), uint16(height), 0xffffffff).Reply()
	if err != nil {
		free()
		return nil, nil, fmt.Errorf("failed to read pixmap: %w", err)
	}

	img := bgraToRGBA(reply.Data, width, height, geom.Depth)

	s.log.Trace().
		Uint32("window_id", uint32(win)).
		Int("width", width).
		Int("height", height).
		Uint8("depth", geom.Depth).
		Msg("Snapshotted window pixmap")

	return img, free, nil
}

// bgraToRGBA converts ZPixmap data (BGRA byte order, 32 bits per pixel at
// depth 24 and 32) into a premultiplied RGBA image. Depth-24 windows have
// no alpha channel; their padding byte is replaced with opaque.
func bgraToRGBA(data []byte, width, height int, depth byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := width * height * 4
	if len(data) < n {
		n = len(data) &^ 3
	}
	for i := 0; i < n; i += 4 {
		img.Pix[i] = data[i+2]
		img.Pix[i+1] = data[i+1]
		img.Pix[i+2] = data[i]
		if depth == 32 {
			img.Pix[i+3] = data[i+3]
		} else {
			img.Pix[i+3] = 255
		}
	}
	return img
}
