package x11

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shm"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/willothy/recomp/internal/logger"
)

// Presenter pushes composed frames onto the overlay window. The fast path
// keeps a root-sized SysV shared memory segment attached on both sides and
// issues MIT-SHM PutImage for the damaged bounds only; without SHM it falls
// back to core PutImage requests chunked to the server's request limit.
type Presenter struct {
	c       *Connection
	x       *xgb.Conn
	overlay xproto.Window
	gc      xproto.Gcontext

	width  int
	height int
	depth  byte
	stride int

	seg *shmSegment
	buf []byte

	log *zerolog.Logger
}

type shmSegment struct {
	id   int
	data []byte
	seg  shm.Seg
}

// NewPresenter prepares presentation onto the overlay window.
func NewPresenter(c *Connection, overlay xproto.Window) (*Presenter, error) {
	p := &Presenter{
		c:       c,
		x:       c.conn,
		overlay: overlay,
		width:   int(c.screen.WidthInPixels),
		height:  int(c.screen.HeightInPixels),
		depth:   c.screen.RootDepth,
		log:     logger.WithComponent("x11-present"),
	}

	format, err := pixmapFormat(c.setup, p.depth)
	if err != nil {
		return nil, err
	}
	if format.BitsPerPixel != 32 {
		return nil, fmt.Errorf("unsupported root depth %d (%d bpp)", p.depth, format.BitsPerPixel)
	}
	p.stride = paddedStride(p.width, format)

	gc, err := xproto.NewGcontextId(p.x)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate gc id: %w", err)
	}
	err = xproto.CreateGCChecked(p.x, gc, xproto.Drawable(overlay),
		xproto.GcForeground, []uint32{c.screen.BlackPixel}).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create gc: %w", err)
	}
	p.gc = gc

	if c.ShmSupported() {
		if err := p.setupShm(); err != nil {
			p.log.Warn().Err(err).Msg("Shared memory setup failed, falling back to core PutImage")
		}
	}

	p.log.Info().
		Int("width", p.width).
		Int("height", p.height).
		Uint8("depth", p.depth).
		Bool("shm", p.seg != nil).
		Msg("Presenter ready")
	return p, nil
}

func pixmapFormat(setup *xproto.SetupInfo, depth byte) (xproto.Format, error) {
	for _, f := range setup.PixmapFormats {
		if f.Depth == depth {
			return f, nil
		}
	}
	return xproto.Format{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// paddedStride returns the bytes per scanline after server padding.
func paddedStride(width int, format xproto.Format) int {
	bits := width * int(format.BitsPerPixel)
	pad := int(format.ScanlinePad)
	if rem := bits % pad; rem != 0 {
		bits += pad - rem
	}
	return bits / 8
}

func (p *Presenter) setupShm() error {
	size := p.stride * p.height
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return fmt.Errorf("failed to allocate %d byte segment: %w", size, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return fmt.Errorf("failed to attach segment: %w", err)
	}

	seg, err := shm.NewSegId(p.x)
	if err != nil {
		unix.SysvShmDetach(data)
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return fmt.Errorf("failed to allocate shm seg id: %w", err)
	}
	if err := shm.AttachChecked(p.x, seg, uint32(id), false).Check(); err != nil {
		unix.SysvShmDetach(data)
		unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return fmt.Errorf("server failed to attach segment: %w", err)
	}

	// Both sides hold the segment now; marking it removed means it dies
	// with the processes instead of leaking on a crash.
	unix.SysvShmCtl(id, unix.IPC_RMID, nil)

	p.seg = &shmSegment{id: id, data: data, seg: seg}
	p.log.Debug().Int("shmid", id).Int("bytes", size).Msg("Shared segment attached")
	return nil
}

// UsingShm reports whether the fast path is active.
func (p *Presenter) UsingShm() bool {
	return p.seg != nil
}

// Present pushes a composed output-local frame onto the overlay at the
// output's position. damaged limits the transfer to the changed bounds;
// empty means the whole frame. Returns once the server has consumed the
// pixels, so the caller may reuse the frame buffer immediately.
func (p *Presenter) Present(outputRect image.Rectangle, frame *image.RGBA, damaged []image.Rectangle) error {
	bounds := frame.Bounds()
	if len(damaged) > 0 {
		var u image.Rectangle
		for _, r := range damaged {
			u = u.Union(r)
		}
		bounds = u.Intersect(frame.Bounds())
	}
	if bounds.Empty() {
		return nil
	}

	// Clamp the destination to the root; outputs cannot scroll past it.
	global := bounds.Add(outputRect.Min).Intersect(image.Rect(0, 0, p.width, p.height))
	if global.Empty() {
		return nil
	}
	bounds = global.Sub(outputRect.Min)

	if p.seg != nil {
		return p.presentShm(global, frame, bounds)
	}
	return p.presentCore(global, frame, bounds)
}

func (p *Presenter) presentShm(global image.Rectangle, frame *image.RGBA, local image.Rectangle) error {
	for y := 0; y < local.Dy(); y++ {
		src := frame.Pix[frame.PixOffset(local.Min.X, local.Min.Y+y):]
		dst := p.seg.data[(global.Min.Y+y)*p.stride+global.Min.X*4:]
		convertRow(dst, src, local.Dx())
	}

	err := shm.PutImageChecked(p.x, xproto.Drawable(p.overlay), p.gc,
		uint16(p.width), uint16(p.height),
		uint16(global.Min.X), uint16(global.Min.Y),
		uint16(global.Dx()), uint16(global.Dy()),
		int16(global.Min.X), int16(global.Min.Y),
		p.depth, xproto.ImageFormatZPixmap, 0, p.seg.seg, 0).Check()
	if err != nil {
		return fmt.Errorf("failed to present via shm: %w", err)
	}
	return nil
}

// presentCore sends the damaged bounds through core PutImage, splitting
// into row batches that respect the server's maximum request length.
func (p *Presenter) presentCore(global image.Rectangle, frame *image.RGBA, local image.Rectangle) error {
	rowBytes := global.Dx() * 4
	need := rowBytes * global.Dy()
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:need]
	for y := 0; y < local.Dy(); y++ {
		src := frame.Pix[frame.PixOffset(local.Min.X, local.Min.Y+y):]
		convertRow(buf[y*rowBytes:], src, local.Dx())
	}

	maxData := int(p.c.setup.MaximumRequestLength)*4 - 32
	rowsPerPut := maxData / rowBytes
	if rowsPerPut < 1 {
		rowsPerPut = 1
	}

	for y := 0; y < global.Dy(); y += rowsPerPut {
		rows := global.Dy() - y
		if rows > rowsPerPut {
			rows = rowsPerPut
		}
		err := xproto.PutImageChecked(p.x, xproto.ImageFormatZPixmap,
			xproto.Drawable(p.overlay), p.gc,
			uint16(global.Dx()), uint16(rows),
			int16(global.Min.X), int16(global.Min.Y+y),
			0, p.depth, buf[y*rowBytes:(y+rows)*rowBytes]).Check()
		if err != nil {
			return fmt.Errorf("failed to present rows %d-%d: %w", y, y+rows, err)
		}
	}
	return nil
}

// convertRow rewrites n RGBA pixels as BGRA, the ZPixmap layout for
// depth 24 and 32 little-endian visuals.
func convertRow(dst, src []byte, n int) {
	for i := 0; i < n*4; i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = src[i+3]
	}
}

// Close releases the GC and the shared segment.
func (p *Presenter) Close() {
	xproto.FreeGC(p.x, p.gc)
	if p.seg != nil {
		shm.Detach(p.x, p.seg.seg)
		unix.SysvShmDetach(p.seg.data)
		p.seg = nil
	}
}
