package compose

import (
	"errors"
	"image"
	"image/color"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/gpu"
	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/registry"
)

// Target is the output region a frame is built for.
type Target struct {
	Name string
	// Rect is the output's root-relative geometry.
	Rect image.Rectangle
}

// FrameWindow records which surface and texture generation a frame layer
// shows.
type FrameWindow struct {
	Window     xproto.Window
	Generation uint64
}

// Frame is one immutable composition snapshot for one output. Once built
// it does not change; later surface updates go into later frames.
type Frame struct {
	Output string
	Seq    uint64
	Width  int
	Height int

	// Layers are the paint instructions, bottom to top, in output-local
	// coordinates.
	Layers []gpu.Layer

	// Windows parallels Layers.
	Windows []FrameWindow

	// Damage holds the output-local regions that changed since the
	// previous frame. Empty on the first frame for an output.
	Damage []image.Rectangle

	// Skipped lists surfaces whose texture import timed out. Their
	// damage is retried on the next frame.
	Skipped []xproto.Window
}

// Desc returns the device pass description for this frame.
func (f *Frame) Desc(clear color.NRGBA) gpu.FrameDesc {
	return gpu.FrameDesc{Width: f.Width, Height: f.Height, Clear: clear}
}

// DamageBounds returns the union of the frame's damage, empty when the
// frame carries none.
func (f *Frame) DamageBounds() image.Rectangle {
	var bounds image.Rectangle
	for _, r := range f.Damage {
		bounds = bounds.Union(r)
	}
	return bounds
}

// Composer builds frames from registry snapshots and pending damage. It
// acquires textures through the resource manager, skipping surfaces whose
// import does not finish in time.
type Composer struct {
	mgr *gpu.Manager
	log *zerolog.Logger
}

// New creates a composer over the given resource manager.
func New(mgr *gpu.Manager) *Composer {
	return &Composer{
		mgr: mgr,
		log: logger.WithComponent("compose"),
	}
}

// Build assembles the frame for one output. surfaces must be in paint
// order, bottom to top. damage maps windows to their window-relative dirty
// rectangles and is not consumed; the caller re-marks entries for skipped
// surfaces.
func (c *Composer) Build(target Target, surfaces []registry.Surface, damage map[xproto.Window][]image.Rectangle, seq uint64) *Frame {
	frame := &Frame{
		Output: target.Name,
		Seq:    seq,
		Width:  target.Rect.Dx(),
		Height: target.Rect.Dy(),
	}
	origin := target.Rect.Min
	bounds := image.Rect(0, 0, frame.Width, frame.Height)

	for _, s := range surfaces {
		geom := s.Geometry.Rect()
		if !geom.Overlaps(target.Rect) {
			continue
		}

		binding, err := c.mgr.Acquire(s.Window)
		if err != nil {
			if errors.Is(err, gpu.ErrImportTimeout) {
				frame.Skipped = append(frame.Skipped, s.Window)
				c.log.Debug().
					Uint32("window_id", uint32(s.Window)).
					Str("output", target.Name).
					Msg("Texture import timed out, surface deferred")
			} else {
				c.log.Warn().
					Uint32("window_id", uint32(s.Window)).
					Err(err).
					Msg("Surface dropped from frame")
			}
			continue
		}

		layer := gpu.Layer{
			Tex:     binding.Tex,
			Dst:     geom.Sub(origin),
			Opacity: s.Opacity,
		}
		if s.Shape != nil {
			clip := make([]image.Rectangle, 0, len(s.Shape))
			for _, r := range s.Shape {
				clip = append(clip, r.Add(geom.Min).Sub(origin))
			}
			layer.Clip = clip
		}
		frame.Layers = append(frame.Layers, layer)
		frame.Windows = append(frame.Windows, FrameWindow{Window: s.Window, Generation: binding.Generation})

		for _, r := range damage[s.Window] {
			dr := r.Add(geom.Min).Sub(origin).Intersect(bounds)
			if !dr.Empty() {
				frame.Damage = append(frame.Damage, dr)
			}
		}
	}

	return frame
}
