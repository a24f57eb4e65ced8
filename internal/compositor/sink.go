package compositor

import (
	"image"
	"sync/atomic"

	"github.com/willothy/recomp/internal/output"
	"github.com/willothy/recomp/internal/x11"
)

// overlaySink presents frames onto the composite overlay window. It is the
// normal on-screen path; streaming sinks sit alongside it.
type overlaySink struct {
	p       *x11.Presenter
	out     x11.Output
	running atomic.Bool
}

var _ output.Sink = (*overlaySink)(nil)

func newOverlaySink(p *x11.Presenter, out x11.Output) *overlaySink {
	return &overlaySink{p: p, out: out}
}

func (o *overlaySink) Start() error {
	o.running.Store(true)
	return nil
}

func (o *overlaySink) Stop() error {
	o.running.Store(false)
	return nil
}

func (o *overlaySink) WriteFrame(frame *image.RGBA, damaged []image.Rectangle) error {
	return o.p.Present(o.out.Rect, frame, damaged)
}

func (o *overlaySink) Name() string { return o.out.Name }

func (o *overlaySink) IsRunning() bool { return o.running.Load() }
