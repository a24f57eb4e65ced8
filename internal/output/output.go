package output

import (
	"image"
)

// Sink receives composited frames for one output. Implementations:
// - X11 overlay presentation (the normal path)
// - MJPEG HTTP stream for remote debugging
type Sink interface {
	// Start initializes the sink
	Start() error

	// Stop cleanly shuts down the sink
	Stop() error

	// WriteFrame presents a composed frame in RGBA format. damaged holds
	// output-local rectangles that changed since the previous frame;
	// sinks may use them for partial presentation or ignore them and
	// present the full frame. An empty list means everything changed.
	WriteFrame(frame *image.RGBA, damaged []image.Rectangle) error

	// Name returns the output this sink presents to
	Name() string

	// IsRunning returns true if the sink is currently active
	IsRunning() bool
}
