package gpu

import (
	"errors"
	"image"
	"image/color"

	"github.com/gogpu/gpucontext"
)

// DeviceHandle provides GPU device access from the host process.
//
// It is an alias for gpucontext.DeviceProvider so the compositor can share
// a device with any gpucontext-based framework while keeping a local name
// for it. The compositor receives the device from the host; it never
// creates or destroys one.
type DeviceHandle = gpucontext.DeviceProvider

// Common errors returned by the GPU layer.
var (
	// ErrImportTimeout is returned when a texture import does not finish
	// within the configured deadline. The import keeps running; a later
	// acquire can pick up the result.
	ErrImportTimeout = errors.New("gpu: texture import timed out")

	// ErrDeviceLost is returned when the device handle cannot provide a
	// usable device.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrSurfaceReleased is returned when a surface is released while an
	// acquire is waiting on its import.
	ErrSurfaceReleased = errors.New("gpu: surface released during import")

	// ErrManagerClosed is returned for operations on a closed manager.
	ErrManagerClosed = errors.New("gpu: manager closed")

	// ErrInvalidDimensions is returned when texture dimensions are not
	// positive.
	ErrInvalidDimensions = errors.New("gpu: invalid texture dimensions")
)

// Texture is a device-resident copy of one window's pixels.
type Texture interface {
	// Bounds returns the texture extent with origin at (0, 0).
	Bounds() image.Rectangle

	// Upload replaces the texture contents with tightly packed RGBA
	// pixels of exactly the texture's dimensions.
	Upload(pix []byte, stride int) error

	// Release frees the device resources. The texture must not be used
	// afterwards.
	Release()
}

// Layer is one surface's contribution to a frame. Layers are painted
// bottom to top.
type Layer struct {
	Tex Texture

	// Dst is the target-local placement of the texture.
	Dst image.Rectangle

	// Clip restricts painting to these target-local rectangles, for
	// shaped windows. nil paints all of Dst.
	Clip []image.Rectangle

	// Opacity scales the layer from 0.0 (invisible) to 1.0 (opaque).
	Opacity float64
}

// FrameDesc describes one composition target.
type FrameDesc struct {
	Width  int
	Height int
	Clear  color.NRGBA
}

// Submission is one in-flight composition pass.
type Submission interface {
	// Done is closed when the pass completes, successfully or not.
	Done() <-chan struct{}

	// Image returns the composed frame, valid only after Done is closed.
	Image() *image.RGBA

	// Err returns the pass failure, valid only after Done is closed.
	Err() error
}

// Device composes layers into presentable frames.
type Device interface {
	CreateTexture(width, height int) (Texture, error)

	// Compose starts an asynchronous composition pass over the layers.
	// Failures are reported through the returned Submission.
	Compose(desc FrameDesc, layers []Layer) Submission

	// Poll drives device progress. With wait set it blocks until the
	// device goes idle.
	Poll(wait bool)

	Close() error
}

// submission is the Submission implementation shared by all devices.
// finish publishes img and err before closing done; readers observe them
// through the channel close.
type submission struct {
	done chan struct{}
	img  *image.RGBA
	err  error
}

func newSubmission() *submission {
	return &submission{done: make(chan struct{})}
}

func (s *submission) finish(img *image.RGBA, err error) {
	s.img = img
	s.err = err
	close(s.done)
}

func (s *submission) Done() <-chan struct{} { return s.done }
func (s *submission) Image() *image.RGBA   { return s.img }
func (s *submission) Err() error           { return s.err }

// failedSubmission returns an already-completed submission carrying err.
func failedSubmission(err error) Submission {
	s := newSubmission()
	s.finish(nil, err)
	return s
}
