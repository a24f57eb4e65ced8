package gpu

import (
	"fmt"
	"image"
	"image/draw"
	"sync"
)

// SoftwareDevice composes frames on the CPU. It is always available and
// serves as the fallback when the host provides no GPU device handle.
type SoftwareDevice struct {
	// mu serializes uploads against composition passes so a pass never
	// reads a texture mid-upload.
	mu sync.Mutex
}

// NewSoftwareDevice creates a CPU composition device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{}
}

// CreateTexture allocates a host-memory texture.
func (d *SoftwareDevice) CreateTexture(width, height int) (Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	return &softwareTexture{
		dev: d,
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Compose starts an asynchronous CPU composition pass.
func (d *SoftwareDevice) Compose(desc FrameDesc, layers []Layer) Submission {
	sub := newSubmission()
	go func() {
		d.mu.Lock()
		img, err := renderFrame(desc, layers)
		d.mu.Unlock()
		sub.finish(img, err)
	}()
	return sub
}

// Poll is a no-op; CPU passes complete through their submissions.
func (d *SoftwareDevice) Poll(wait bool) {}

// Close waits for any in-flight pass to finish.
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	d.mu.Unlock()
	return nil
}

// softwareTexture keeps its pixels in host memory.
type softwareTexture struct {
	dev      *SoftwareDevice
	img      *image.RGBA
	released bool
}

func (t *softwareTexture) Bounds() image.Rectangle {
	return t.img.Bounds()
}

func (t *softwareTexture) Upload(pix []byte, stride int) error {
	b := t.img.Bounds()
	row := b.Dx() * 4
	if stride < row {
		return fmt.Errorf("gpu: upload stride %d short of row size %d", stride, row)
	}
	if len(pix) < stride*(b.Dy()-1)+row {
		return fmt.Errorf("gpu: upload of %d bytes short of %dx%d texture", len(pix), b.Dx(), b.Dy())
	}

	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	for y := 0; y < b.Dy(); y++ {
		copy(t.img.Pix[y*t.img.Stride:y*t.img.Stride+row], pix[y*stride:y*stride+row])
	}
	return nil
}

func (t *softwareTexture) Release() {
	t.dev.mu.Lock()
	t.released = true
	t.dev.mu.Unlock()
}

// rgba exposes the backing pixels to the composition pass.
func (t *softwareTexture) rgba() *image.RGBA {
	return t.img
}

// pixelTexture is implemented by textures whose pixels are reachable from
// the CPU.
type pixelTexture interface {
	rgba() *image.RGBA
}

// renderFrame paints the layers bottom to top over the clear color.
func renderFrame(desc FrameDesc, layers []Layer) (*image.RGBA, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d frame", ErrInvalidDimensions, desc.Width, desc.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, desc.Width, desc.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(desc.Clear), image.Point{}, draw.Src)

	for _, l := range layers {
		if l.Tex == nil || l.Opacity <= 0 {
			continue
		}
		pt, ok := l.Tex.(pixelTexture)
		if !ok {
			return nil, fmt.Errorf("gpu: texture %T has no CPU-visible pixels", l.Tex)
		}
		src := pt.rgba()

		clips := l.Clip
		if clips == nil {
			clips = []image.Rectangle{l.Dst}
		}
		for _, c := range clips {
			region := c.Intersect(l.Dst).Intersect(img.Bounds())
			if region.Empty() {
				continue
			}
			blendRegion(img, src, l.Dst.Min, region, l.Opacity)
		}
	}
	return img, nil
}

// blendRegion paints src over dst inside region. at is the target-local
// position of the source's origin. The blend treats source channels as
// premultiplied:
//
//	out = src*opacity + dst*(1 - srcAlpha*opacity)
func blendRegion(dst *image.RGBA, src *image.RGBA, at image.Point, region image.Rectangle, opacity float64) {
	sb := src.Bounds()
	for y := region.Min.Y; y < region.Max.Y; y++ {
		sy := y - at.Y + sb.Min.Y
		if sy < sb.Min.Y || sy >= sb.Max.Y {
			continue
		}
		for x := region.Min.X; x < region.Max.X; x++ {
			sx := x - at.X + sb.Min.X
			if sx < sb.Min.X || sx >= sb.Max.X {
				continue
			}

			so := src.PixOffset(sx, sy)
			do := dst.PixOffset(x, y)
			sp := src.Pix[so : so+4 : so+4]
			dp := dst.Pix[do : do+4 : do+4]

			a := float64(sp[3]) / 255.0 * opacity
			dp[0] = clamp8(float64(sp[0])*opacity + float64(dp[0])*(1-a))
			dp[1] = clamp8(float64(sp[1])*opacity + float64(dp[1])*(1-a))
			dp[2] = clamp8(float64(sp[2])*opacity + float64(dp[2])*(1-a))
			dp[3] = clamp8(255.0*a + float64(dp[3])*(1-a))
		}
	}
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
