package gpu

import (
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/gputypes"
)

// TextureCreator creates device textures from tightly packed RGBA pixels.
// Hosts that can accelerate texture sampling implement it on their device
// handle or renderer.
type TextureCreator interface {
	NewTextureFromRGBA(width, height int, data []byte) (any, error)
}

// TextureUpdater is implemented by device textures whose contents can be
// replaced in place.
type TextureUpdater interface {
	UpdateData(data []byte) error
}

// TextureDestroyer is implemented by device textures that hold GPU
// resources.
type TextureDestroyer interface {
	Destroy()
}

// ProviderDevice composes through a host-provided device handle. Window
// pixels keep a host staging copy for the blend pass; when the handle also
// implements TextureCreator, each upload is mirrored into a device texture
// in the host's surface format so the host can sample composited surfaces
// directly.
type ProviderDevice struct {
	handle  DeviceHandle
	creator TextureCreator
	format  gputypes.TextureFormat
	soft    *SoftwareDevice
	mu      sync.Mutex
	doomed  []any // device textures awaiting destruction after Poll
}

// NewProviderDevice wraps a host device handle. It returns ErrDeviceLost
// when the handle cannot provide a device.
func NewProviderDevice(handle DeviceHandle) (*ProviderDevice, error) {
	if handle == nil || handle.Device() == nil {
		return nil, ErrDeviceLost
	}

	d := &ProviderDevice{
		handle: handle,
		format: handle.SurfaceFormat(),
		soft:   NewSoftwareDevice(),
	}
	if creator, ok := handle.(TextureCreator); ok {
		d.creator = creator
	}
	return d, nil
}

// CreateTexture allocates a staging texture; the device copy is created
// lazily on first upload.
func (d *ProviderDevice) CreateTexture(width, height int) (Texture, error) {
	base, err := d.soft.CreateTexture(width, height)
	if err != nil {
		return nil, err
	}
	return &providerTexture{
		dev:     d,
		staging: base.(*softwareTexture),
	}, nil
}

// Compose blends the staging copies and drives the device forward.
func (d *ProviderDevice) Compose(desc FrameDesc, layers []Layer) Submission {
	sub := d.soft.Compose(desc, layers)
	d.Poll(false)
	return sub
}

// Poll advances the device and destroys any textures retired since the
// last call. With wait set the device is driven to idle first, so retired
// textures are guaranteed unreferenced.
func (d *ProviderDevice) Poll(wait bool) {
	d.handle.Device().Poll(wait)

	d.mu.Lock()
	doomed := d.doomed
	d.doomed = nil
	d.mu.Unlock()

	for _, tex := range doomed {
		if destroyer, ok := tex.(TextureDestroyer); ok {
			destroyer.Destroy()
		}
	}
}

// Close destroys the device textures this compositor created. The device
// itself belongs to the host and is left alone.
func (d *ProviderDevice) Close() error {
	d.Poll(true)
	return d.soft.Close()
}

// retire queues a device texture for destruction on the next Poll.
func (d *ProviderDevice) retire(tex any) {
	if tex == nil {
		return
	}
	d.mu.Lock()
	d.doomed = append(d.doomed, tex)
	d.mu.Unlock()
}

// providerTexture pairs a host staging copy with an optional device copy.
type providerTexture struct {
	dev     *ProviderDevice
	staging *softwareTexture
	gpuTex  any
}

func (t *providerTexture) Bounds() image.Rectangle {
	return t.staging.Bounds()
}

func (t *providerTexture) Upload(pix []byte, stride int) error {
	if err := t.staging.Upload(pix, stride); err != nil {
		return err
	}
	if t.dev.creator == nil {
		return nil
	}

	b := t.staging.Bounds()
	data := t.deviceData()

	if t.gpuTex == nil {
		tex, err := t.dev.creator.NewTextureFromRGBA(b.Dx(), b.Dy(), data)
		if err != nil {
			return fmt.Errorf("failed to create device texture: %w", err)
		}
		t.gpuTex = tex
		return nil
	}
	if updater, ok := t.gpuTex.(TextureUpdater); ok {
		if err := updater.UpdateData(data); err != nil {
			return fmt.Errorf("failed to update device texture: %w", err)
		}
	}
	return nil
}

func (t *providerTexture) Release() {
	t.staging.Release()
	t.dev.retire(t.gpuTex)
	t.gpuTex = nil
}

// rgba feeds the blend pass from the staging copy.
func (t *providerTexture) rgba() *image.RGBA {
	return t.staging.rgba()
}

// deviceData returns the staging pixels in the host's surface format.
// BGRA hosts get a swizzled copy; everything else samples RGBA as-is.
func (t *providerTexture) deviceData() []byte {
	pix := t.staging.rgba().Pix
	if t.dev.format != gputypes.TextureFormatBGRA8Unorm {
		return pix
	}

	out := make([]byte, len(pix))
	for i := 0; i+3 < len(pix); i += 4 {
		out[i] = pix[i+2]
		out[i+1] = pix[i+1]
		out[i+2] = pix[i]
		out[i+3] = pix[i+3]
	}
	return out
}
