package gpu

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct {
	polls int
	waits int
}

func (m *mockDevice) Poll(wait bool) {
	m.polls++
	if wait {
		m.waits++
	}
}
func (m *mockDevice) Destroy() {}

// mockQueue implements gpucontext.Queue for testing.
type mockQueue struct{}

// mockAdapter implements gpucontext.Adapter for testing.
type mockAdapter struct{}

// mockHandle implements DeviceHandle, optionally with texture creation.
type mockHandle struct {
	device  *mockDevice
	format  gputypes.TextureFormat
	creator *mockCreator
}

func newMockHandle(format gputypes.TextureFormat, withCreator bool) *mockHandle {
	h := &mockHandle{device: &mockDevice{}, format: format}
	if withCreator {
		h.creator = &mockCreator{}
	}
	return h
}

func (m *mockHandle) Device() gpucontext.Device {
	if m.device == nil {
		return nil
	}
	return m.device
}
func (m *mockHandle) Queue() gpucontext.Queue               { return mockQueue{} }
func (m *mockHandle) Adapter() gpucontext.Adapter           { return mockAdapter{} }
func (m *mockHandle) SurfaceFormat() gputypes.TextureFormat { return m.format }

// creatorHandle adds NewTextureFromRGBA so the provider device mirrors
// uploads into device textures.
type creatorHandle struct {
	*mockHandle
}

func (c creatorHandle) NewTextureFromRGBA(width, height int, data []byte) (any, error) {
	return c.creator.NewTextureFromRGBA(width, height, data)
}

type mockCreator struct {
	textures []*mockDeviceTexture
	failNext bool
}

func (m *mockCreator) NewTextureFromRGBA(width, height int, data []byte) (any, error) {
	if m.failNext {
		m.failNext = false
		return nil, errors.New("mock texture creation failed")
	}
	tex := &mockDeviceTexture{width: width, height: height, data: append([]byte(nil), data...)}
	m.textures = append(m.textures, tex)
	return tex, nil
}

type mockDeviceTexture struct {
	width     int
	height    int
	data      []byte
	updated   int
	destroyed bool
}

func (m *mockDeviceTexture) UpdateData(data []byte) error {
	m.data = append(m.data[:0], data...)
	m.updated++
	return nil
}

func (m *mockDeviceTexture) Destroy() {
	m.destroyed = true
}

func TestNewProviderDeviceRequiresDevice(t *testing.T) {
	if _, err := NewProviderDevice(nil); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("nil handle: expected ErrDeviceLost, got %v", err)
	}

	h := &mockHandle{format: gputypes.TextureFormatRGBA8Unorm}
	if _, err := NewProviderDevice(h); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("deviceless handle: expected ErrDeviceLost, got %v", err)
	}
}

func TestProviderUploadMirrorsToDeviceTexture(t *testing.T) {
	h := newMockHandle(gputypes.TextureFormatRGBA8Unorm, true)
	dev, err := NewProviderDevice(creatorHandle{h})
	if err != nil {
		t.Fatalf("new provider device failed: %v", err)
	}
	defer dev.Close()

	tex, err := dev.CreateTexture(2, 1)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}
	pix := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := tex.Upload(pix, 8); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if len(h.creator.textures) != 1 {
		t.Fatalf("expected 1 device texture, got %d", len(h.creator.textures))
	}
	got := h.creator.textures[0]
	if got.width != 2 || got.height != 1 {
		t.Errorf("device texture size %dx%d", got.width, got.height)
	}
	// RGBA host format passes pixels through untouched.
	for i, b := range pix {
		if got.data[i] != b {
			t.Fatalf("byte %d: expected %d, got %d", i, b, got.data[i])
		}
	}

	// A second upload updates in place instead of recreating.
	if err := tex.Upload(pix, 8); err != nil {
		t.Fatalf("second upload failed: %v", err)
	}
	if len(h.creator.textures) != 1 {
		t.Errorf("second upload created a texture: %d", len(h.creator.textures))
	}
	if got.updated != 1 {
		t.Errorf("expected 1 update, got %d", got.updated)
	}
}

func TestProviderSwizzlesForBGRAHost(t *testing.T) {
	h := newMockHandle(gputypes.TextureFormatBGRA8Unorm, true)
	dev, err := NewProviderDevice(creatorHandle{h})
	if err != nil {
		t.Fatalf("new provider device failed: %v", err)
	}
	defer dev.Close()

	tex, err := dev.CreateTexture(1, 1)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}
	if err := tex.Upload([]byte{10, 20, 30, 40}, 4); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got := h.creator.textures[0].data
	want := []byte{30, 20, 10, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestProviderReleaseRetiresAfterPoll(t *testing.T) {
	h := newMockHandle(gputypes.TextureFormatRGBA8Unorm, true)
	dev, err := NewProviderDevice(creatorHandle{h})
	if err != nil {
		t.Fatalf("new provider device failed: %v", err)
	}
	defer dev.Close()

	tex, err := dev.CreateTexture(1, 1)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}
	if err := tex.Upload([]byte{0, 0, 0, 255}, 4); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	devTex := h.creator.textures[0]
	tex.Release()
	if devTex.destroyed {
		t.Fatal("device texture destroyed before poll")
	}

	dev.Poll(false)
	if !devTex.destroyed {
		t.Error("device texture not destroyed after poll")
	}
	if h.device.polls == 0 {
		t.Error("host device never polled")
	}
}

func TestProviderComposeBlends(t *testing.T) {
	h := newMockHandle(gputypes.TextureFormatRGBA8Unorm, false)
	dev, err := NewProviderDevice(h)
	if err != nil {
		t.Fatalf("new provider device failed: %v", err)
	}
	defer dev.Close()

	tex := solidTexture(t, dev, 2, 2, color.NRGBA{R: 255, A: 255})
	layers := []Layer{{Tex: tex, Dst: image.Rect(0, 0, 2, 2), Opacity: 1.0}}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 2, Height: 2}, layers))

	if got := img.RGBAAt(0, 0); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("composed pixel wrong: %v", got)
	}
}

func TestProviderCloseDrivesDeviceIdle(t *testing.T) {
	h := newMockHandle(gputypes.TextureFormatRGBA8Unorm, false)
	dev, err := NewProviderDevice(h)
	if err != nil {
		t.Fatalf("new provider device failed: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if h.device.waits == 0 {
		t.Error("close did not wait for device idle")
	}
}
