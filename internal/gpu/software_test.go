package gpu

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"
)

// solidTexture creates a device texture filled with one color.
func solidTexture(t *testing.T, dev Device, w, h int, c color.NRGBA) Texture {
	t.Helper()

	tex, err := dev.CreateTexture(w, h)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i] = c.R
		pix[i+1] = c.G
		pix[i+2] = c.B
		pix[i+3] = c.A
	}
	if err := tex.Upload(pix, w*4); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	return tex
}

func waitSubmission(t *testing.T, sub Submission) *image.RGBA {
	t.Helper()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("submission did not complete")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("submission failed: %v", err)
	}
	return sub.Image()
}

func TestComposeClearColor(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	desc := FrameDesc{Width: 4, Height: 4, Clear: color.NRGBA{R: 25, G: 51, B: 127, A: 255}}
	img := waitSubmission(t, dev.Compose(desc, nil))

	if got := img.Bounds(); got != image.Rect(0, 0, 4, 4) {
		t.Fatalf("unexpected frame bounds %v", got)
	}
	want := color.RGBA{R: 25, G: 51, B: 127, A: 255}
	if got := img.RGBAAt(2, 2); got != want {
		t.Errorf("expected clear color %v, got %v", want, got)
	}
}

func TestComposeOpaqueLayer(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	tex := solidTexture(t, dev, 2, 2, color.NRGBA{R: 200, G: 10, B: 30, A: 255})
	layers := []Layer{{Tex: tex, Dst: image.Rect(1, 1, 3, 3), Opacity: 1.0}}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 4, Height: 4}, layers))

	if got := img.RGBAAt(1, 1); got != (color.RGBA{R: 200, G: 10, B: 30, A: 255}) {
		t.Errorf("layer pixel wrong: %v", got)
	}
	// Outside the layer the clear color remains.
	if got := img.RGBAAt(0, 0); got != (color.RGBA{}) {
		t.Errorf("background pixel wrong: %v", got)
	}
}

func TestComposeHalfOpacity(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	bottom := solidTexture(t, dev, 2, 2, color.NRGBA{B: 255, A: 255})
	top := solidTexture(t, dev, 2, 2, color.NRGBA{R: 255, A: 255})
	layers := []Layer{
		{Tex: bottom, Dst: image.Rect(0, 0, 2, 2), Opacity: 1.0},
		{Tex: top, Dst: image.Rect(0, 0, 2, 2), Opacity: 0.5},
	}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 2, Height: 2}, layers))

	// src*0.5 + dst*(1 - 0.5) with opaque source and destination.
	want := color.RGBA{R: 128, G: 0, B: 128, A: 255}
	if got := img.RGBAAt(0, 0); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestComposePaintOrder(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	bottom := solidTexture(t, dev, 3, 3, color.NRGBA{G: 255, A: 255})
	top := solidTexture(t, dev, 3, 3, color.NRGBA{R: 255, A: 255})
	layers := []Layer{
		{Tex: bottom, Dst: image.Rect(0, 0, 3, 3), Opacity: 1.0},
		{Tex: top, Dst: image.Rect(1, 1, 4, 4), Opacity: 1.0},
	}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 4, Height: 4}, layers))

	// Overlap belongs to the later layer.
	if got := img.RGBAAt(2, 2); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("overlap pixel wrong: %v", got)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{G: 255, A: 255}) {
		t.Errorf("bottom-only pixel wrong: %v", got)
	}
}

func TestComposeClipRects(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	tex := solidTexture(t, dev, 4, 4, color.NRGBA{R: 255, A: 255})
	layers := []Layer{{
		Tex:     tex,
		Dst:     image.Rect(0, 0, 4, 4),
		Clip:    []image.Rectangle{image.Rect(0, 0, 2, 2), image.Rect(3, 3, 4, 4)},
		Opacity: 1.0,
	}}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 4, Height: 4}, layers))

	if got := img.RGBAAt(1, 1); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("clipped-in pixel wrong: %v", got)
	}
	if got := img.RGBAAt(3, 3); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("second clip rect pixel wrong: %v", got)
	}
	// The shape hole stays at the clear color.
	if got := img.RGBAAt(2, 1); got != (color.RGBA{}) {
		t.Errorf("clipped-out pixel painted: %v", got)
	}
}

func TestComposeLayerPartiallyOffscreen(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	tex := solidTexture(t, dev, 4, 4, color.NRGBA{B: 255, A: 255})
	layers := []Layer{{Tex: tex, Dst: image.Rect(-2, -2, 2, 2), Opacity: 1.0}}
	img := waitSubmission(t, dev.Compose(FrameDesc{Width: 4, Height: 4}, layers))

	if got := img.RGBAAt(1, 1); got != (color.RGBA{B: 255, A: 255}) {
		t.Errorf("onscreen portion wrong: %v", got)
	}
	if got := img.RGBAAt(3, 3); got != (color.RGBA{}) {
		t.Errorf("background painted: %v", got)
	}
}

func TestComposeInvalidFrame(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	sub := dev.Compose(FrameDesc{Width: 0, Height: 10}, nil)
	<-sub.Done()
	if !errors.Is(sub.Err(), ErrInvalidDimensions) {
		t.Errorf("expected ErrInvalidDimensions, got %v", sub.Err())
	}
	if sub.Image() != nil {
		t.Error("failed submission carries an image")
	}
}

func TestCreateTextureInvalidDimensions(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	if _, err := dev.CreateTexture(0, 10); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("expected ErrInvalidDimensions, got %v", err)
	}
	if _, err := dev.CreateTexture(10, -1); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("expected ErrInvalidDimensions, got %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	tex, err := dev.CreateTexture(4, 4)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}

	if err := tex.Upload(make([]byte, 8), 16); err == nil {
		t.Error("short buffer accepted")
	}
	if err := tex.Upload(make([]byte, 64), 8); err == nil {
		t.Error("short stride accepted")
	}
}

func TestUploadPaddedStride(t *testing.T) {
	dev := NewSoftwareDevice()
	defer dev.Close()

	tex, err := dev.CreateTexture(2, 2)
	if err != nil {
		t.Fatalf("create texture failed: %v", err)
	}

	// Rows padded to 12 bytes; the pad must not leak into the texture.
	pix := make([]byte, 24)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			o := y*12 + x*4
			pix[o] = byte(100 + y*2 + x)
			pix[o+3] = 255
		}
	}
	if err := tex.Upload(pix, 12); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	img := tex.(*softwareTexture).rgba()
	if img.RGBAAt(0, 1).R != 102 {
		t.Errorf("row stride mishandled: %v", img.RGBAAt(0, 1))
	}
}
