package x11

import (
	"image/color"
	"testing"
)

func TestBgraToRGBA(t *testing.T) {
	// Two pixels of server data: blue-ish opaque, red-ish translucent.
	data := []byte{
		200, 100, 50, 0, // B G R X at depth 24
		10, 20, 220, 128, // B G R A at depth 32
	}

	t.Run("depth 24 forces opaque", func(t *testing.T) {
		img := bgraToRGBA(data, 2, 1, 24)
		if got := img.RGBAAt(0, 0); got != (color.RGBA{R: 50, G: 100, B: 200, A: 255}) {
			t.Errorf("pixel 0 = %v", got)
		}
		if got := img.RGBAAt(1, 0); got.A != 255 {
			t.Errorf("depth 24 kept alpha byte: %v", got)
		}
	})

	t.Run("depth 32 keeps alpha", func(t *testing.T) {
		img := bgraToRGBA(data, 2, 1, 32)
		if got := img.RGBAAt(1, 0); got != (color.RGBA{R: 220, G: 20, B: 10, A: 128}) {
			t.Errorf("pixel 1 = %v", got)
		}
	})

	t.Run("short data does not panic", func(t *testing.T) {
		img := bgraToRGBA(data[:5], 2, 1, 24)
		if got := img.RGBAAt(0, 0); got.B != 200 {
			t.Errorf("pixel 0 = %v", got)
		}
	})
}
