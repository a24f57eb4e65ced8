package hud

import (
	"image"
	"testing"
)

func TestRenderTouchesFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	o := New()

	box := o.Render(img, Stats{Output: "DP-1", FPS: 59.9, Seq: 42, Surfaces: 3})
	if box.Empty() {
		t.Fatal("render covered nothing")
	}
	if box.Min.X != margin || box.Min.Y != margin {
		t.Errorf("box not anchored at margin: %v", box)
	}

	// The background box must actually be painted.
	painted := false
	for y := box.Min.Y; y < box.Max.Y && !painted; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				painted = true
				break
			}
		}
	}
	if !painted {
		t.Error("no pixels painted inside reported box")
	}

	// Nothing outside the box changes.
	if _, _, _, a := img.At(box.Max.X+1, box.Min.Y).RGBA(); a != 0 {
		t.Error("pixels painted outside reported box")
	}
}

func TestRenderTinyFrame(t *testing.T) {
	// A frame smaller than the HUD box must clip, not panic.
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	box := New().Render(img, Stats{Output: "DP-1"})
	if !box.In(img.Bounds()) {
		t.Errorf("box %v escapes frame bounds", box)
	}
}
