package x11

import (
	"bytes"
	"testing"

	"github.com/BurntSushi/xgb/xproto"
)

func TestPaddedStride(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		format xproto.Format
		want   int
	}{
		{"32bpp aligned", 1920, xproto.Format{Depth: 24, BitsPerPixel: 32, ScanlinePad: 32}, 7680},
		{"32bpp odd width", 1, xproto.Format{Depth: 24, BitsPerPixel: 32, ScanlinePad: 32}, 4},
		{"24bpp padded", 3, xproto.Format{Depth: 24, BitsPerPixel: 24, ScanlinePad: 32}, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paddedStride(tt.width, tt.format); got != tt.want {
				t.Errorf("paddedStride(%d) = %d, want %d", tt.width, got, tt.want)
			}
		})
	}
}

func TestConvertRow(t *testing.T) {
	src := []byte{
		10, 20, 30, 255, // RGBA
		40, 50, 60, 128,
	}
	dst := make([]byte, len(src))
	convertRow(dst, src, 2)

	want := []byte{
		30, 20, 10, 255, // BGRA
		60, 50, 40, 128,
	}
	if !bytes.Equal(dst, want) {
		t.Errorf("convertRow = %v, want %v", dst, want)
	}
}
