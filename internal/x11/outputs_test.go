package x11

import (
	"math"
	"testing"

	"github.com/BurntSushi/xgb/randr"
)

func TestModeRefresh(t *testing.T) {
	tests := []struct {
		name string
		mode randr.ModeInfo
		want float64
	}{
		{
			name: "1080p60",
			mode: randr.ModeInfo{DotClock: 148500000, Htotal: 2200, Vtotal: 1125},
			want: 60.0,
		},
		{
			name: "1440p144",
			mode: randr.ModeInfo{DotClock: 586586000, Htotal: 2720, Vtotal: 1497},
			want: 144.06,
		},
		{
			name: "zero dot clock",
			mode: randr.ModeInfo{Htotal: 2200, Vtotal: 1125},
			want: 0,
		},
		{
			name: "zero totals",
			mode: randr.ModeInfo{DotClock: 148500000},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := modeRefresh(tt.mode)
			if math.Abs(got-tt.want) > 0.01 {
				t.Errorf("modeRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseOpacity(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		want float64
	}{
		{"opaque", 0xffffffff, 1.0},
		{"zero", 0, 0.0},
		{"half", 0x7fffffff, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOpacity(tt.raw)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("parseOpacity(%#x) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
