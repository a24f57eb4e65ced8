package compositor

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/willothy/recomp/internal/config"
	"github.com/willothy/recomp/internal/damage"
	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/registry"
	"github.com/willothy/recomp/internal/x11"
)

func newTestSession(t *testing.T, outs ...x11.Output) *Session {
	t.Helper()
	s := &Session{
		cfg:           config.Defaults(),
		reg:           registry.New(registry.Hooks{}),
		outputs:       outs,
		outputsByName: make(map[string]x11.Output, len(outs)),
		accs:          make(map[string]*damage.Accumulator, len(outs)),
		extra:         make(map[string][]image.Rectangle),
		classes:       make(map[xproto.Window]string),
		hasProp:       make(map[xproto.Window]bool),
		log:           logger.WithComponent("compositor"),
	}
	for _, o := range outs {
		s.outputsByName[o.Name] = o
		s.accs[o.Name] = damage.New(16)
	}
	return s
}

func dualHead() (x11.Output, x11.Output) {
	left := x11.Output{Name: "left", Rect: image.Rect(0, 0, 1920, 1080)}
	right := x11.Output{Name: "right", Rect: image.Rect(1920, 0, 3840, 1080)}
	return left, right
}

func TestSameOrder(t *testing.T) {
	tests := []struct {
		name string
		a, b []xproto.Window
		want bool
	}{
		{"both empty", nil, nil, true},
		{"equal", []xproto.Window{1, 2, 3}, []xproto.Window{1, 2, 3}, true},
		{"reordered", []xproto.Window{1, 2, 3}, []xproto.Window{1, 3, 2}, false},
		{"length differs", []xproto.Window{1, 2}, []xproto.Window{1, 2, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameOrder(tt.a, tt.b); got != tt.want {
				t.Errorf("sameOrder(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestClampByte(t *testing.T) {
	tests := []struct {
		in   float64
		want uint8
	}{
		{0, 0},
		{1, 255},
		{0.5, 128},
		{-0.2, 0},
		{1.5, 255},
	}
	for _, tt := range tests {
		if got := clampByte(tt.in); got != tt.want {
			t.Errorf("clampByte(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDamageAreaRoutesToOverlappingOutputs(t *testing.T) {
	left, right := dualHead()
	s := newTestSession(t, left, right)

	s.damageArea(image.Rect(100, 100, 200, 200))
	if len(s.extra["left"]) != 1 {
		t.Fatalf("left extra = %v, want one rect", s.extra["left"])
	}
	if len(s.extra["right"]) != 0 {
		t.Errorf("right extra = %v, want none", s.extra["right"])
	}

	// A rect spanning the seam lands on both, clipped to each output.
	s.damageArea(image.Rect(1900, 0, 1940, 50))
	if got := s.extra["left"][1]; got != image.Rect(1900, 0, 1920, 50) {
		t.Errorf("left clip = %v", got)
	}
	if got := s.extra["right"][0]; got != image.Rect(1920, 0, 1940, 50) {
		t.Errorf("right clip = %v", got)
	}

	s.damageArea(image.Rectangle{})
	if len(s.extra["left"]) != 2 {
		t.Errorf("empty rect was recorded")
	}
}

func TestDamageAreaCoalescesPastCap(t *testing.T) {
	left, _ := dualHead()
	s := newTestSession(t, left)

	for i := 0; i < maxExtraRects; i++ {
		s.damageArea(image.Rect(i*10, 0, i*10+5, 5))
	}
	if len(s.extra["left"]) != maxExtraRects {
		t.Fatalf("extra len = %d, want %d", len(s.extra["left"]), maxExtraRects)
	}

	s.damageArea(image.Rect(0, 500, 10, 510))
	if len(s.extra["left"]) != 1 {
		t.Fatalf("extra len after cap = %d, want 1", len(s.extra["left"]))
	}
	union := s.extra["left"][0]
	if !image.Rect(0, 500, 10, 510).In(union) || !image.Rect(0, 0, 5, 5).In(union) {
		t.Errorf("union %v does not cover inputs", union)
	}
}

func TestDamageAllReplacesWithFullOutput(t *testing.T) {
	left, right := dualHead()
	s := newTestSession(t, left, right)

	s.damageArea(image.Rect(0, 0, 10, 10))
	s.damageAll()

	for _, out := range []x11.Output{left, right} {
		got := s.extra[out.Name]
		if len(got) != 1 || got[0] != out.Rect {
			t.Errorf("%s extra = %v, want [%v]", out.Name, got, out.Rect)
		}
	}
}

func TestRouteRectsOnlyOverlappingOutputs(t *testing.T) {
	left, right := dualHead()
	s := newTestSession(t, left, right)

	// Surface sits entirely on the right output.
	s.routeRects(7, image.Rect(2000, 100, 2400, 400), []image.Rectangle{image.Rect(0, 0, 50, 50)})

	if s.accs["left"].Pending() != 0 {
		t.Errorf("left accumulator marked for non-overlapping surface")
	}
	if s.accs["right"].Pending() == 0 {
		t.Errorf("right accumulator not marked")
	}
}

func TestPendingAndTakeDamage(t *testing.T) {
	left, _ := dualHead()
	s := newTestSession(t, left)

	if s.pendingFor("left") {
		t.Fatal("pending on a fresh session")
	}

	s.routeRects(3, image.Rect(10, 10, 100, 100), []image.Rectangle{image.Rect(0, 0, 90, 90)})
	s.damageArea(image.Rect(500, 500, 600, 600))
	if !s.pendingFor("left") {
		t.Fatal("damage not pending")
	}

	dmg, extra := s.takeDamage("left")
	if len(dmg[3]) != 1 {
		t.Errorf("window damage = %v", dmg)
	}
	if len(extra) != 1 {
		t.Errorf("extra = %v", extra)
	}
	if s.pendingFor("left") {
		t.Error("still pending after take")
	}
}

func TestMarkFullSurface(t *testing.T) {
	left, _ := dualHead()
	s := newTestSession(t, left)

	geom := registry.Geometry{X: 100, Y: 100, Width: 300, Height: 200}
	if err := s.reg.Create(9, geom); err != nil {
		t.Fatal(err)
	}

	s.markFullSurface(9)
	dmg, _ := s.takeDamage("left")
	rects := dmg[9]
	if len(rects) != 1 || rects[0] != image.Rect(0, 0, 300, 200) {
		t.Errorf("marked rects = %v, want full window-local rect", rects)
	}

	// Unknown windows are a no-op.
	s.markFullSurface(999)
	if s.pendingFor("left") {
		t.Error("unknown window produced damage")
	}
}

func TestEffectiveOpacity(t *testing.T) {
	left, _ := dualHead()
	s := newTestSession(t, left)

	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.SetOpacityRule("Alacritty", 0.85); err != nil {
		t.Fatal(err)
	}
	s.cfgMgr = mgr
	s.classes[1] = "Alacritty"
	s.classes[2] = "Firefox"

	if got := s.effectiveOpacity(1, 0.5, true); got != 0.5 {
		t.Errorf("property opacity = %v, want 0.5", got)
	}
	if got := s.effectiveOpacity(1, 1.0, false); got != 0.85 {
		t.Errorf("rule opacity = %v, want 0.85", got)
	}
	if got := s.effectiveOpacity(2, 1.0, false); got != 1.0 {
		t.Errorf("default opacity = %v, want 1.0", got)
	}
}

func TestFilterKnown(t *testing.T) {
	left, _ := dualHead()
	s := newTestSession(t, left)

	s.reg.Create(1, registry.Geometry{Width: 10, Height: 10})
	s.reg.Create(2, registry.Geometry{Width: 10, Height: 10})

	got := s.filterKnown([]xproto.Window{5, 1, 6, 2})
	want := []xproto.Window{1, 2}
	if !sameOrder(got, want) {
		t.Errorf("filterKnown = %v, want %v", got, want)
	}
}
