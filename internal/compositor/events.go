package compositor

import (
	"image"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/willothy/recomp/internal/registry"
	"github.com/willothy/recomp/internal/x11"
)

// Structural damage lists stay short; past this they collapse to a union.
const maxExtraRects = 64

func (s *Session) handleEvent(ev x11.Event) {
	switch e := ev.(type) {
	case x11.Created:
		s.onCreated(e)
	case x11.Destroyed:
		s.onDestroyed(e)
	case x11.Mapped:
		s.onMapped(e)
	case x11.Unmapped:
		s.onUnmapped(e)
	case x11.Configured:
		s.onConfigured(e)
	case x11.Restacked:
		s.onRestacked(e)
	case x11.ShapeChanged:
		s.onShapeChanged(e)
	case x11.DamageReported:
		s.onDamage(e)
	case x11.OpacityChanged:
		s.onOpacityChanged(e)
	}
}

func (s *Session) onCreated(e x11.Created) {
	if err := s.reg.Create(e.Window, e.Geometry); err != nil {
		s.log.Debug().Err(err).Uint32("window_id", uint32(e.Window)).Msg("Create ignored")
		return
	}
	s.stateMu.Lock()
	s.classes[e.Window] = e.Class
	s.stateMu.Unlock()

	s.log.Debug().
		Uint32("window_id", uint32(e.Window)).
		Str("class", e.Class).
		Bool("override_redirect", e.OverrideRedirect).
		Msg("Window created")
	s.publish(Notice{Type: "created", Window: uint32(e.Window), Class: e.Class})
}

func (s *Session) onDestroyed(e x11.Destroyed) {
	surf, ok := s.reg.Get(e.Window)
	if !ok {
		return
	}
	visible := surf.Visibility == registry.Redirected

	if err := s.reg.Destroy(e.Window); err != nil {
		s.log.Debug().Err(err).Uint32("window_id", uint32(e.Window)).Msg("Destroy ignored")
		return
	}
	s.forgetDamage(e.Window)
	if visible {
		s.damageArea(surf.Geometry.Rect())
	}

	s.stateMu.Lock()
	class := s.classes[e.Window]
	delete(s.classes, e.Window)
	delete(s.hasProp, e.Window)
	s.stateMu.Unlock()

	s.log.Debug().Uint32("window_id", uint32(e.Window)).Str("class", class).Msg("Window destroyed")
	s.publish(Notice{Type: "destroyed", Window: uint32(e.Window), Class: class})
}

func (s *Session) onMapped(e x11.Mapped) {
	if err := s.reg.SetVisibility(e.Window, registry.Redirected); err != nil {
		s.log.Debug().Err(err).Uint32("window_id", uint32(e.Window)).Msg("Map for unknown window")
		return
	}
	if e.Shape != nil {
		s.reg.SetShape(e.Window, e.Shape)
	}

	// The opacity property may have been set before the map, which predates
	// our PropertyNotify interest in the window.
	op, hasProp, err := s.conn.WindowOpacity(e.Window)
	if err != nil {
		op, hasProp = 1.0, false
	}
	s.stateMu.Lock()
	s.hasProp[e.Window] = hasProp
	s.stateMu.Unlock()
	s.reg.SetOpacity(e.Window, s.effectiveOpacity(e.Window, op, hasProp))

	// Pixmap contents arrive with the first damage report, but the mapped
	// area must repaint now so stale pixels beneath it clear.
	if surf, ok := s.reg.Get(e.Window); ok {
		s.damageArea(surf.Geometry.Rect())
	}

	s.log.Debug().Uint32("window_id", uint32(e.Window)).Msg("Window mapped")
	s.publish(Notice{Type: "mapped", Window: uint32(e.Window)})
}

func (s *Session) onUnmapped(e x11.Unmapped) {
	surf, ok := s.reg.Get(e.Window)
	if !ok {
		return
	}
	if err := s.reg.SetVisibility(e.Window, registry.Unmapped); err != nil {
		return
	}
	// The named pixmap dies with the unmap, so a retained texture is the
	// only way to keep the last contents around.
	if !s.cfg.RetainUnmapped {
		s.mgr.Release(e.Window)
	}
	s.forgetDamage(e.Window)
	if surf.Visibility == registry.Redirected {
		s.damageArea(surf.Geometry.Rect())
	}

	s.log.Debug().Uint32("window_id", uint32(e.Window)).Msg("Window unmapped")
	s.publish(Notice{Type: "unmapped", Window: uint32(e.Window)})
}

func (s *Session) onConfigured(e x11.Configured) {
	old, ok := s.reg.Get(e.Window)
	if !ok {
		return
	}
	resized, err := s.reg.Configure(e.Window, e.Geometry)
	if err != nil {
		return
	}
	if old.Visibility == registry.Redirected {
		s.damageArea(old.Geometry.Rect())
		s.damageArea(e.Geometry.Rect())
	}
	if resized {
		s.log.Debug().
			Uint32("window_id", uint32(e.Window)).
			Int("width", e.Geometry.Width).
			Int("height", e.Geometry.Height).
			Msg("Window resized")
	}
	s.publish(Notice{Type: "configured", Window: uint32(e.Window)})
}

func (s *Session) onRestacked(e x11.Restacked) {
	incoming := s.filterKnown(e.Order)
	if sameOrder(incoming, s.reg.Order()) {
		return
	}
	s.reg.Restack(e.Order)
	// Stacking changes can alter occlusion anywhere, so every output
	// repaints in full.
	s.damageAll()

	s.log.Debug().Int("windows", len(incoming)).Msg("Stacking order changed")
	s.publish(Notice{Type: "restacked"})
}

func (s *Session) onShapeChanged(e x11.ShapeChanged) {
	if err := s.reg.SetShape(e.Window, e.Rects); err != nil {
		return
	}
	if surf, ok := s.reg.Get(e.Window); ok && surf.Visibility == registry.Redirected {
		s.damageArea(surf.Geometry.Rect())
	}
	s.publish(Notice{Type: "shape", Window: uint32(e.Window)})
}

func (s *Session) onDamage(e x11.DamageReported) {
	surf, ok := s.reg.Get(e.Window)
	if !ok || surf.Visibility != registry.Redirected {
		return
	}
	s.mgr.MarkDirty(e.Window)
	s.routeRects(e.Window, surf.Geometry.Rect(), e.Rects)
}

func (s *Session) onOpacityChanged(e x11.OpacityChanged) {
	s.stateMu.Lock()
	s.hasProp[e.Window] = e.HasProperty
	s.stateMu.Unlock()

	surf, ok := s.reg.Get(e.Window)
	if !ok {
		return
	}
	eff := s.effectiveOpacity(e.Window, e.Opacity, e.HasProperty)
	if eff == surf.Opacity {
		return
	}
	s.reg.SetOpacity(e.Window, eff)
	if surf.Visibility == registry.Redirected {
		s.damageArea(surf.Geometry.Rect())
	}

	s.log.Debug().
		Uint32("window_id", uint32(e.Window)).
		Float64("opacity", eff).
		Msg("Opacity changed")
	s.publish(Notice{Type: "opacity", Window: uint32(e.Window)})
}

// effectiveOpacity resolves a window's opacity: an explicit property wins,
// then a class rule, then fully opaque.
func (s *Session) effectiveOpacity(win xproto.Window, propOpacity float64, hasProp bool) float64 {
	if hasProp {
		return propOpacity
	}
	if s.cfgMgr != nil {
		s.stateMu.RLock()
		class := s.classes[win]
		s.stateMu.RUnlock()
		if op, ok := s.cfgMgr.OpacityFor(class); ok {
			return op
		}
	}
	return 1.0
}

// damageArea records a root-coordinate rectangle as structural damage on
// every output it touches.
func (s *Session) damageArea(rect image.Rectangle) {
	if rect.Empty() {
		return
	}
	for _, out := range s.outputs {
		if !rect.Overlaps(out.Rect) {
			continue
		}
		clipped := rect.Intersect(out.Rect)
		rects := s.extra[out.Name]
		if len(rects) >= maxExtraRects {
			union := clipped
			for _, r := range rects {
				union = union.Union(r)
			}
			s.extra[out.Name] = []image.Rectangle{union}
			continue
		}
		s.extra[out.Name] = append(rects, clipped)
	}
}

// damageAll schedules a full repaint of every output.
func (s *Session) damageAll() {
	for _, out := range s.outputs {
		s.extra[out.Name] = []image.Rectangle{out.Rect}
	}
}

// routeRects distributes window-local damage to the accumulators of the
// outputs the surface overlaps.
func (s *Session) routeRects(win xproto.Window, surfRect image.Rectangle, rects []image.Rectangle) {
	for _, out := range s.outputs {
		if surfRect.Overlaps(out.Rect) {
			s.accs[out.Name].Mark(win, rects...)
		}
	}
}

// markFullSurface re-marks a surface's whole area as damaged so a skipped
// import retries on the next frame.
func (s *Session) markFullSurface(win xproto.Window) {
	surf, ok := s.reg.Get(win)
	if !ok {
		return
	}
	full := image.Rect(0, 0, surf.Geometry.Width, surf.Geometry.Height)
	s.routeRects(win, surf.Geometry.Rect(), []image.Rectangle{full})
}

func (s *Session) forgetDamage(win xproto.Window) {
	for _, acc := range s.accs {
		acc.Forget(win)
	}
}

// pendingFor reports whether an output has anything to repaint.
func (s *Session) pendingFor(name string) bool {
	if acc, ok := s.accs[name]; ok && acc.Pending() > 0 {
		return true
	}
	return len(s.extra[name]) > 0
}

// takeDamage drains an output's accumulated and structural damage.
func (s *Session) takeDamage(name string) (map[xproto.Window][]image.Rectangle, []image.Rectangle) {
	var dmg map[xproto.Window][]image.Rectangle
	if acc, ok := s.accs[name]; ok {
		dmg = acc.TakeAll()
	}
	ex := s.extra[name]
	s.extra[name] = nil
	return dmg, ex
}

func (s *Session) filterKnown(order []xproto.Window) []xproto.Window {
	known := make([]xproto.Window, 0, len(order))
	for _, w := range order {
		if _, ok := s.reg.Get(w); ok {
			known = append(known, w)
		}
	}
	return known
}

// sameOrder reports whether two stacking orders are elementwise equal.
func sameOrder(a, b []xproto.Window) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
