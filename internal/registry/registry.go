package registry

import (
	"errors"
	"image"
	"sync"

	"github.com/BurntSushi/xgb/xproto"

	"github.com/willothy/recomp/internal/logger"
)

var (
	// ErrDuplicateWindow is returned when a window id is created twice.
	ErrDuplicateWindow = errors.New("registry: window already present")
	// ErrUnknownWindow is returned for operations on an absent window id.
	ErrUnknownWindow = errors.New("registry: unknown window")
)

// Visibility is a surface's lifecycle state. Only Redirected surfaces are
// eligible for texture import.
type Visibility int

const (
	Unmapped Visibility = iota
	Mapped
	Redirected
)

func (v Visibility) String() string {
	switch v {
	case Unmapped:
		return "unmapped"
	case Mapped:
		return "mapped"
	case Redirected:
		return "redirected"
	}
	return "unknown"
}

// Geometry is a window's root-relative placement.
type Geometry struct {
	X, Y          int
	Width, Height int
	Border        int
}

// Rect returns the geometry as a rectangle, border excluded.
func (g Geometry) Rect() image.Rectangle {
	return image.Rect(g.X, g.Y, g.X+g.Width, g.Y+g.Height)
}

// SameSize reports whether two geometries have equal dimensions.
func (g Geometry) SameSize(o Geometry) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Surface is the composited state of one on-screen window.
type Surface struct {
	Window     xproto.Window
	Geometry   Geometry
	StackIndex int
	Visibility Visibility
	// Shape holds the window-relative bounding shape rectangles for
	// non-rectangular windows; nil means the full geometry rectangle.
	Shape   []image.Rectangle
	Opacity float64
}

// clone returns a value copy safe to hand outside the registry.
func (s *Surface) clone() Surface {
	c := *s
	if s.Shape != nil {
		c.Shape = append([]image.Rectangle(nil), s.Shape...)
	}
	return c
}

// Hooks receives registry side effects. The texture hooks let the owner of
// GPU resources react to destroys and resizes without the registry holding a
// reference to it. Nil hooks are skipped.
type Hooks struct {
	ReleaseTexture    func(xproto.Window)
	InvalidateTexture func(xproto.Window)
}

// Registry is the authoritative window-to-surface mapping. It is written by
// exactly one goroutine (the session event loop); Snapshot provides the only
// read access for the composer and is mutually exclusive with mutation.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[xproto.Window]*Surface
	// order holds every registered window bottom to top; StackIndex fields
	// mirror positions here after every mutation.
	order []xproto.Window
	hooks Hooks
}

// New creates an empty registry.
func New(hooks Hooks) *Registry {
	return &Registry{
		surfaces: make(map[xproto.Window]*Surface),
		hooks:    hooks,
	}
}

// Create inserts a surface for a new window in Unmapped state. New windows
// stack above existing siblings.
func (r *Registry) Create(win xproto.Window, geom Geometry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.surfaces[win]; ok {
		return ErrDuplicateWindow
	}

	r.surfaces[win] = &Surface{
		Window:     win,
		Geometry:   geom,
		Visibility: Unmapped,
		Opacity:    1.0,
	}
	r.order = append(r.order, win)
	r.reindexLocked()
	return nil
}

// Destroy removes a surface and releases its texture through the hooks.
// Redundant destroys return ErrUnknownWindow; callers log and move on.
func (r *Registry) Destroy(win xproto.Window) error {
	r.mu.Lock()
	if _, ok := r.surfaces[win]; !ok {
		r.mu.Unlock()
		return ErrUnknownWindow
	}

	delete(r.surfaces, win)
	for i, w := range r.order {
		if w == win {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.reindexLocked()
	r.mu.Unlock()

	if r.hooks.ReleaseTexture != nil {
		r.hooks.ReleaseTexture(win)
	}
	return nil
}

// Configure updates a surface's geometry. A size change invalidates the
// texture binding through the hooks; the caller marks full damage. The
// return value reports whether dimensions changed.
func (r *Registry) Configure(win xproto.Window, geom Geometry) (bool, error) {
	r.mu.Lock()
	s, ok := r.surfaces[win]
	if !ok {
		r.mu.Unlock()
		return false, ErrUnknownWindow
	}

	resized := !s.Geometry.SameSize(geom)
	s.Geometry = geom
	r.mu.Unlock()

	if resized && r.hooks.InvalidateTexture != nil {
		r.hooks.InvalidateTexture(win)
	}
	return resized, nil
}

// SetVisibility moves a surface through its lifecycle states.
func (r *Registry) SetVisibility(win xproto.Window, v Visibility) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.surfaces[win]
	if !ok {
		return ErrUnknownWindow
	}
	s.Visibility = v
	return nil
}

// SetShape replaces a surface's bounding shape. nil restores the full
// rectangle.
func (r *Registry) SetShape(win xproto.Window, rects []image.Rectangle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.surfaces[win]
	if !ok {
		return ErrUnknownWindow
	}
	if rects == nil {
		s.Shape = nil
	} else {
		s.Shape = append([]image.Rectangle(nil), rects...)
	}
	return nil
}

// SetOpacity sets a surface's opacity, clamped to [0.0, 1.0].
func (r *Registry) SetOpacity(win xproto.Window, opacity float64) error {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.surfaces[win]
	if !ok {
		return ErrUnknownWindow
	}
	s.Opacity = opacity
	return nil
}

// Restack replaces the stacking order with the listed windows, bottom to
// top. Listed windows unknown to the registry are skipped; registered
// windows missing from the list keep their prior relative order at the tail.
// The swap is atomic with respect to Snapshot.
func (r *Registry) Restack(order []xproto.Window) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listed := make(map[xproto.Window]bool, len(order))
	next := make([]xproto.Window, 0, len(r.order))
	for _, win := range order {
		if _, ok := r.surfaces[win]; !ok {
			continue
		}
		if listed[win] {
			continue
		}
		listed[win] = true
		next = append(next, win)
	}
	for _, win := range r.order {
		if !listed[win] {
			next = append(next, win)
		}
	}

	r.order = next
	r.reindexLocked()
}

// reindexLocked refreshes StackIndex fields from the order slice.
func (r *Registry) reindexLocked() {
	for i, win := range r.order {
		if s, ok := r.surfaces[win]; ok {
			s.StackIndex = i
		}
	}
}

// Snapshot returns value copies of all redirected surfaces in paint order,
// bottom to top. The result is immutable from the registry's point of view.
func (r *Registry) Snapshot() []Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Surface, 0, len(r.order))
	for _, win := range r.order {
		s, ok := r.surfaces[win]
		if !ok || s.Visibility != Redirected {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// All returns value copies of every registered surface in stack order,
// whatever its visibility. Diagnostic listings use this; painting uses
// Snapshot.
func (r *Registry) All() []Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Surface, 0, len(r.order))
	for _, win := range r.order {
		if s, ok := r.surfaces[win]; ok {
			out = append(out, s.clone())
		}
	}
	return out
}

// Order returns the current bottom-to-top window order.
func (r *Registry) Order() []xproto.Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]xproto.Window(nil), r.order...)
}

// Get returns a value copy of one surface.
func (r *Registry) Get(win xproto.Window) (Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.surfaces[win]
	if !ok {
		return Surface{}, false
	}
	return s.clone(), true
}

// Len returns the number of registered surfaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.surfaces)
}

// LogState dumps the current stacking order at debug level.
func (r *Registry) LogState() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := logger.WithComponent("registry")
	for i, win := range r.order {
		s := r.surfaces[win]
		log.Debug().
			Int("index", i).
			Uint32("window_id", uint32(win)).
			Str("visibility", s.Visibility.String()).
			Int("width", s.Geometry.Width).
			Int("height", s.Geometry.Height).
			Msg("Stacking entry")
	}
}
