package x11

import (
	"errors"
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/damage"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/registry"
)

// ErrConnectionLost is carried by the Fatal event when the server goes
// away. There is no recovery; the compositor shuts down.
var ErrConnectionLost = errors.New("connection to X server lost")

// Event is one translated X event. The adapter preserves server arrival
// order, so per-window sequences (create before map, unmap before destroy)
// hold for consumers too.
type Event interface {
	event()
}

// Created reports a new candidate window under the root.
type Created struct {
	Window           xproto.Window
	Geometry         registry.Geometry
	Class            string
	OverrideRedirect bool
}

// Destroyed reports a window that no longer exists.
type Destroyed struct {
	Window xproto.Window
}

// Mapped reports a window becoming viewable. Shape carries the bounding
// shape rectangles when the window is non-rectangular, nil otherwise.
type Mapped struct {
	Window xproto.Window
	Shape  []image.Rectangle
}

// Unmapped reports a window leaving the screen without being destroyed.
type Unmapped struct {
	Window xproto.Window
}

// Configured reports a move, resize or border change.
type Configured struct {
	Window   xproto.Window
	Geometry registry.Geometry
}

// Restacked carries the full bottom-to-top child order of the root after
// any event that may have changed it.
type Restacked struct {
	Order []xproto.Window
}

// ShapeChanged reports a new bounding shape; nil Rects means the window
// reverted to its plain geometry rectangle.
type ShapeChanged struct {
	Window xproto.Window
	Rects  []image.Rectangle
}

// DamageReported carries the window-relative rectangles the server
// accumulated since the last report.
type DamageReported struct {
	Window xproto.Window
	Rects  []image.Rectangle
}

// OpacityChanged reports a _NET_WM_WINDOW_OPACITY update. HasProperty is
// false when the property was deleted.
type OpacityChanged struct {
	Window      xproto.Window
	Opacity     float64
	HasProperty bool
}

// Fatal reports an unrecoverable connection failure. It is the last event
// on the channel.
type Fatal struct {
	Err error
}

func (Created) event()        {}
func (Destroyed) event()      {}
func (Mapped) event()         {}
func (Unmapped) event()       {}
func (Configured) event()     {}
func (Restacked) event()      {}
func (ShapeChanged) event()   {}
func (DamageReported) event() {}
func (OpacityChanged) event() {}
func (Fatal) event()          {}

// ExistingWindow is one window found by the startup scan.
type ExistingWindow struct {
	Window           xproto.Window
	Geometry         registry.Geometry
	Class            string
	Opacity          float64
	HasOpacityProp   bool
	Viewable         bool
	OverrideRedirect bool
	Shape            []image.Rectangle
}

// Adapter owns the X event stream. It translates raw protocol events into
// the compositor vocabulary, attaches damage tracking to viewable windows
// and re-reads the stacking order whenever the server may have changed it.
// All translation runs on one goroutine, preserving arrival order.
type Adapter struct {
	c *Connection
	x *xgb.Conn

	events chan Event

	// damages maps tracked windows to their server-side damage objects.
	// Only touched by Scan (before Start) and the event goroutine.
	damages map[xproto.Window]damage.Damage

	// scratch receives subtracted damage; reused across reports.
	scratch xfixes.Region

	log *zerolog.Logger
}

// NewAdapter prepares the adapter and its scratch region.
func NewAdapter(c *Connection) (*Adapter, error) {
	scratch, err := xfixes.NewRegionId(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate region id: %w", err)
	}
	if err := xfixes.CreateRegionChecked(c.conn, scratch, nil).Check(); err != nil {
		return nil, fmt.Errorf("failed to create scratch region: %w", err)
	}
	return &Adapter{
		c:       c,
		x:       c.conn,
		events:  make(chan Event, 64),
		damages: make(map[xproto.Window]damage.Damage),
		scratch: scratch,
		log:     logger.WithComponent("x11-events"),
	}, nil
}

// Events returns the translated event stream. The channel closes after a
// Fatal event.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// SelectEvents subscribes to structure changes of the root's children.
// Must run before Scan so no window escapes between scan and stream.
func (a *Adapter) SelectEvents() error {
	mask := uint32(xproto.EventMaskSubstructureNotify | xproto.EventMaskStructureNotify)
	err := xproto.ChangeWindowAttributesChecked(a.x, a.c.root, xproto.CwEventMask, []uint32{mask}).Check()
	if err != nil {
		return fmt.Errorf("failed to select root events: %w", err)
	}
	return nil
}

// Scan walks the current child tree of the root and returns every
// compositing candidate, attaching damage tracking to the viewable ones.
// Children arrive bottom to top, so registering them in order reproduces
// the server's stacking.
func (a *Adapter) Scan() ([]ExistingWindow, error) {
	tree, err := xproto.QueryTree(a.x, a.c.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query window tree: %w", err)
	}

	wins := make([]ExistingWindow, 0, len(tree.Children))
	for _, child := range tree.Children {
		if a.isOurs(child) {
			continue
		}
		attrs, err := xproto.GetWindowAttributes(a.x, child).Reply()
		if err != nil || attrs.Class == xproto.WindowClassInputOnly {
			continue
		}
		geom, err := xproto.GetGeometry(a.x, xproto.Drawable(child)).Reply()
		if err != nil {
			continue
		}

		w := ExistingWindow{
			Window: child,
			Geometry: registry.Geometry{
				X: int(geom.X), Y: int(geom.Y),
				Width: int(geom.Width), Height: int(geom.Height),
				Border: int(geom.BorderWidth),
			},
			Viewable:         attrs.MapState == xproto.MapStateViewable,
			OverrideRedirect: attrs.OverrideRedirect,
		}
		w.Class, _ = a.c.WindowClass(child)
		w.Opacity, w.HasOpacityProp, _ = a.c.WindowOpacity(child)
		if w.Viewable {
			a.track(child)
			w.Shape = a.boundingShape(child)
		}
		wins = append(wins, w)
	}

	a.log.Info().Int("windows", len(wins)).Msg("Scanned existing windows")
	return wins, nil
}

// Start launches event translation. The stream ends with Fatal when the
// connection drops.
func (a *Adapter) Start() {
	go a.loop()
}

func (a *Adapter) loop() {
	for {
		ev, xerr := a.x.WaitForEvent()
		if ev == nil && xerr == nil {
			a.fatal(ErrConnectionLost)
			return
		}
		if xerr != nil {
			// Errors from unchecked requests land here: a window that
			// vanished mid-request, a damage object already gone. All
			// recoverable, none actionable.
			a.log.Debug().Str("error", xerr.Error()).Msg("X protocol error")
			continue
		}
		a.dispatch(ev)
	}
}

func (a *Adapter) fatal(err error) {
	a.log.Error().Err(err).Msg("Event stream terminated")
	select {
	case a.events <- Fatal{Err: err}:
	default:
	}
	close(a.events)
}

func (a *Adapter) dispatch(ev xgb.Event) {
	switch e := ev.(type) {
	case xproto.CreateNotifyEvent:
		a.onCreate(e)
	case xproto.DestroyNotifyEvent:
		a.untrack(e.Window)
		a.emit(Destroyed{Window: e.Window})
	case xproto.MapNotifyEvent:
		if a.isOurs(e.Window) {
			return
		}
		a.track(e.Window)
		a.emit(Mapped{Window: e.Window, Shape: a.boundingShape(e.Window)})
	case xproto.UnmapNotifyEvent:
		if a.isOurs(e.Window) {
			return
		}
		a.emit(Unmapped{Window: e.Window})
	case xproto.ConfigureNotifyEvent:
		if e.Window == a.c.root {
			a.log.Info().
				Uint16("width", e.Width).
				Uint16("height", e.Height).
				Msg("Root geometry changed, restart to composite the new layout")
			return
		}
		if a.isOurs(e.Window) {
			return
		}
		a.emit(Configured{
			Window: e.Window,
			Geometry: registry.Geometry{
				X: int(e.X), Y: int(e.Y),
				Width: int(e.Width), Height: int(e.Height),
				Border: int(e.BorderWidth),
			},
		})
		a.restack()
	case xproto.CirculateNotifyEvent:
		a.restack()
	case xproto.ReparentNotifyEvent:
		a.onReparent(e)
	case xproto.PropertyNotifyEvent:
		if e.Window == a.c.root || e.Atom != a.c.opacityAtom {
			return
		}
		op, has, err := a.c.WindowOpacity(e.Window)
		if err != nil {
			return
		}
		a.emit(OpacityChanged{Window: e.Window, Opacity: op, HasProperty: has})
	case damage.NotifyEvent:
		win := xproto.Window(e.Drawable)
		rects := a.collectDamage(win, e.Area)
		if len(rects) > 0 {
			a.emit(DamageReported{Window: win, Rects: rects})
		}
	case shape.NotifyEvent:
		if e.ShapeKind != shape.SkBounding || a.isOurs(e.AffectedWindow) {
			return
		}
		if !e.Shaped {
			a.emit(ShapeChanged{Window: e.AffectedWindow})
			return
		}
		a.emit(ShapeChanged{Window: e.AffectedWindow, Rects: a.shapeRects(e.AffectedWindow)})
	}
}

func (a *Adapter) onCreate(e xproto.CreateNotifyEvent) {
	if e.Parent != a.c.root || a.isOurs(e.Window) {
		return
	}
	attrs, err := xproto.GetWindowAttributes(a.x, e.Window).Reply()
	if err != nil || attrs.Class == xproto.WindowClassInputOnly {
		return
	}
	class, _ := a.c.WindowClass(e.Window)
	a.emit(Created{
		Window: e.Window,
		Geometry: registry.Geometry{
			X: int(e.X), Y: int(e.Y),
			Width: int(e.Width), Height: int(e.Height),
			Border: int(e.BorderWidth),
		},
		Class:            class,
		OverrideRedirect: e.OverrideRedirect,
	})
}

// onReparent treats a window joining the root as a create and one leaving
// as a destroy; only direct children of the root are composited.
func (a *Adapter) onReparent(e xproto.ReparentNotifyEvent) {
	if a.isOurs(e.Window) {
		return
	}
	if e.Parent != a.c.root {
		if _, tracked := a.damages[e.Window]; tracked {
			a.untrack(e.Window)
		}
		a.emit(Destroyed{Window: e.Window})
		return
	}

	attrs, err := xproto.GetWindowAttributes(a.x, e.Window).Reply()
	if err != nil || attrs.Class == xproto.WindowClassInputOnly {
		return
	}
	geom, err := xproto.GetGeometry(a.x, xproto.Drawable(e.Window)).Reply()
	if err != nil {
		return
	}
	class, _ := a.c.WindowClass(e.Window)
	a.emit(Created{
		Window: e.Window,
		Geometry: registry.Geometry{
			X: int(geom.X), Y: int(geom.Y),
			Width: int(geom.Width), Height: int(geom.Height),
			Border: int(geom.BorderWidth),
		},
		Class:            class,
		OverrideRedirect: attrs.OverrideRedirect,
	})
	if attrs.MapState == xproto.MapStateViewable {
		a.track(e.Window)
		a.emit(Mapped{Window: e.Window, Shape: a.boundingShape(e.Window)})
	}
	a.restack()
}

// restack publishes the authoritative bottom-to-top order. QueryTree is
// the only reliable source; AboveSibling alone cannot reconstruct it.
func (a *Adapter) restack() {
	tree, err := xproto.QueryTree(a.x, a.c.root).Reply()
	if err != nil {
		a.log.Debug().Err(err).Msg("Failed to re-read stacking order")
		return
	}
	order := make([]xproto.Window, 0, len(tree.Children))
	for _, w := range tree.Children {
		if !a.isOurs(w) {
			order = append(order, w)
		}
	}
	a.emit(Restacked{Order: order})
}

// track attaches a damage object, shape events and property events to a
// window. Idempotent; failures leave the window untracked and are retried
// on the next map.
func (a *Adapter) track(win xproto.Window) {
	if _, ok := a.damages[win]; ok {
		return
	}
	did, err := damage.NewDamageId(a.x)
	if err != nil {
		a.log.Warn().Err(err).Uint32("window_id", uint32(win)).Msg("Failed to allocate damage id")
		return
	}
	if err := damage.CreateChecked(a.x, did, xproto.Drawable(win), damage.ReportLevelNonEmpty).Check(); err != nil {
		// The window can be gone already; it will be destroyed shortly.
		a.log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Failed to attach damage")
		return
	}
	a.damages[win] = did

	shape.SelectInput(a.x, win, true)
	xproto.ChangeWindowAttributes(a.x, win, xproto.CwEventMask,
		[]uint32{xproto.EventMaskPropertyChange})

	a.log.Debug().Uint32("window_id", uint32(win)).Msg("Tracking window damage")
}

func (a *Adapter) untrack(win xproto.Window) {
	did, ok := a.damages[win]
	if !ok {
		return
	}
	damage.Destroy(a.x, did)
	delete(a.damages, win)
}

// collectDamage drains the window's damage object into window-relative
// rectangles. Subtracting with a None repair region moves everything into
// the scratch region and re-arms the NonEmpty report.
func (a *Adapter) collectDamage(win xproto.Window, fallback xproto.Rectangle) []image.Rectangle {
	did, ok := a.damages[win]
	if !ok {
		return nil
	}
	if err := damage.SubtractChecked(a.x, did, xfixes.Region(0), a.scratch).Check(); err != nil {
		a.log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Damage subtract failed")
		return nil
	}
	reply, err := xfixes.FetchRegion(a.x, a.scratch).Reply()
	if err != nil {
		a.log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Region fetch failed")
		return []image.Rectangle{rectFromProto(fallback)}
	}
	if len(reply.Rectangles) == 0 {
		return []image.Rectangle{rectFromProto(fallback)}
	}
	rects := make([]image.Rectangle, 0, len(reply.Rectangles))
	for _, r := range reply.Rectangles {
		rects = append(rects, rectFromProto(r))
	}
	return rects
}

// boundingShape returns a window's bounding shape rectangles, nil for
// plain rectangular windows.
func (a *Adapter) boundingShape(win xproto.Window) []image.Rectangle {
	extents, err := shape.QueryExtents(a.x, win).Reply()
	if err != nil || !extents.BoundingShaped {
		return nil
	}
	return a.shapeRects(win)
}

func (a *Adapter) shapeRects(win xproto.Window) []image.Rectangle {
	reply, err := shape.GetRectangles(a.x, win, shape.SkBounding).Reply()
	if err != nil {
		a.log.Debug().Err(err).Uint32("window_id", uint32(win)).Msg("Failed to fetch shape rectangles")
		return nil
	}
	rects := make([]image.Rectangle, 0, len(reply.Rectangles))
	for _, r := range reply.Rectangles {
		rects = append(rects, rectFromProto(r))
	}
	return rects
}

func (a *Adapter) isOurs(win xproto.Window) bool {
	return win == a.c.overlay || win == a.c.selectionWin
}

func (a *Adapter) emit(ev Event) {
	a.events <- ev
}

func rectFromProto(r xproto.Rectangle) image.Rectangle {
	return image.Rect(int(r.X), int(r.Y), int(r.X)+int(r.Width), int(r.Y)+int(r.Height))
}
