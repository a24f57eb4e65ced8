package damage

import (
	"image"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
)

// DefaultCoalesceCap bounds the per-window rectangle count before damage
// collapses to a single bounding box.
const DefaultCoalesceCap = 16

// pending is the accumulated damage for one window between take-alls.
type pending struct {
	rects []image.Rectangle
	// coalesced marks that the cap was hit; rects then holds exactly one
	// bounding rectangle and further marks extend it.
	coalesced bool
}

// Accumulator collects screen damage between frames. Marks come from the
// session event loop; the scheduler drains it once per tick with TakeAll.
type Accumulator struct {
	mu      sync.Mutex
	cap     int
	windows map[xproto.Window]*pending
}

// New creates an accumulator with the given per-window rectangle cap.
// Non-positive caps fall back to DefaultCoalesceCap.
func New(coalesceCap int) *Accumulator {
	if coalesceCap <= 0 {
		coalesceCap = DefaultCoalesceCap
	}
	return &Accumulator{
		cap:     coalesceCap,
		windows: make(map[xproto.Window]*pending),
	}
}

// Mark records damaged rectangles for a window, window-relative. Empty
// rectangles are ignored. Crossing the cap collapses the window's damage to
// its bounding box until the next TakeAll.
func (a *Accumulator) Mark(win xproto.Window, rects ...image.Rectangle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.windows[win]
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		if p == nil {
			p = &pending{}
			a.windows[win] = p
		}
		if p.coalesced {
			p.rects[0] = p.rects[0].Union(r)
			continue
		}
		p.rects = append(p.rects, r)
		if len(p.rects) > a.cap {
			bound := p.rects[0]
			for _, pr := range p.rects[1:] {
				bound = bound.Union(pr)
			}
			p.rects = p.rects[:1]
			p.rects[0] = bound
			p.coalesced = true
		}
	}
}

// Forget drops any pending damage for a window. Used when the window is
// destroyed before its damage is consumed.
func (a *Accumulator) Forget(win xproto.Window) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, win)
}

// TakeAll returns all accumulated damage and resets the accumulator. Damage
// marked after the call lands in the next frame. An empty accumulator
// returns an empty map.
func (a *Accumulator) TakeAll() map[xproto.Window][]image.Rectangle {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[xproto.Window][]image.Rectangle, len(a.windows))
	for win, p := range a.windows {
		out[win] = p.rects
	}
	a.windows = make(map[xproto.Window]*pending)
	return out
}

// Pending returns the number of windows with accumulated damage.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}
