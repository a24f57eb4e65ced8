package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/xproto"
)

// AcquireSelection claims the _NET_WM_CM_Sn compositor selection for the
// default screen. Exactly one compositing manager may own it; if another
// client already does, the acquire fails and the caller must not composite
// this screen.
func (c *Connection) AcquireSelection() error {
	name := fmt.Sprintf("_NET_WM_CM_S%d", c.ScreenNumber())
	atom, err := c.InternAtom(name)
	if err != nil {
		return err
	}

	owner, err := xproto.GetSelectionOwner(c.conn, atom).Reply()
	if err != nil {
		return fmt.Errorf("failed to query %s owner: %w", name, err)
	}
	if owner.Owner != xproto.WindowNone {
		return fmt.Errorf("another compositing manager owns %s (window 0x%x)", name, uint32(owner.Owner))
	}

	// The selection needs a window to own it; a never-mapped 1x1 child of
	// the root is enough.
	win, err := xproto.NewWindowId(c.conn)
	if err != nil {
		return fmt.Errorf("failed to allocate selection window id: %w", err)
	}
	err = xproto.CreateWindowChecked(c.conn, 0, win, c.root,
		-1, -1, 1, 1, 0, xproto.WindowClassCopyFromParent, 0,
		xproto.CwOverrideRedirect, []uint32{1}).Check()
	if err != nil {
		return fmt.Errorf("failed to create selection window: %w", err)
	}

	if err := xproto.SetSelectionOwnerChecked(c.conn, win, atom, xproto.TimeCurrentTime).Check(); err != nil {
		xproto.DestroyWindow(c.conn, win)
		return fmt.Errorf("failed to own %s: %w", name, err)
	}

	// The server silently refuses stale timestamps; read the owner back to
	// be sure the claim stuck.
	owner, err = xproto.GetSelectionOwner(c.conn, atom).Reply()
	if err != nil || owner.Owner != win {
		xproto.DestroyWindow(c.conn, win)
		return fmt.Errorf("failed to confirm %s ownership", name)
	}

	c.selectionWin = win
	c.log.Info().Str("selection", name).Uint32("window_id", uint32(win)).Msg("Acquired compositor selection")
	return nil
}

// SelectionOwner returns the current owner of the screen's compositor
// selection, WindowNone when unowned.
func (c *Connection) SelectionOwner() (xproto.Window, error) {
	name := fmt.Sprintf("_NET_WM_CM_S%d", c.ScreenNumber())
	atom, err := c.InternAtom(name)
	if err != nil {
		return 0, err
	}
	owner, err := xproto.GetSelectionOwner(c.conn, atom).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to query %s owner: %w", name, err)
	}
	return owner.Owner, nil
}
