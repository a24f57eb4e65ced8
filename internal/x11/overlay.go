package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
)

// RedirectSubwindows redirects every current and future child of the root
// window into offscreen pixmaps. Automatic update keeps the server
// painting window contents into the pixmaps without further requests.
// Fails when another client already redirected the tree (i.e. a running
// compositor that skipped the selection protocol).
func (c *Connection) RedirectSubwindows() error {
	err := composite.RedirectSubwindowsChecked(c.conn, c.root, composite.RedirectAutomatic).Check()
	if err != nil {
		return fmt.Errorf("failed to redirect root subwindows: %w", err)
	}
	c.redirected = true
	c.log.Info().Uint32("root", uint32(c.root)).Msg("Redirected root subwindows")
	return nil
}

// AcquireOverlay claims the composite overlay window and makes it
// transparent to input, so clicks fall through to the windows beneath the
// composited image.
func (c *Connection) AcquireOverlay() (xproto.Window, error) {
	reply, err := composite.GetOverlayWindow(c.conn, c.root).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to acquire overlay window: %w", err)
	}
	overlay := reply.OverlayWin

	if err := c.passThroughInput(overlay); err != nil {
		composite.ReleaseOverlayWindow(c.conn, overlay)
		return 0, err
	}

	c.overlay = overlay
	c.log.Info().
		Uint32("window_id", uint32(overlay)).
		Uint16("width", c.screen.WidthInPixels).
		Uint16("height", c.screen.HeightInPixels).
		Msg("Acquired overlay window")
	return overlay, nil
}

// passThroughInput replaces the window's input shape with an empty region.
// The region is only needed for the duration of the request.
func (c *Connection) passThroughInput(win xproto.Window) error {
	region, err := xfixes.NewRegionId(c.conn)
	if err != nil {
		return fmt.Errorf("failed to allocate region id: %w", err)
	}
	if err := xfixes.CreateRegionChecked(c.conn, region, nil).Check(); err != nil {
		return fmt.Errorf("failed to create empty region: %w", err)
	}
	defer xfixes.DestroyRegion(c.conn, region)

	err = xfixes.SetWindowShapeRegionChecked(c.conn, win, shape.SkInput, 0, 0, region).Check()
	if err != nil {
		return fmt.Errorf("failed to clear input shape: %w", err)
	}
	return nil
}

// Overlay returns the overlay window, 0 before AcquireOverlay.
func (c *Connection) Overlay() xproto.Window {
	return c.overlay
}
