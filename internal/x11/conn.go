package x11

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/damage"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/shm"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
)

// ExtensionVersion records the server-negotiated version of one extension.
type ExtensionVersion struct {
	Name     string `json:"name"`
	Major    uint32 `json:"major"`
	Minor    uint32 `json:"minor"`
	Optional bool   `json:"optional"`
	Present  bool   `json:"present"`
}

// Connection wraps the X server connection together with the negotiated
// extension state the compositor depends on. Composite, Damage, XFixes,
// Shape and RandR are mandatory; MIT-SHM is probed and used
// opportunistically for presentation.
type Connection struct {
	conn   *xgb.Conn
	setup  *xproto.SetupInfo
	screen *xproto.ScreenInfo
	root   xproto.Window

	versions []ExtensionVersion
	shmOK    bool

	// Teardown bookkeeping, owned by the methods that establish the
	// corresponding server state.
	redirected   bool
	overlay      xproto.Window
	selectionWin xproto.Window
	opacityAtom  xproto.Atom

	log *zerolog.Logger
}

// Connect establishes a connection to the display named by $DISPLAY and
// negotiates every extension the compositor needs. Missing mandatory
// extensions fail the connect.
func Connect() (*Connection, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	c := &Connection{
		conn:   conn,
		setup:  setup,
		screen: screen,
		root:   screen.Root,
		log:    logger.WithComponent("x11"),
	}

	if err := c.initExtensions(); err != nil {
		conn.Close()
		return nil, err
	}

	c.opacityAtom, err = c.InternAtom(atomWindowOpacity)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.log.Info().
		Str("vendor", setup.Vendor).
		Int("screen", conn.DefaultScreen).
		Uint16("width", screen.WidthInPixels).
		Uint16("height", screen.HeightInPixels).
		Uint8("depth", screen.RootDepth).
		Msg("Connected to X server")

	return c, nil
}

// initExtensions loads and version-negotiates the extension set. The
// client advertises a deliberately high version so the server always
// answers with the version it actually implements.
func (c *Connection) initExtensions() error {
	if err := composite.Init(c.conn); err != nil {
		return fmt.Errorf("composite extension unavailable: %w", err)
	}
	compVer, err := composite.QueryVersion(c.conn, 999, 0).Reply()
	if err != nil {
		return fmt.Errorf("failed to query composite version: %w", err)
	}
	c.record("Composite", compVer.MajorVersion, compVer.MinorVersion, false)

	if err := xfixes.Init(c.conn); err != nil {
		return fmt.Errorf("xfixes extension unavailable: %w", err)
	}
	fixVer, err := xfixes.QueryVersion(c.conn, 999, 0).Reply()
	if err != nil {
		return fmt.Errorf("failed to query xfixes version: %w", err)
	}
	c.record("XFixes", fixVer.MajorVersion, fixVer.MinorVersion, false)

	if err := damage.Init(c.conn); err != nil {
		return fmt.Errorf("damage extension unavailable: %w", err)
	}
	dmgVer, err := damage.QueryVersion(c.conn, 999, 0).Reply()
	if err != nil {
		return fmt.Errorf("failed to query damage version: %w", err)
	}
	c.record("Damage", dmgVer.MajorVersion, dmgVer.MinorVersion, false)

	if err := shape.Init(c.conn); err != nil {
		return fmt.Errorf("shape extension unavailable: %w", err)
	}
	shapeVer, err := shape.QueryVersion(c.conn).Reply()
	if err != nil {
		return fmt.Errorf("failed to query shape version: %w", err)
	}
	c.record("Shape", uint32(shapeVer.MajorVersion), uint32(shapeVer.MinorVersion), false)

	if err := randr.Init(c.conn); err != nil {
		return fmt.Errorf("randr extension unavailable: %w", err)
	}
	rrVer, err := randr.QueryVersion(c.conn, 1, 5).Reply()
	if err != nil {
		return fmt.Errorf("failed to query randr version: %w", err)
	}
	c.record("RandR", rrVer.MajorVersion, rrVer.MinorVersion, false)

	// MIT-SHM is a fast path, not a requirement: remote displays do not
	// have it and presentation falls back to core PutImage.
	if err := shm.Init(c.conn); err != nil {
		c.log.Warn().Err(err).Msg("MIT-SHM unavailable, presentation will use core protocol")
		c.versions = append(c.versions, ExtensionVersion{Name: "MIT-SHM", Optional: true})
	} else {
		shmVer, err := shm.QueryVersion(c.conn).Reply()
		if err != nil {
			c.log.Warn().Err(err).Msg("MIT-SHM version query failed, presentation will use core protocol")
			c.versions = append(c.versions, ExtensionVersion{Name: "MIT-SHM", Optional: true})
		} else {
			c.shmOK = true
			v := ExtensionVersion{
				Name:     "MIT-SHM",
				Major:    uint32(shmVer.MajorVersion),
				Minor:    uint32(shmVer.MinorVersion),
				Optional: true,
				Present:  true,
			}
			c.versions = append(c.versions, v)
			c.log.Debug().Uint32("major", v.Major).Uint32("minor", v.Minor).Msg("Negotiated MIT-SHM")
		}
	}

	return nil
}

func (c *Connection) record(name string, major, minor uint32, optional bool) {
	c.versions = append(c.versions, ExtensionVersion{
		Name:     name,
		Major:    major,
		Minor:    minor,
		Optional: optional,
		Present:  true,
	})
	c.log.Debug().Str("extension", name).Uint32("major", major).Uint32("minor", minor).Msg("Negotiated extension")
}

// GetConn returns the underlying xgb connection.
func (c *Connection) GetConn() *xgb.Conn {
	return c.conn
}

// GetRoot returns the root window of the default screen.
func (c *Connection) GetRoot() xproto.Window {
	return c.root
}

// GetScreen returns the default screen info.
func (c *Connection) GetScreen() *xproto.ScreenInfo {
	return c.screen
}

// GetSetup returns the connection setup block.
func (c *Connection) GetSetup() *xproto.SetupInfo {
	return c.setup
}

// ScreenNumber returns the default screen index, used to derive the
// compositor selection atom name.
func (c *Connection) ScreenNumber() int {
	return c.conn.DefaultScreen
}

// RootRect returns the root window geometry as a rectangle at the origin.
func (c *Connection) RootRect() image.Rectangle {
	return image.Rect(0, 0, int(c.screen.WidthInPixels), int(c.screen.HeightInPixels))
}

// ShmSupported reports whether MIT-SHM presentation is available.
func (c *Connection) ShmSupported() bool {
	return c.shmOK
}

// ExtensionVersions returns the negotiated extension versions.
func (c *Connection) ExtensionVersions() []ExtensionVersion {
	out := make([]ExtensionVersion, len(c.versions))
	copy(out, c.versions)
	return out
}

// Sync flushes the request buffer and waits for the server to process it.
func (c *Connection) Sync() {
	c.conn.Sync()
}

// Close tears down compositor server state in reverse acquisition order
// and closes the connection. Safe to call after a connection loss; the
// cleanup requests are best-effort.
func (c *Connection) Close() {
	if c.redirected {
		composite.UnredirectSubwindows(c.conn, c.root, composite.RedirectAutomatic)
		c.redirected = false
	}
	if c.overlay != 0 {
		composite.ReleaseOverlayWindow(c.conn, c.overlay)
		c.overlay = 0
	}
	if c.selectionWin != 0 {
		xproto.DestroyWindow(c.conn, c.selectionWin)
		c.selectionWin = 0
	}
	c.conn.Sync()
	c.conn.Close()
	c.log.Info().Msg("Disconnected from X server")
}
