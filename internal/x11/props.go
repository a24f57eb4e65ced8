package x11

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
)

const (
	atomWindowOpacity = "_NET_WM_WINDOW_OPACITY"
	atomWMClass       = "WM_CLASS"
	atomWMName        = "WM_NAME"
	atomNetWMName     = "_NET_WM_NAME"

	// opaque is the property value meaning fully opaque.
	opaque = 0xffffffff
)

var atomCache = struct {
	sync.Mutex
	m map[string]xproto.Atom
}{m: make(map[string]xproto.Atom)}

// InternAtom resolves an atom name, caching replies across calls.
func (c *Connection) InternAtom(name string) (xproto.Atom, error) {
	atomCache.Lock()
	if atom, ok := atomCache.m[name]; ok {
		atomCache.Unlock()
		return atom, nil
	}
	atomCache.Unlock()

	reply, err := xproto.InternAtom(c.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern atom %s: %w", name, err)
	}

	atomCache.Lock()
	atomCache.m[name] = reply.Atom
	atomCache.Unlock()
	return reply.Atom, nil
}

func (c *Connection) getProperty(win xproto.Window, atom xproto.Atom) ([]byte, error) {
	reply, err := xproto.GetProperty(c.conn, false, win, atom,
		xproto.GetPropertyTypeAny, 0, 1024).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if reply.ValueLen == 0 {
		return nil, nil
	}
	return reply.Value, nil
}

// WindowClass returns the class half of a window's WM_CLASS pair, or ""
// when the property is absent.
func (c *Connection) WindowClass(win xproto.Window) (string, error) {
	atom, err := c.InternAtom(atomWMClass)
	if err != nil {
		return "", err
	}
	value, err := c.getProperty(win, atom)
	if err != nil || value == nil {
		return "", err
	}
	// WM_CLASS is "instance\0class\0".
	parts := strings.Split(string(value), "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1], nil
	}
	if len(parts) >= 1 {
		return parts[0], nil
	}
	return "", nil
}

// WindowName returns a window's title, preferring the EWMH name over the
// ICCCM one.
func (c *Connection) WindowName(win xproto.Window) (string, error) {
	for _, name := range []string{atomNetWMName, atomWMName} {
		atom, err := c.InternAtom(name)
		if err != nil {
			return "", err
		}
		value, err := c.getProperty(win, atom)
		if err != nil {
			return "", err
		}
		if len(value) > 0 {
			return strings.TrimRight(string(value), "\x00"), nil
		}
	}
	return "", nil
}

// WindowOpacity reads _NET_WM_WINDOW_OPACITY, normalized to [0.0, 1.0].
// The second return is false when the window carries no opacity property.
func (c *Connection) WindowOpacity(win xproto.Window) (float64, bool, error) {
	value, err := c.getProperty(win, c.opacityAtom)
	if err != nil {
		return 1.0, false, err
	}
	if len(value) < 4 {
		return 1.0, false, nil
	}
	raw := binary.LittleEndian.Uint32(value)
	return parseOpacity(raw), true, nil
}

// parseOpacity converts a raw _NET_WM_WINDOW_OPACITY cardinal to [0.0, 1.0].
func parseOpacity(raw uint32) float64 {
	if raw >= opaque {
		return 1.0
	}
	return float64(raw) / float64(opaque)
}

// OpacityAtom returns the interned _NET_WM_WINDOW_OPACITY atom.
func (c *Connection) OpacityAtom() xproto.Atom {
	return c.opacityAtom
}
