package x11

import (
	"fmt"
	"image"

	"github.com/BurntSushi/xgb/randr"
)

// Output is one active RandR output: a named rectangle of the root window
// with the refresh rate of its current mode. RefreshHz is 0 when the mode
// timings do not allow computing one; callers pace such outputs with a
// configured fallback.
type Output struct {
	Name      string          `json:"name"`
	Crtc      randr.Crtc      `json:"-"`
	Rect      image.Rectangle `json:"-"`
	X         int             `json:"x"`
	Y         int             `json:"y"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	RefreshHz float64         `json:"refresh_hz"`
}

// Outputs lists the active outputs of the default screen, one per enabled
// CRTC. Headless or virtual servers that expose no usable CRTC get a
// single synthetic output covering the root window.
func (c *Connection) Outputs() ([]Output, error) {
	res, err := randr.GetScreenResources(c.conn, c.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	var outputs []Output
	for _, crtc := range res.Crtcs {
		info, err := randr.GetCrtcInfo(c.conn, crtc, res.ConfigTimestamp).Reply()
		if err != nil {
			c.log.Warn().Err(err).Uint32("crtc", uint32(crtc)).Msg("Failed to query CRTC")
			continue
		}
		if info.Width == 0 || info.Height == 0 || len(info.Outputs) == 0 {
			continue
		}

		name := fmt.Sprintf("crtc-%d", crtc)
		if outInfo, err := randr.GetOutputInfo(c.conn, info.Outputs[0], res.ConfigTimestamp).Reply(); err == nil {
			name = string(outInfo.Name)
		}

		out := Output{
			Name:      name,
			Crtc:      crtc,
			X:         int(info.X),
			Y:         int(info.Y),
			Width:     int(info.Width),
			Height:    int(info.Height),
			RefreshHz: refreshForMode(res.Modes, info.Mode),
		}
		out.Rect = image.Rect(out.X, out.Y, out.X+out.Width, out.Y+out.Height)
		outputs = append(outputs, out)

		c.log.Debug().
			Str("output", out.Name).
			Int("x", out.X).Int("y", out.Y).
			Int("width", out.Width).Int("height", out.Height).
			Float64("refresh_hz", out.RefreshHz).
			Msg("Found output")
	}

	if len(outputs) == 0 {
		root := c.RootRect()
		c.log.Warn().Msg("No active RandR outputs, compositing the whole root window")
		outputs = append(outputs, Output{
			Name:   "screen",
			Rect:   root,
			Width:  root.Dx(),
			Height: root.Dy(),
		})
	}

	return outputs, nil
}

func refreshForMode(modes []randr.ModeInfo, mode randr.Mode) float64 {
	for _, mi := range modes {
		if mi.Id == uint32(mode) {
			return modeRefresh(mi)
		}
	}
	return 0
}

// modeRefresh derives the vertical refresh rate from mode timings, the
// same way xrandr reports it.
func modeRefresh(mi randr.ModeInfo) float64 {
	if mi.DotClock == 0 || mi.Htotal == 0 || mi.Vtotal == 0 {
		return 0
	}
	return float64(mi.DotClock) / (float64(mi.Htotal) * float64(mi.Vtotal))
}
