package compositor

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/compose"
	"github.com/willothy/recomp/internal/config"
	"github.com/willothy/recomp/internal/damage"
	"github.com/willothy/recomp/internal/gpu"
	"github.com/willothy/recomp/internal/hud"
	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/output"
	"github.com/willothy/recomp/internal/present"
	"github.com/willothy/recomp/internal/registry"
	"github.com/willothy/recomp/internal/x11"
)

// Notice is one entry of the session's observable event feed, consumed by
// the debug API's websocket stream.
type Notice struct {
	Type   string    `json:"type"`
	Window uint32    `json:"window,omitempty"`
	Class  string    `json:"class,omitempty"`
	Output string    `json:"output,omitempty"`
	Seq    uint64    `json:"seq,omitempty"`
	Time   time.Time `json:"time"`
}

// SurfaceInfo is the diagnostic view of one surface.
type SurfaceInfo struct {
	Window     uint32  `json:"window"`
	Class      string  `json:"class,omitempty"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	StackIndex int     `json:"stack_index"`
	Visibility string  `json:"visibility"`
	Opacity    float64 `json:"opacity"`
	Shaped     bool    `json:"shaped"`
}

// Stats aggregates the live counters the API exposes.
type Stats struct {
	Scheduler map[string]present.OutputStats `json:"scheduler"`
	GPU       gpu.ManagerStats               `json:"gpu"`
	Surfaces  int                            `json:"surfaces"`
	UptimeSec float64                        `json:"uptime_sec"`
}

// Options wires a session together. Conn, Device, Outputs and Config are
// required; Presenter may be nil when no overlay presentation is wanted
// (streaming-only debugging), and Sinks adds extra consumers grouped by
// the output name they mirror.
type Options struct {
	Config    *config.Config
	ConfigMgr *config.Manager
	Conn      *x11.Connection
	Device    gpu.Device
	Outputs   []x11.Output
	Presenter *x11.Presenter
	Sinks     []output.Sink
}

// readyFrame is a composed frame parked until its output's next vsync.
type readyFrame struct {
	img     *image.RGBA
	damaged []image.Rectangle
	seq     uint64
}

// frameResult travels from a compose goroutine back to the event loop.
type frameResult struct {
	output  string
	frame   *compose.Frame
	img     *image.RGBA
	err     error
	fence   *gpu.Fence
	aborted bool
}

// Session is the compositor's single event loop. It owns every mutation of
// the registry and the damage state; composition runs on short-lived
// goroutines that report back through the completions channel, so the loop
// keeps consuming protocol events while the device works.
type Session struct {
	cfg    *config.Config
	cfgMgr *config.Manager
	conn   *x11.Connection

	adapter *x11.Adapter
	reg     *registry.Registry
	mgr     *gpu.Manager
	comp    *compose.Composer
	dev     gpu.Device
	sched   *present.Scheduler
	clock   *present.Clock

	outputs       []x11.Output
	outputsByName map[string]x11.Output
	sinks         map[string][]output.Sink

	// Per-output damage state, event-loop only.
	accs  map[string]*damage.Accumulator
	extra map[string][]image.Rectangle

	ready map[string]*readyFrame

	hud     *hud.Overlay
	lastHud map[string]image.Rectangle

	completions chan frameResult
	control     chan func()

	// stateMu guards the fields the API goroutines read.
	stateMu   sync.RWMutex
	classes   map[xproto.Window]string
	hasProp   map[xproto.Window]bool
	lastFrame map[string]*image.RGBA

	subMu       sync.Mutex
	subscribers map[chan Notice]struct{}

	started time.Time
	log     *zerolog.Logger
}

// NewSession assembles the pipeline around an established connection.
func NewSession(opts Options) (*Session, error) {
	if opts.Config == nil || opts.Conn == nil || opts.Device == nil {
		return nil, fmt.Errorf("config, connection and device are required")
	}
	if len(opts.Outputs) == 0 {
		return nil, fmt.Errorf("at least one output is required")
	}

	adapter, err := x11.NewAdapter(opts.Conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create event adapter: %w", err)
	}

	mgr := gpu.NewManager(opts.Device, x11.NewPixmapSource(opts.Conn),
		opts.Config.ImportTimeout(), opts.Config.ImportWorkers)
	reg := registry.New(registry.Hooks{
		ReleaseTexture:    mgr.Release,
		InvalidateTexture: mgr.Invalidate,
	})

	s := &Session{
		cfg:           opts.Config,
		cfgMgr:        opts.ConfigMgr,
		conn:          opts.Conn,
		adapter:       adapter,
		reg:           reg,
		mgr:           mgr,
		comp:          compose.New(mgr),
		dev:           opts.Device,
		sched:         present.NewScheduler(),
		clock:         present.NewClock(),
		outputs:       opts.Outputs,
		outputsByName: make(map[string]x11.Output, len(opts.Outputs)),
		sinks:         make(map[string][]output.Sink),
		accs:          make(map[string]*damage.Accumulator, len(opts.Outputs)),
		extra:         make(map[string][]image.Rectangle),
		ready:         make(map[string]*readyFrame),
		lastHud:       make(map[string]image.Rectangle),
		completions:   make(chan frameResult, 4),
		control:       make(chan func(), 16),
		classes:       make(map[xproto.Window]string),
		hasProp:       make(map[xproto.Window]bool),
		lastFrame:     make(map[string]*image.RGBA),
		subscribers:   make(map[chan Notice]struct{}),
		log:           logger.WithComponent("compositor"),
	}

	coalesceCap := opts.Config.DamageCoalesceCap
	for _, out := range opts.Outputs {
		s.outputsByName[out.Name] = out
		s.accs[out.Name] = damage.New(coalesceCap)
		if opts.Presenter != nil {
			s.sinks[out.Name] = append(s.sinks[out.Name], newOverlaySink(opts.Presenter, out))
		}
	}
	for _, sink := range opts.Sinks {
		if _, ok := s.outputsByName[sink.Name()]; !ok {
			s.log.Warn().Str("sink_output", sink.Name()).Msg("Sink targets an unknown output, dropping it")
			continue
		}
		s.sinks[sink.Name()] = append(s.sinks[sink.Name()], sink)
	}

	if opts.Config.HUD {
		s.hud = hud.New()
	}

	return s, nil
}

// Run drives the compositor until the context cancels or the connection
// fails. On return the X server state (redirection, overlay) is still
// held; the caller tears it down through the connection.
func (s *Session) Run(ctx context.Context) error {
	if err := s.adapter.SelectEvents(); err != nil {
		return err
	}

	wins, err := s.adapter.Scan()
	if err != nil {
		return err
	}
	for _, w := range wins {
		s.addExisting(w)
	}
	s.reg.LogState()

	for _, out := range s.outputs {
		s.sched.Register(out.Name)
		hz := out.RefreshHz
		if hz <= 0 {
			hz = float64(s.cfg.RefreshFallbackHz)
			s.log.Info().Str("output", out.Name).Float64("hz", hz).Msg("Refresh rate unknown, using fallback")
		}
		if hz <= 0 {
			hz = 60
		}
		if err := s.clock.Start(out.Name, hz); err != nil {
			return err
		}
		// Seed a full repaint so the first frame covers the output.
		s.extra[out.Name] = append(s.extra[out.Name], out.Rect)
	}

	for name, sinks := range s.sinks {
		for _, sink := range sinks {
			if err := sink.Start(); err != nil {
				s.log.Error().Err(err).Str("output", name).Msg("Sink failed to start")
			}
		}
	}

	s.adapter.Start()
	s.started = time.Now()
	s.log.Info().
		Int("outputs", len(s.outputs)).
		Int("windows", s.reg.Len()).
		Bool("hud", s.hud != nil).
		Msg("Compositor running")

	defer s.stopSinks()
	defer s.clock.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Shutting down")
			return nil
		case ev, ok := <-s.adapter.Events():
			if !ok {
				return x11.ErrConnectionLost
			}
			if f, bad := ev.(x11.Fatal); bad {
				return f.Err
			}
			s.handleEvent(ev)
		case tick := <-s.clock.Ticks():
			s.handleTick(tick)
		case res := <-s.completions:
			if err := s.handleCompletion(res); err != nil {
				return err
			}
		case fn := <-s.control:
			fn()
		}
	}
}

// Close releases the session's GPU bindings. Call after Run returns.
func (s *Session) Close() error {
	return s.mgr.Close()
}

func (s *Session) stopSinks() {
	for _, sinks := range s.sinks {
		for _, sink := range sinks {
			if err := sink.Stop(); err != nil {
				s.log.Warn().Err(err).Str("sink", sink.Name()).Msg("Sink stop failed")
			}
		}
	}
}

// addExisting registers one window found by the startup scan.
func (s *Session) addExisting(w x11.ExistingWindow) {
	if err := s.reg.Create(w.Window, w.Geometry); err != nil {
		s.log.Debug().Err(err).Uint32("window_id", uint32(w.Window)).Msg("Skipping scanned window")
		return
	}

	s.stateMu.Lock()
	s.classes[w.Window] = w.Class
	s.hasProp[w.Window] = w.HasOpacityProp
	s.stateMu.Unlock()

	if !w.Viewable {
		return
	}
	s.reg.SetVisibility(w.Window, registry.Redirected)
	if w.Shape != nil {
		s.reg.SetShape(w.Window, w.Shape)
	}
	s.reg.SetOpacity(w.Window, s.effectiveOpacity(w.Window, w.Opacity, w.HasOpacityProp))
}

// PostControl runs fn on the session loop, serialized with event handling.
// Returns false when the loop is too backed up to take it.
func (s *Session) PostControl(fn func()) bool {
	select {
	case s.control <- fn:
		return true
	default:
		return false
	}
}

// Subscribe opens a notice feed. Slow consumers lose notices rather than
// stalling the compositor.
func (s *Session) Subscribe() chan Notice {
	ch := make(chan Notice, 32)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

// Unsubscribe closes and forgets a feed.
func (s *Session) Unsubscribe(ch chan Notice) {
	s.subMu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

func (s *Session) publish(n Notice) {
	n.Time = time.Now()
	s.subMu.Lock()
	for ch := range s.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
	s.subMu.Unlock()
}

// Surfaces lists every registered surface for diagnostics.
func (s *Session) Surfaces() []SurfaceInfo {
	all := s.reg.All()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make([]SurfaceInfo, 0, len(all))
	for _, surf := range all {
		out = append(out, SurfaceInfo{
			Window:     uint32(surf.Window),
			Class:      s.classes[surf.Window],
			X:          surf.Geometry.X,
			Y:          surf.Geometry.Y,
			Width:      surf.Geometry.Width,
			Height:     surf.Geometry.Height,
			StackIndex: surf.StackIndex,
			Visibility: surf.Visibility.String(),
			Opacity:    surf.Opacity,
			Shaped:     surf.Shape != nil,
		})
	}
	return out
}

// Outputs returns the composited outputs.
func (s *Session) Outputs() []x11.Output {
	out := make([]x11.Output, len(s.outputs))
	copy(out, s.outputs)
	return out
}

// Extensions reports the negotiated X extension versions.
func (s *Session) Extensions() []x11.ExtensionVersion {
	return s.conn.ExtensionVersions()
}

// Stats snapshots the live counters.
func (s *Session) Stats() Stats {
	var uptime float64
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}
	return Stats{
		Scheduler: s.sched.Stats(),
		GPU:       s.mgr.Stats(),
		Surfaces:  s.reg.Len(),
		UptimeSec: uptime,
	}
}

// LastFrame returns the most recently presented frame for an output, nil
// before the first present. The image is immutable once presented.
func (s *Session) LastFrame(outputName string) *image.RGBA {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastFrame[outputName]
}

// ReapplyOpacityRules recomputes rule-driven opacities after the rule set
// changed. Windows with an explicit opacity property are untouched.
func (s *Session) ReapplyOpacityRules() bool {
	return s.PostControl(func() {
		for _, surf := range s.reg.All() {
			s.stateMu.RLock()
			hasProp := s.hasProp[surf.Window]
			s.stateMu.RUnlock()
			if hasProp {
				continue
			}
			op := s.effectiveOpacity(surf.Window, 1.0, false)
			if op != surf.Opacity {
				s.reg.SetOpacity(surf.Window, op)
				s.damageArea(surf.Geometry.Rect())
			}
		}
	})
}
