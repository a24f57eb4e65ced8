package gpu

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/logger"
)

const (
	// DefaultImportTimeout bounds how long an acquire waits for a
	// texture import.
	DefaultImportTimeout = 250 * time.Millisecond

	// DefaultImportWorkers is the import pool size.
	DefaultImportWorkers = 4
)

// PixelSource fetches window contents from the display server.
type PixelSource interface {
	// Snapshot grabs the window's current contents as RGBA pixels. The
	// returned release func frees the server-side resources backing the
	// snapshot; the manager calls it once the snapshot is superseded and
	// no in-flight frame depends on it.
	Snapshot(win xproto.Window) (*image.RGBA, func(), error)
}

// Binding is a surface's current texture together with the geometry
// generation it was imported for.
type Binding struct {
	Tex        Texture
	Generation uint64
}

// importJob identifies one import attempt. Attempt numbers let stale
// completions be discarded after an invalidate or release overtakes them.
type importJob struct {
	win      xproto.Window
	attempt  uint64
	gen      uint64
	dirtySeq uint64
}

// entry is the per-surface import state.
type entry struct {
	tex     Texture
	gen     uint64
	wantGen uint64
	// stale marks that the window content changed after the texture's
	// last upload.
	stale    bool
	dirtySeq uint64

	importing bool
	attempt   uint64
	ready     chan struct{}
	err       error

	// freePix releases the server resource backing the current texture
	// contents.
	freePix func()
}

// Manager owns every surface-to-texture binding. Imports run on a bounded
// worker pool; at most one import per surface is in flight. Texture
// destruction is deferred past any release fence that pins the texture.
type Manager struct {
	dev     Device
	src     PixelSource
	timeout time.Duration
	log     *zerolog.Logger

	mu       sync.Mutex
	closed   bool
	surfaces map[xproto.Window]*entry
	pins     map[Texture]int
	doomed   map[Texture]func()
	jobs     chan importJob
	wg       sync.WaitGroup
}

// NewManager creates a resource manager over the given device and pixel
// source. Non-positive timeout and workers fall back to the defaults.
func NewManager(dev Device, src PixelSource, timeout time.Duration, workers int) *Manager {
	if timeout <= 0 {
		timeout = DefaultImportTimeout
	}
	if workers <= 0 {
		workers = DefaultImportWorkers
	}

	m := &Manager{
		dev:      dev,
		src:      src,
		timeout:  timeout,
		log:      logger.WithComponent("gpu"),
		surfaces: make(map[xproto.Window]*entry),
		pins:     make(map[Texture]int),
		doomed:   make(map[Texture]func()),
		jobs:     make(chan importJob, 256),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for job := range m.jobs {
		m.runImport(job)
	}
}

// runImport performs one import attempt end to end.
func (m *Manager) runImport(job importJob) {
	m.mu.Lock()
	e, ok := m.surfaces[job.win]
	if !ok || e.attempt != job.attempt {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	img, freePix, err := m.src.Snapshot(job.win)
	m.finishImport(job, img, freePix, err)
}

// finishImport installs an import result, discarding it if the attempt was
// overtaken by an invalidate, a newer damage mark, or a release.
func (m *Manager) finishImport(job importJob, img *image.RGBA, freePix func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.surfaces[job.win]
	if m.closed || !ok || e.attempt != job.attempt {
		if freePix != nil {
			freePix()
		}
		return
	}

	e.importing = false
	if err != nil {
		e.err = fmt.Errorf("failed to import window %d: %w", job.win, err)
		m.log.Debug().Uint32("window_id", uint32(job.win)).Err(err).Msg("Texture import failed")
		close(e.ready)
		return
	}

	b := img.Bounds()
	if e.tex != nil && e.tex.Bounds().Dx() == b.Dx() && e.tex.Bounds().Dy() == b.Dy() {
		// Same size: refresh the existing texture in place so frame
		// layers keep a stable handle.
		if uerr := e.tex.Upload(img.Pix, img.Stride); uerr != nil {
			e.err = fmt.Errorf("failed to upload window %d pixels: %w", job.win, uerr)
			if freePix != nil {
				freePix()
			}
			close(e.ready)
			return
		}
		if e.freePix != nil {
			e.freePix()
		}
		e.freePix = freePix
	} else {
		tex, cerr := m.dev.CreateTexture(b.Dx(), b.Dy())
		if cerr != nil {
			e.err = fmt.Errorf("failed to create texture for window %d: %w", job.win, cerr)
			if freePix != nil {
				freePix()
			}
			close(e.ready)
			return
		}
		if uerr := tex.Upload(img.Pix, img.Stride); uerr != nil {
			e.err = fmt.Errorf("failed to upload window %d pixels: %w", job.win, uerr)
			tex.Release()
			if freePix != nil {
				freePix()
			}
			close(e.ready)
			return
		}
		m.destroyLocked(e.tex, e.freePix)
		e.tex = tex
		e.freePix = freePix
	}

	e.gen = job.gen
	// Damage marked after the snapshot was taken keeps the entry stale.
	e.stale = e.dirtySeq != job.dirtySeq
	e.err = nil
	close(e.ready)

	m.log.Debug().
		Uint32("window_id", uint32(job.win)).
		Uint64("generation", e.gen).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Msg("Texture imported")
}

// startImportLocked ensures an import attempt is in flight for the entry
// and returns the channel that closes when it finishes.
func (m *Manager) startImportLocked(win xproto.Window, e *entry) <-chan struct{} {
	if e.importing {
		return e.ready
	}

	e.importing = true
	e.attempt++
	e.err = nil
	e.ready = make(chan struct{})

	job := importJob{win: win, attempt: e.attempt, gen: e.wantGen, dirtySeq: e.dirtySeq}
	select {
	case m.jobs <- job:
	default:
		// Saturated pool; run this attempt on its own goroutine.
		go m.runImport(job)
	}
	return e.ready
}

// tryAcquire returns the binding without blocking when it is current.
func (m *Manager) tryAcquire(win xproto.Window) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.surfaces[win]
	if !ok || e.tex == nil || e.gen != e.wantGen || e.stale {
		return Binding{}, false
	}
	return Binding{Tex: e.tex, Generation: e.gen}, true
}

// Acquire returns the surface's current texture, importing it first when
// missing or stale. It blocks up to the import timeout; on timeout the
// import keeps running in the background and ErrImportTimeout is returned.
func (m *Manager) Acquire(win xproto.Window) (Binding, error) {
	if b, ok := m.tryAcquire(win); ok {
		return b, nil
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Binding{}, ErrManagerClosed
		}
		e, ok := m.surfaces[win]
		if !ok {
			e = &entry{}
			m.surfaces[win] = e
		}
		if e.tex != nil && e.gen == e.wantGen && !e.stale {
			b := Binding{Tex: e.tex, Generation: e.gen}
			m.mu.Unlock()
			return b, nil
		}
		ready := m.startImportLocked(win, e)
		m.mu.Unlock()

		select {
		case <-ready:
			m.mu.Lock()
			e, ok = m.surfaces[win]
			if !ok {
				m.mu.Unlock()
				return Binding{}, ErrSurfaceReleased
			}
			err := e.err
			m.mu.Unlock()
			if err != nil {
				return Binding{}, err
			}
			// Re-check; the entry may have gone stale again while the
			// import ran.
		case <-timer.C:
			return Binding{}, ErrImportTimeout
		}
	}
}

// MarkDirty records that a window's content changed. The next acquire
// re-imports its pixels into the existing texture.
func (m *Manager) MarkDirty(win xproto.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.surfaces[win]; ok {
		e.stale = true
		e.dirtySeq++
	}
}

// Invalidate drops a surface's geometry binding, typically after a resize.
// The next acquire imports a fresh texture under a new generation.
func (m *Manager) Invalidate(win xproto.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.surfaces[win]; ok {
		e.wantGen++
		e.stale = true
		e.dirtySeq++
	}
}

// Release frees a surface's texture and forgets the binding. Releasing an
// unknown window is a no-op.
func (m *Manager) Release(win xproto.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.surfaces[win]
	if !ok {
		return
	}
	delete(m.surfaces, win)
	if e.importing {
		// Wake waiters; they observe the entry is gone.
		close(e.ready)
	}
	m.destroyLocked(e.tex, e.freePix)
}

// destroyLocked destroys a texture now, or defers it while release fences
// still pin it.
func (m *Manager) destroyLocked(tex Texture, freePix func()) {
	if tex == nil {
		if freePix != nil {
			freePix()
		}
		return
	}
	if m.pins[tex] > 0 {
		m.doomed[tex] = freePix
		return
	}
	tex.Release()
	if freePix != nil {
		freePix()
	}
}

// InsertReleaseFence pins the layers' textures until the fence is
// signaled. The presenter signals it once the device has finished reading
// the frame; destruction of pinned textures waits until then.
func (m *Manager) InsertReleaseFence(layers []Layer) *Fence {
	f := NewFence()

	m.mu.Lock()
	texs := make([]Texture, 0, len(layers))
	for _, l := range layers {
		if l.Tex == nil {
			continue
		}
		m.pins[l.Tex]++
		texs = append(texs, l.Tex)
	}
	m.mu.Unlock()

	go func() {
		<-f.Done()
		m.unpin(texs)
	}()
	return f
}

// unpin releases fence pins and finishes any deferred destruction.
func (m *Manager) unpin(texs []Texture) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tex := range texs {
		m.pins[tex]--
		if m.pins[tex] > 0 {
			continue
		}
		delete(m.pins, tex)
		if freePix, ok := m.doomed[tex]; ok {
			delete(m.doomed, tex)
			tex.Release()
			if freePix != nil {
				freePix()
			}
		}
	}
}

// ManagerStats is a point-in-time view of the manager for diagnostics.
type ManagerStats struct {
	Surfaces  int `json:"surfaces"`
	Importing int `json:"importing"`
	Pinned    int `json:"pinned"`
	Doomed    int `json:"doomed"`
}

// Stats returns current resource counts.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ManagerStats{
		Surfaces: len(m.surfaces),
		Pinned:   len(m.pins),
		Doomed:   len(m.doomed),
	}
	for _, e := range m.surfaces {
		if e.importing {
			s.Importing++
		}
	}
	return s
}

// Close releases every binding and stops the import pool. Pins are
// ignored; the device is being torn down with the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.jobs)

	for _, e := range m.surfaces {
		if e.importing {
			close(e.ready)
		}
		if e.tex != nil {
			e.tex.Release()
		}
		if e.freePix != nil {
			e.freePix()
		}
	}
	m.surfaces = make(map[xproto.Window]*entry)
	for tex, freePix := range m.doomed {
		tex.Release()
		if freePix != nil {
			freePix()
		}
	}
	m.doomed = make(map[Texture]func())
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
