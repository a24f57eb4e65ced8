package output

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/willothy/recomp/internal/logger"
)

// MJPEG streams one output's composed frames as Motion JPEG over HTTP,
// so a browser tab can watch the compositor remotely. It mirrors the
// frames the overlay already presented and never blocks the compositor:
// slow clients miss frames instead of stalling WriteFrame.
type MJPEG struct {
	output  string
	quality int

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	frameMu    sync.RWMutex
	lastUpdate time.Time

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frames atomic.Uint64
}

// StreamStats is the live state of the stream for the debug API.
type StreamStats struct {
	Output    string  `json:"output"`
	Running   bool    `json:"running"`
	Clients   int     `json:"clients"`
	Frames    uint64  `json:"frames"`
	FPS       float64 `json:"fps"`
	UptimeSec float64 `json:"uptime_sec"`
}

// NewMJPEG creates a stream sink for the named output. quality is the
// JPEG quality, 1 to 100; values outside that range fall back to 80.
func NewMJPEG(output string, quality int) *MJPEG {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &MJPEG{
		output:  output,
		quality: quality,
		clients: make(map[chan []byte]struct{}),
	}
}

func (m *MJPEG) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("stream already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.frames.Store(0)

	logger.WithComponent("stream").Info().
		Str("output", m.output).
		Int("quality", m.quality).
		Msg("MJPEG stream started")
	return nil
}

func (m *MJPEG) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("stream").Info().
		Str("output", m.output).
		Uint64("frames", m.frames.Load()).
		Msg("MJPEG stream stopped")
	return nil
}

// WriteFrame encodes and broadcasts a frame. Encoding is skipped entirely
// while nobody is watching. The damage list is ignored; MJPEG clients
// always get full frames.
func (m *MJPEG) WriteFrame(frame *image.RGBA, damaged []image.Rectangle) error {
	if !m.IsRunning() {
		return fmt.Errorf("stream not running")
	}

	m.frameMu.Lock()
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()
	m.frames.Add(1)

	m.clientsMu.RLock()
	empty := len(m.clients) == 0
	m.clientsMu.RUnlock()
	if empty {
		return nil
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	data := buf.Bytes()

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- data:
		default:
			// Slow client, skip this frame.
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

func (m *MJPEG) Name() string { return m.output }

func (m *MJPEG) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats snapshots the stream counters.
func (m *MJPEG) Stats() StreamStats {
	m.mu.RLock()
	running := m.running
	start := m.startTime
	m.mu.RUnlock()

	m.clientsMu.RLock()
	clients := len(m.clients)
	m.clientsMu.RUnlock()

	frames := m.frames.Load()
	var fps, uptime float64
	if running && !start.IsZero() {
		uptime = time.Since(start).Seconds()
		if uptime > 0 {
			fps = float64(frames) / uptime
		}
	}
	return StreamStats{
		Output:    m.output,
		Running:   running,
		Clients:   clients,
		Frames:    frames,
		FPS:       fps,
		UptimeSec: uptime,
	}
}

// StreamHandler serves the multipart MJPEG stream.
func (m *MJPEG) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		count := len(m.clients)
		m.clientsMu.Unlock()

		logger.WithComponent("stream").Info().
			Str("remote", r.RemoteAddr).
			Int("clients", count).
			Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			if _, ok := m.clients[frameChan]; ok {
				delete(m.clients, frameChan)
			}
			count := len(m.clients)
			m.clientsMu.Unlock()
			logger.WithComponent("stream").Info().
				Str("remote", r.RemoteAddr).
				Int("clients", count).
				Msg("Stream client disconnected")
		}()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
					return
				}
				if _, err := w.Write(data); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// ViewerHandler serves a bare fullscreen page around the stream.
func (m *MJPEG) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>recomp</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #000;
            overflow: hidden;
            display: flex;
            justify-content: center;
            align-items: center;
            min-height: 100vh;
        }
        img {
            width: 100vw;
            height: 100vh;
            object-fit: contain;
            display: block;
            background: #000;
        }
        .badge {
            position: fixed;
            bottom: 16px;
            left: 16px;
            padding: 6px 12px;
            background: rgba(40, 40, 40, 0.85);
            color: #aaa;
            border-radius: 14px;
            font-family: monospace;
            font-size: 12px;
            opacity: 0;
            transition: opacity 0.2s ease;
        }
        body:hover .badge { opacity: 1; }
    </style>
</head>
<body>
    <img src="/stream" alt="recomp live output">
    <div class="badge">recomp · ` + m.output + `</div>
</body>
</html>`
		w.Write([]byte(html))
	}
}
