package api

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/willothy/recomp/internal/compositor"
	"github.com/willothy/recomp/internal/config"
	"github.com/willothy/recomp/internal/logger"
	"github.com/willothy/recomp/internal/output"
)

const version = "0.1.0"

// Server is the debug HTTP surface: surface and output listings, live
// stats, opacity rules, an event websocket and the MJPEG stream. It only
// reads compositor state; the one mutation path is the opacity rule set.
type Server struct {
	router   *mux.Router
	session  *compositor.Session
	cfgMgr   *config.Manager
	stream   *output.MJPEG
	upgrader websocket.Upgrader
	srv      *http.Server
	log      *zerolog.Logger
}

// NewServer wires the routes. stream may be nil when streaming is off.
func NewServer(session *compositor.Session, cfgMgr *config.Manager, stream *output.MJPEG) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		session: session,
		cfgMgr:  cfgMgr,
		stream:  stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local debug surface.
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/surfaces", s.handleSurfaces).Methods("GET")
	api.HandleFunc("/outputs", s.handleOutputs).Methods("GET")
	api.HandleFunc("/extensions", s.handleExtensions).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	api.HandleFunc("/opacity", s.handleListOpacity).Methods("GET")
	api.HandleFunc("/opacity", s.handleSetOpacity).Methods("POST")
	api.HandleFunc("/opacity/{class}", s.handleRemoveOpacity).Methods("DELETE")

	api.HandleFunc("/events", s.handleEvents)
	api.HandleFunc("/frame/{output}.png", s.handleFramePNG).Methods("GET")

	if s.stream != nil {
		s.router.HandleFunc("/stream", s.stream.StreamHandler()).Methods("GET")
		s.router.HandleFunc("/", s.stream.ViewerHandler()).Methods("GET")
	} else {
		s.router.HandleFunc("/", s.handleIndex).Methods("GET")
	}
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

// Start serves until Shutdown or a listen failure.
func (s *Server) Start(port int) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.enableCORS(s.router),
	}
	s.log.Info().Int("port", port).Msg("Debug API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve API: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": version,
	})
}

func (s *Server) handleSurfaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Surfaces())
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Outputs())
}

func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Extensions())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		compositor.Stats
		Stream *output.StreamStats `json:"stream,omitempty"`
	}{Stats: s.session.Stats()}
	if s.stream != nil {
		st := s.stream.Stats()
		resp.Stream = &st
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfgMgr.Get())
}

func (s *Server) handleListOpacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfgMgr.ListOpacityRules())
}

func (s *Server) handleSetOpacity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class   string  `json:"class"`
		Opacity float64 `json:"opacity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Class == "" {
		http.Error(w, "class is required", http.StatusBadRequest)
		return
	}

	if err := s.cfgMgr.SetOpacityRule(req.Class, req.Opacity); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.session.ReapplyOpacityRules()

	writeJSON(w, map[string]string{"status": "success"})
}

func (s *Server) handleRemoveOpacity(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]

	if err := s.cfgMgr.RemoveOpacityRule(class); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.session.ReapplyOpacityRules()

	writeJSON(w, map[string]string{"status": "success"})
}

// handleEvents streams compositor notices over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	notices := s.session.Subscribe()
	defer s.session.Unsubscribe(notices)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream client connected")

	for notice := range notices {
		if err := conn.WriteJSON(notice); err != nil {
			return
		}
	}
}

// handleFramePNG serves the most recently presented frame of one output.
func (s *Server) handleFramePNG(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["output"]

	img := s.session.LastFrame(name)
	if img == nil {
		http.Error(w, "no frame presented yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.log.Warn().Err(err).Str("output", name).Msg("Frame encode failed")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>recomp</title>
    <style>
        body {
            font-family: monospace;
            max-width: 720px;
            margin: 50px auto;
            padding: 20px;
            background: #1e1e1e;
            color: #d4d4d4;
        }
        h1 { color: #4ec9b0; }
        a { color: #569cd6; text-decoration: none; }
        a:hover { text-decoration: underline; }
        li { margin: 6px 0; }
    </style>
</head>
<body>
    <h1>recomp</h1>
    <p>Compositing manager debug API.</p>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/surfaces">/api/surfaces</a> - redirected windows</li>
        <li><a href="/api/outputs">/api/outputs</a> - composited outputs</li>
        <li><a href="/api/extensions">/api/extensions</a> - negotiated X extensions</li>
        <li><a href="/api/stats">/api/stats</a> - frame and texture counters</li>
        <li><a href="/api/config">/api/config</a> - active configuration</li>
        <li><a href="/api/opacity">/api/opacity</a> - per-class opacity rules</li>
        <li>/api/events - notice websocket</li>
        <li>/api/frame/{output}.png - last presented frame</li>
    </ul>
</body>
</html>`
	w.Write([]byte(html))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api") {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	http.NotFound(w, r)
}
