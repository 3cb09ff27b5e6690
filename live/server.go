// Package live serves the session to a browser: state and finalized entries
// over a JSON API, progress events over a websocket, the camera overlay as
// JPEG or MJPEG, and prometheus metrics.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/bosley/rehearse/metrics"
	"github.com/bosley/rehearse/session"
	"github.com/bosley/rehearse/speech"
	"github.com/bosley/rehearse/video"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	jpegQuality    = 75
	mjpegInterval  = 100 * time.Millisecond
	recordedBanner = "Answer recorded"
	bannerDuration = 2 * time.Second
)

type Config struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// Event is one message on the websocket stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

const (
	EventState   = "state"
	EventPartial = "partial"
	EventEntry   = "entry"
)

type StateView struct {
	SessionID  string  `json:"session_id"`
	State      string  `json:"state"`
	Index      int     `json:"index"`
	Total      int     `json:"total"`
	Question   string  `json:"question,omitempty"`
	QuestionID string  `json:"question_id,omitempty"`
	Elapsed    float64 `json:"elapsed_seconds"`
}

type PartialView struct {
	QuestionID string  `json:"question_id"`
	Text       string  `json:"text"`
	Start      float64 `json:"start_seconds"`
	End        float64 `json:"end_seconds"`
}

type EntryEvent struct {
	QuestionID string `json:"question_id"`
	session.EntryView
}

// Server is a session.Observer that publishes what it observes.
type Server struct {
	config   Config
	overlay  *video.Overlay
	registry *prometheus.Registry
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	state   StateView
	entries map[string]session.EntryView
}

// New builds a live server. overlay may be nil when there is no camera; the
// overlay routes then serve a blank canvas.
func New(cfg Config, overlay *video.Overlay, registry *prometheus.Registry) *Server {
	if overlay == nil {
		overlay = video.NewOverlay()
	}
	return &Server{
		config:   cfg,
		overlay:  overlay,
		registry: registry,
		hub:      newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		state:   StateView{State: string(session.Idle)},
		entries: make(map[string]session.EntryView),
	}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/session", s.handleSession).Methods("GET")
	router.HandleFunc("/api/questions/{questionID}", s.handleQuestion).Methods("GET")
	router.HandleFunc("/ws", s.handleWebSocket)
	router.HandleFunc("/overlay.jpg", s.handleOverlay).Methods("GET")
	router.HandleFunc("/overlay.mjpg", s.handleOverlayStream).Methods("GET")
	if s.registry != nil {
		router.Handle("/metrics", metrics.Handler(s.registry)).Methods("GET")
	}
	return router
}

// Run serves until ctx is cancelled. TLS is used when a certificate is
// configured.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		var err error
		if s.config.CertFile != "" {
			err = s.server.ServeTLS(listener, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.Serve(listener)
		}
		errs <- err
	}()

	slog.Info("Live view listening", "addr", listener.Addr().String(), "tls", s.config.CertFile != "")

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("live server failed: %w", err)
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) OnState(snap session.Snapshot) {
	view := StateView{
		SessionID: snap.SessionID,
		State:     string(snap.State),
		Index:     snap.Index,
		Total:     snap.Total,
		Elapsed:   snap.At.Seconds(),
	}
	if snap.Question != nil {
		view.QuestionID = snap.Question.ID
		view.Question = snap.Question.Prompt
	}

	s.mu.Lock()
	s.state = view
	s.mu.Unlock()

	switch snap.State {
	case session.AwaitingStart:
		if snap.Question != nil {
			s.overlay.SetQuestion(snap.Index, snap.Total, snap.Question.Prompt)
		}
		s.overlay.SetRecording(false)
	case session.Recording:
		s.overlay.SetRecording(true)
	case session.Finalizing:
		s.overlay.SetRecording(false)
	case session.SessionComplete, session.Aborted:
		s.overlay.SetRecording(false)
		s.overlay.SetCaption(fmt.Sprintf("Session %s", snap.State))
	}

	s.publish(EventState, view)
}

func (s *Server) OnPartial(seg speech.Segment) {
	s.overlay.SetCaption(seg.Text)
	s.publish(EventPartial, PartialView{
		QuestionID: seg.QuestionID,
		Text:       seg.Text,
		Start:      seg.Start.Seconds(),
		End:        seg.End.Seconds(),
	})
}

func (s *Server) OnEntry(e session.Entry) {
	view := session.NewEntryView(e)
	s.mu.Lock()
	s.entries[e.QuestionID] = view
	s.mu.Unlock()

	s.overlay.Flash(recordedBanner, bannerDuration)
	s.publish(EventEntry, EntryEvent{QuestionID: e.QuestionID, EntryView: view})
}

func (s *Server) publish(kind string, data any) {
	message, err := json.Marshal(Event{Type: kind, At: time.Now(), Data: data})
	if err != nil {
		slog.Error("Failed to encode live event", "type", kind, "error", err)
		return
	}
	s.hub.broadcast(message)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	view := s.state
	s.mu.RUnlock()
	writeJSON(w, view)
}

// handleQuestion returns the finalized entry for a question.
func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	questionID := mux.Vars(r)["questionID"]

	s.mu.RLock()
	view, ok := s.entries[questionID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "Question not finalized", http.StatusNotFound)
		return
	}
	writeJSON(w, EntryEvent{QuestionID: questionID, EntryView: view})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// New subscribers start from the current state.
	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()
	initial, err := json.Marshal(Event{Type: EventState, At: time.Now(), Data: current})
	if err != nil {
		slog.Error("Failed to encode live event", "type", EventState, "error", err)
	}

	c := s.hub.register(conn, initial)

	go c.writePump()
	go c.readPump()
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	data, err := s.overlay.RenderJPEG(jpegQuality)
	if err != nil {
		slog.Error("Failed to render overlay", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// handleOverlayStream pushes the overlay as multipart MJPEG until the client
// goes away.
func (s *Server) handleOverlayStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")

	ticker := time.NewTicker(mjpegInterval)
	defer ticker.Stop()

	for {
		data, err := s.overlay.RenderJPEG(jpegQuality)
		if err != nil {
			slog.Error("Failed to render overlay", "error", err)
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(data); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
