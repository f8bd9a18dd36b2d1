package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/voxlink/internal/agentctl"
	"github.com/MikeSquared-Agency/voxlink/internal/events"
	"github.com/MikeSquared-Agency/voxlink/internal/messaging"
	"github.com/MikeSquared-Agency/voxlink/internal/session"
	"github.com/MikeSquared-Agency/voxlink/internal/transcript"
)

// Sessions is the orchestrator surface the API drives.
type Sessions interface {
	Connect(ctx context.Context, req session.ConnectRequest) (session.Result, error)
	Disconnect(ctx context.Context) error
	Snapshot() session.State
	Connecting() bool
	SendText(ctx context.Context, text string) error
	Graphs(ctx context.Context) ([]agentctl.Graph, error)
}

// Transcript is the read side of the fused transcript.
type Transcript interface {
	Snapshot() []transcript.Entry
	Render() string
}

type Server struct {
	sessions   Sessions
	transcript Transcript
	bus        *events.Bus
	router     chi.Router
	port       int
	httpServer *http.Server
	defaults   session.ConnectRequest
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(s Sessions, tr Transcript, bus *events.Bus, port int, metricsHandler http.Handler) *Server {
	srv := &Server{
		sessions:   s,
		transcript: tr,
		bus:        bus,
		port:       port,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/graphs", srv.handleGraphs)
		r.Get("/session", srv.handleSession)
		r.Post("/session/connect", srv.handleConnect)
		r.Post("/session/disconnect", srv.handleDisconnect)
		r.Post("/messages", srv.handleSendMessage)
		r.Get("/transcript", srv.handleTranscript)
		r.Get("/transcript/stream", srv.handleTranscriptStream)
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	srv.router = r
	return srv
}

// SetDefaults sets the values used for fields a connect request leaves
// empty.
func (s *Server) SetDefaults(req session.ConnectRequest) {
	s.defaults = req
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("starting HTTP API", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type sessionStatus struct {
	session.State
	Connected  bool `json:"connected"`
	Connecting bool `json:"connecting"`
}

func (s *Server) status() sessionStatus {
	st := s.sessions.Snapshot()
	return sessionStatus{State: st, Connected: st.Connected(), Connecting: s.sessions.Connecting()}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "voxlink",
		"connected": st.Connected(),
		"degraded":  st.MessagingDegraded,
	})
}

func (s *Server) handleGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.sessions.Graphs(r.Context())
	if err != nil {
		slog.Error("list graphs failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "agent server unavailable"})
		return
	}
	if graphs == nil {
		graphs = []agentctl.Graph{}
	}
	writeJSON(w, http.StatusOK, graphs)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req session.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Channel == "" {
		req.Channel = s.defaults.Channel
	}
	if req.UserID == 0 {
		req.UserID = s.defaults.UserID
	}
	if req.GraphID == "" {
		req.GraphID = s.defaults.GraphID
	}

	// Connect outlives the request; Disconnect is the way to abort it.
	res, err := s.sessions.Connect(context.WithoutCancel(r.Context()), req)

	body := map[string]any{"result": res, "session": s.status()}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, connectStatus(err), body)
}

// disconnectTimeout bounds teardown once it is detached from the request.
const disconnectTimeout = 30 * time.Second

func connectStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrConnectInProgress), errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoGraphSelected), errors.Is(err, session.ErrNoChannel):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, session.ErrConnectCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
	defer cancel()
	err := s.sessions.Disconnect(ctx)
	body := map[string]any{"session": s.status()}
	if err != nil {
		slog.Warn("disconnect finished with errors", "error", err)
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	err := s.sessions.SendText(r.Context(), req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, messaging.ErrNotJoined):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "messaging channel not joined"})
	default:
		slog.Error("send message failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "publish failed"})
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.transcript.Render()))
		return
	}

	entries := s.transcript.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
