package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trymwestin/dvrsession/internal/core/camera"
	"github.com/trymwestin/dvrsession/internal/core/session"
	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/core/trust"
)

// Manager is the session registry the API operates on.
type Manager interface {
	Sessions() []*session.Session
	Session(id int) (*session.Session, error)
	Trust(id int) (*trust.Store, error)
	Add(cfg session.ServerConfig) (*session.Session, error)
	Remove(ctx context.Context, id int) error
}

// Server is the HTTP API server.
type Server struct {
	mgr      Manager
	bus      *state.EventBus
	gatherer prometheus.Gatherer
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server. gatherer may be nil to disable /metrics.
func NewServer(mgr Manager, bus *state.EventBus, gatherer prometheus.Gatherer, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		mgr:      mgr,
		bus:      bus,
		gatherer: gatherer,
		corsAll:  corsAll,
		log:      log,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if corsAll {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.corsHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/servers", s.handleListServers)
	s.mux.HandleFunc("POST /api/servers", s.handleAddServer)
	s.mux.HandleFunc("GET /api/servers/{id}", s.handleGetServer)
	s.mux.HandleFunc("PATCH /api/servers/{id}", s.handlePatchServer)
	s.mux.HandleFunc("DELETE /api/servers/{id}", s.handleDeleteServer)
	s.mux.HandleFunc("GET /api/servers/{id}/cameras", s.handleGetCameras)
	s.mux.HandleFunc("POST /api/servers/{id}/toggle", s.handleToggle)
	s.mux.HandleFunc("POST /api/servers/{id}/login", s.handleLogin)
	s.mux.HandleFunc("DELETE /api/servers/{id}/certificate", s.handleForgetCertificate)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) corsHeaders(w http.ResponseWriter) {
	if s.corsAll {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	s.corsHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// session resolves the {id} path value, writing the error response itself.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid server id")
		return nil, false
	}
	sess, err := s.mgr.Session(id)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return sess, true
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrUnknownServer) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// --- Handlers ---

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	sessions := s.mgr.Sessions()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var body session.ServerConfig
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Hostname == "" {
		s.writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	sess, err := s.mgr.Add(body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

type serverPatch struct {
	DisplayName *string `json:"display_name"`
	Hostname    *string `json:"hostname"`
	Port        *int    `json:"port"`
	Username    *string `json:"username"`
	Password    *string `json:"password"`
	AutoConnect *bool   `json:"auto_connect"`
}

func (s *Server) handlePatchServer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var body serverPatch
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Port != nil && (*body.Port < 0 || *body.Port > 65534) {
		s.writeError(w, http.StatusBadRequest, "port out of range")
		return
	}

	ep := sess.Endpoint()
	if body.DisplayName != nil {
		ep.SetDisplayName(*body.DisplayName)
	}
	if body.Hostname != nil {
		ep.SetHostname(*body.Hostname)
	}
	if body.Port != nil {
		ep.SetPort(*body.Port)
	}
	if body.Username != nil {
		ep.SetUsername(*body.Username)
	}
	if body.Password != nil {
		ep.SetPassword(*body.Password)
	}
	if body.AutoConnect != nil {
		ep.SetAutoConnect(*body.AutoConnect)
	}
	s.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.mgr.Remove(r.Context(), sess.ID()); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

type cameraView struct {
	camera.Camera
	StreamURL string `json:"stream_url"`
}

func (s *Server) handleGetCameras(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cams := sess.Cameras()
	out := make([]cameraView, 0, len(cams))
	for _, c := range cams {
		out = append(out, cameraView{Camera: c, StreamURL: sess.StreamURL(c)})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.ToggleOnline()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Endpoint().Hostname() == "" {
		s.writeError(w, http.StatusConflict, "server has no hostname")
		return
	}
	sess.Login()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleForgetCertificate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ts, err := s.mgr.Trust(sess.ID())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	ts.Forget()
	s.log.Info("forgot pinned certificate", "server_id", sess.ID())
	s.corsHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams bus events as JSON text frames until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(128)
	defer unsub()

	// The reader only watches for the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	s.log.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			s.log.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
