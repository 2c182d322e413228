// ABOUTME: HTTP and WebSocket server in front of the speaker manager
// ABOUTME: Maps JSON requests to manager operations and streams events to clients
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/picapico/audioshare/internal/capture"
	"github.com/picapico/audioshare/internal/manager"
	"github.com/picapico/audioshare/internal/metrics"
	"github.com/picapico/audioshare/internal/speaker"
	"github.com/picapico/audioshare/internal/version"
	pcm "github.com/picapico/audioshare/pkg/audio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// DefaultAddr keeps the API on loopback
	DefaultAddr = "127.0.0.1:8765"

	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	shutdownWait  = 5 * time.Second
)

// Config configures the API server
type Config struct {
	Addr    string
	Manager *manager.Manager
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server serves the control API
type Server struct {
	addr     string
	manager  *manager.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer builds the route table
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		addr:    cfg.Addr,
		manager: cfg.Manager,
		metrics: cfg.Metrics,
		logger:  logger.Named("api"),
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// the API only listens on trusted interfaces
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /api/state", s.handleState)
	s.handle("GET /api/speakers", s.handleSpeakers)
	s.handle("POST /api/speakers", s.handleAddSpeaker)
	s.handle("PUT /api/speakers/{id}", s.handleRenameSpeaker)
	s.handle("DELETE /api/speakers/{id}", s.handleRemoveSpeaker)
	s.handle("POST /api/speakers/{id}/connect", s.handleConnect)
	s.handle("POST /api/speakers/{id}/disconnect", s.handleDisconnect)
	s.handle("PUT /api/speakers/{id}/channel", s.handleChannel)
	s.handle("GET /api/volume", s.handleVolume)
	s.handle("PUT /api/volume", s.handleSetVolume)
	s.handle("PUT /api/volume/follow", s.handleFollow)
	s.handle("PUT /api/mode", s.handleMode)
	s.handle("POST /api/refresh", s.handleRefresh)
	s.handle("GET /api/devices", s.handleDevices)
	s.handle("PUT /api/device", s.handleDevice)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// handle registers a JSON route and counts its requests by pattern
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(rw, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rw.status))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Handler exposes the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds the configured address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()
	s.logger.Info("API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	<-errChan
	s.logger.Info("API stopped")
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps manager and session errors onto HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownSpeaker), errors.Is(err, capture.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, speaker.ErrBusy),
		errors.Is(err, manager.ErrReadOnly),
		errors.Is(err, manager.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, manager.ErrUnsupportedRate),
		errors.Is(err, manager.ErrUSBUnavailable),
		errors.Is(err, speaker.ErrChannelDisabled):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrNoFreeAddress):
		return http.StatusConflict
	case errors.Is(err, speaker.ErrEndpointUnreachable),
		errors.Is(err, speaker.ErrDeviceNotReady),
		errors.Is(err, speaker.ErrProtocolMismatch):
		return http.StatusBadGateway
	case errors.Is(err, manager.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Connected int    `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   version.String(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Connected: s.manager.ConnectedCount(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.State(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.Speakers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if infos == nil {
		infos = []speaker.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

type addRequest struct {
	ID string `json:"id"`
}

type addResponse struct {
	ID string `json:"id"`
}

// handleAddSpeaker adds an IP speaker; an empty id picks a placeholder
func (s *Server) handleAddSpeaker(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.ID != "" {
		if _, err := speaker.ParseEndpoint(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	id, err := s.manager.AddSpeaker(r.Context(), req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addResponse{ID: id})
}

func (s *Server) handleRenameSpeaker(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := speaker.ParseEndpoint(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.RenameSpeaker(r.Context(), r.PathValue("id"), req.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addResponse{ID: strings.TrimSpace(req.ID)})
}

func (s *Server) handleRemoveSpeaker(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.RemoveSpeaker(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Connect(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type channelRequest struct {
	Channel pcm.Channel `json:"channel"`
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetChannel(r.Context(), r.PathValue("id"), req.Channel); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type volumeBody struct {
	Volume int `json:"volume"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, volumeBody{Volume: s.manager.Volume()})
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeBody
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetVolume(r.Context(), req.Volume); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeBody{Volume: s.manager.Volume()})
}

type followRequest struct {
	Follow bool `json:"follow"`
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetVolumeFollowSystem(r.Context(), req.Follow); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type modeRequest struct {
	USB bool `json:"usb"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetMode(r.Context(), req.USB); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Refresh(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.manager.Devices()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if devices == nil {
		devices = []capture.Info{}
	}
	writeJSON(w, http.StatusOK, devices)
}

type deviceRequest struct {
	ID         string `json:"id"`
	SampleRate int    `json:"sample_rate"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.manager.SetDevice(r.Context(), req.ID, req.SampleRate); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams manager events until either side goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	events, cancel := s.manager.Subscribe()
	defer cancel()
	s.logger.Debug("Event client connected", zap.String("remote", r.RemoteAddr))

	// reader: only control frames are expected, a read error means the client left
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("Event client error", zap.Error(err))
				}
				return
			}
		}
	}()

	// the current state goes first so clients need no extra request
	if st, err := s.manager.State(r.Context()); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(manager.Event{Kind: manager.SpeakersChanged, Time: time.Now(), Speakers: st.Speakers, Count: st.ConnectedCount, Volume: st.Volume}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeDeadline))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Event write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
