package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/narrowmargin/peanutpod/internal/upstream"
)

const (
	// APIVersion prefixes every route so future additions stay non-breaking.
	APIVersion = "v1"
	// DefaultAddress is where the control API listens by default.
	DefaultAddress = "127.0.0.1:8899"
)

// ServerOptions configures the control HTTP server with conservative
// defaults suitable for a local control-plane service.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	Logger            *log.Logger
}

func (o *ServerOptions) applyDefaults() {
	if o.Addr == "" {
		o.Addr = DefaultAddress
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.ReadHeaderTimeout == 0 {
		o.ReadHeaderTimeout = 2 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Server hosts the HTTP+JSON control API (§6.1) in front of a Controller.
type Server struct {
	http       *http.Server
	controller *Controller
	hub        *eventHub
	logger     *log.Logger
	opts       ServerOptions
}

// NewServer builds a Server wired to controller. It does not listen
// until Start is called.
func NewServer(controller *Controller, opts ServerOptions) *Server {
	if controller == nil {
		panic("control.NewServer: controller is nil")
	}
	opts.applyDefaults()

	mux := http.NewServeMux()
	s := &Server{
		controller: controller,
		hub:        newEventHub(controller.Logger),
		logger:     opts.Logger,
		opts:       opts,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           withBasicMiddleware(mux, opts.Logger),
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			WriteTimeout:      opts.WriteTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          opts.Logger,
			BaseContext: func(l net.Listener) context.Context {
				return context.Background()
			},
		},
	}

	mux.HandleFunc("/"+APIVersion+"/status", s.handleStatus)
	mux.HandleFunc("/"+APIVersion+"/import", s.handleImport)
	mux.HandleFunc("/"+APIVersion+"/retest", s.handleRetest)
	mux.HandleFunc("/"+APIVersion+"/listeners/start", s.handleListenersStart)
	mux.HandleFunc("/"+APIVersion+"/listeners/stop", s.handleListenersStop)
	mux.HandleFunc("/"+APIVersion+"/upstream", s.handleUpstream)
	mux.HandleFunc("/"+APIVersion+"/rotation/enable", s.handleRotationEnable)
	mux.HandleFunc("/"+APIVersion+"/rotation/disable", s.handleRotationDisable)
	mux.HandleFunc("/"+APIVersion+"/chain-mode", s.handleChainMode)
	mux.HandleFunc("/"+APIVersion+"/events", s.hub.handleWebsocket)

	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.hub.start()
	go func() {
		s.logger.Printf("control: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("control: ListenAndServe error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	timeout := s.opts.ShutdownTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req importRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.controller.Import(r.Context(), req.Candidates); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleRetest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req retestRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.controller.Retest(r.Context(), req.UnavailableOnly); err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleListenersStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	if err := s.controller.StartListeners(); err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleListenersStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	if err := s.controller.StopListeners(); err != nil {
		writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleUpstream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req upstreamRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}
	desc := upstream.Descriptor{Scheme: upstream.Scheme(req.Scheme), Host: req.Host, Port: req.Port}
	if !desc.IsDirect() && (desc.Host == "" || desc.Port == 0) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "host and port are required for a non-direct upstream"})
		return
	}
	s.controller.SwitchUpstream(desc)
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleRotationEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req rotationEnableRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.IntervalSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "interval_seconds must be positive"})
		return
	}
	if err := s.controller.EnableRotation(time.Duration(req.IntervalSeconds) * time.Second); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleRotationDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	s.controller.DisableRotation()
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func (s *Server) handleChainMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return
	}
	var req chainModeRequest
	if err := decodeStrict(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.controller.SetChainMode(ChainMode(req.Mode), req.Confirm); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(s.controller.Status()))
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func withBasicMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.URL.Path != "/"+APIVersion+"/events" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		next.ServeHTTP(w, r)
		logger.Printf("%s %s %dms", r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
