package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/raman-dash/internal/errs"
	"github.com/shaunagostinho/raman-dash/internal/instrument"
	"github.com/shaunagostinho/raman-dash/internal/recorder"
	"github.com/shaunagostinho/raman-dash/internal/spectrum"
)

// Server exposes the instrument over HTTP and streams samples to WebSocket
// clients.
type Server struct {
	cfg      *Config
	inst     *instrument.State
	webFS    fs.FS
	recorder *recorder.Recorder
	metrics  *Metrics
	pub      Publisher
	log      logrus.FieldLogger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Stream loop
	ctx          context.Context
	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status   *instrument.Status `json:"status,omitempty"`
	Sample   *instrument.Sample `json:"sample,omitempty"`
	Spectrum *spectrum.Spectrum `json:"spectrum,omitempty"`
	Error    string             `json:"error,omitempty"`
	Stamp    int64              `json:"stamp"` // Unix ms
}

// New creates a new Server. metrics and pub may be nil.
func New(cfg *Config, inst *instrument.State, webFS fs.FS, metrics *Metrics, pub Publisher, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(log)
	}
	return &Server{
		cfg:      cfg,
		inst:     inst,
		webFS:    webFS,
		recorder: recorder.New(cfg.Recorder, log),
		metrics:  metrics,
		pub:      pub,
		log:      log.WithField("component", "server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx: context.Background(),
	}
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/config", s.handleConfig)

	// Instrument control
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/cooling", s.handleCooling)
	mux.HandleFunc("/api/identity", s.handleIdentity)

	// Acquisition
	mux.HandleFunc("/api/stream/start", s.handleStreamStart)
	mux.HandleFunc("/api/stream/stop", s.handleStreamStop)
	mux.HandleFunc("/api/acquire", s.handleAcquire)
	mux.HandleFunc("/api/calibration", s.handleCalibration)

	// Micro-Raman stage
	mux.HandleFunc("/api/light", s.handleLight)
	mux.HandleFunc("/api/motor", s.handleMotor)
	mux.HandleFunc("/api/motor/power", s.handleMotorPower)

	if s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}
	return mux
}

// Run starts the HTTP server, the status loop and, if configured, the
// sample stream. It returns when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx

	go s.statusLoop(ctx)
	go s.metrics.RunRuntimeMonitor(ctx)

	if s.cfg.Stream.AutoStart {
		if err := s.startStream(); err != nil {
			s.log.Warnf("auto-start stream: %v", err)
		}
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.stopStream()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.WSClients.Set(float64(n))
	s.log.Infof("ws client connected (%d total)", n)

	// Initial status
	st := s.inst.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients only listen)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.metrics.WSClients.Set(float64(n))
			s.log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		s.cfg.mu.RLock()
		s.recorder.SetEnabled(s.cfg.Recorder.Enabled)
		s.cfg.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		methodNotAllowed(w)
	}
}

// statusLoop broadcasts the instrument status at a fixed interval.
func (s *Server) statusLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Server.StatusIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.inst.Status()
			if st.Connected {
				s.metrics.Connected.Set(1)
			} else {
				s.metrics.Connected.Set(0)
			}
			s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Errorf("request failed: %v", err)
	}
	writeJSON(w, code, apiError{Error: err.Error(), Kind: errs.Kind(err)})
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// decode reads a JSON body into v. Malformed bodies are invalid arguments.
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("server: bad request body: %v: %w", err, errs.ErrInvalidArgument)
	}
	return nil
}
