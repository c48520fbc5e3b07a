// Package ingress is the HTTP front door: it authenticates submissions,
// runs the cheap validations, drives decryption, and hands accepted work
// to the pipeline dispatcher.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audionet/verifier/internal/config"
	"github.com/audionet/verifier/internal/events"
	"github.com/audionet/verifier/internal/faults"
	"github.com/audionet/verifier/internal/metrics"
	"github.com/audionet/verifier/internal/pipeline"
	"github.com/audionet/verifier/internal/session"
)

// Store is the slice of the session store the gate needs.
type Store interface {
	Create(ctx context.Context, verificationID string, initial *session.SubmissionData) (string, error)
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context, status session.Status, limit int) ([]*session.Session, error)
	MarkFailed(ctx context.Context, id string, info session.FailureInfo) (bool, error)
	Ping(ctx context.Context) error
}

// Decrypter retrieves and decrypts a submitted blob.
type Decrypter interface {
	Decrypt(ctx context.Context, blobRef, sealedObjectHex, identity string, sessionKey []byte) ([]byte, error)
}

// Dispatcher schedules an accepted job onto the worker pool.
type Dispatcher interface {
	Dispatch(job pipeline.Job) error
}

// Server carries the gate's collaborators and the HTTP listener.
type Server struct {
	cfg       *config.Config
	store     Store
	decryptor Decrypter
	pool      Dispatcher
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *log.Logger
	upgrader  websocket.Upgrader
	httpSrv   *http.Server
}

func NewServer(cfg *config.Config, store Store, decryptor Decrypter, pool Dispatcher, bus *events.Bus, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		decryptor: decryptor,
		pool:      pool,
		bus:       bus,
		metrics:   m,
		logger:    log.New(log.Writer(), "[INGRESS] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router wires the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/verify").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("", s.handleSubmit).Methods("POST")
	api.HandleFunc("", s.handleList).Methods("GET")
	api.HandleFunc("/{id}", s.handleStatus).Methods("GET")
	api.HandleFunc("/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/{id}/events", s.handleEvents).Methods("GET")
	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	s.logger.Printf("listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if len(s.cfg.CORSOrigins) > 0 {
			origin = s.cfg.CORSOrigins[0]
			for _, o := range s.cfg.CORSOrigins {
				if o == r.Header.Get("Origin") {
					origin = o
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware compares the bearer token in constant time. An empty
// configured token disables auth (development mode).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.writeError(w, faults.New(faults.KindUnauthorized, "missing bearer token"), "")
			return
		}
		if subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(s.cfg.AuthToken)) != 1 {
			s.writeError(w, faults.New(faults.KindUnauthorized, "invalid bearer token"), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error         string `json:"error"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error, failureReason string) {
	status := faults.KindOf(err).HTTPStatus()
	if status >= 500 {
		s.logger.Printf("request failed: %v", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), FailureReason: failureReason})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready only when the session store answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
