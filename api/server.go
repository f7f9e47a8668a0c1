// Package api serves the attester over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/attest"
	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/game"
)

const maxBodyBytes = 1 << 20

// Server is the attester's HTTP front end.
type Server struct {
	svc    *attest.Service
	log    *zap.Logger
	router *mux.Router
	srv    *http.Server
	ln     net.Listener

	createLim, heartbeatLim, verifyLim *originLimiter
}

// NewServer builds the router. limits are applied per caller origin.
func NewServer(addr string, svc *attest.Service, limits Limits, log *zap.Logger) (*Server, error) {
	s := &Server{svc: svc, log: log, router: mux.NewRouter()}
	var err error
	if s.createLim, err = newOriginLimiter(limits.CreateSession, limits.MaxOrigins); err != nil {
		return nil, err
	}
	if s.heartbeatLim, err = newOriginLimiter(limits.Heartbeat, limits.MaxOrigins); err != nil {
		return nil, err
	}
	if s.verifyLim, err = newOriginLimiter(limits.Verify, limits.MaxOrigins); err != nil {
		return nil, err
	}
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/attester", s.attesterKey).Methods(http.MethodGet)
	s.router.Handle("/v1/sessions", s.limited(s.createLim, s.createSession)).Methods(http.MethodPost)
	s.router.Handle("/v1/sessions/{id}/heartbeats", s.limited(s.heartbeatLim, s.heartbeat)).Methods(http.MethodPost)
	s.router.Handle("/v1/sessions/{id}/verify", s.limited(s.verifyLim, s.verify)).Methods(http.MethodPost)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the port synchronously then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("attester http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts down gracefully, waiting up to 5 seconds for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// ---- middleware ----

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("origin", originOf(r)),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) limited(lim *originLimiter, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow(originOf(r)) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, errorsmod.Wrapf(core.ErrRateLimited, "%s %s", r.Method, r.URL.Path))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(w, r)
	})
}

// ---- handlers ----

type createSessionRequest struct {
	Owner string `json:"owner"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Seed      string    `json:"seed"`
	ExpiresAt time.Time `json:"expires_at"`
}

type heartbeatRequest struct {
	Index uint64 `json:"index"`
}

type verifyRequest struct {
	Owner       string              `json:"owner"`
	Score       uint64              `json:"score"`
	ContentHash string              `json:"content_hash"`
	Inputs      []game.InputEvent   `json:"inputs"`
	Heartbeats  []cadence.Heartbeat `json:"heartbeats"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) attesterKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": s.svc.PublicKey()})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.svc.CreateSession(req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Seed:      sess.Seed,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hb, err := s.svc.Heartbeat(mux.Vars(r)["id"], req.Index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	att, err := s.svc.Verify(attest.VerifyRequest{
		SessionID:   mux.Vars(r)["id"],
		Owner:       req.Owner,
		Score:       req.Score,
		ContentHash: req.ContentHash,
		Inputs:      req.Inputs,
		Heartbeats:  req.Heartbeats,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errorsmod.Wrapf(core.ErrInvalidRequest, "decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
