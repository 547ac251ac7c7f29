package controlapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/config"
)

const maxConfigSize = 1 << 20

// Store is the host configuration managed through the API.
type Store interface {
	Snapshot() config.File
	Replace(f config.File) error
	Reset()
}

// ContextResetter drops connection contexts after the configuration changes.
type ContextResetter interface {
	RemoveAll(reason string)
}

// Server serves the control API.
type Server struct {
	ctx      context.Context
	store    Store
	contexts ContextResetter
	srv      *http.Server
}

func NewServer(ctx context.Context, store Store, contexts ContextResetter) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Server{ctx: ctx, store: store, contexts: contexts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /alive", s.alive)
	mux.HandleFunc("GET /config", s.getConfig)
	mux.HandleFunc("PUT /config", s.putConfig)
	mux.HandleFunc("POST /reset", s.reset)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve serves API requests on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) alive(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.store.Snapshot()); err != nil {
		log.WithError(err).Warn("control api: write config")
	}
}

// putConfig accepts YAML or JSON.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigSize))
	if err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeText(w, code, err.Error())
		return
	}

	f, err := config.Parse(data)
	if err == nil {
		err = s.store.Replace(f)
	}
	if err != nil {
		log.WithError(err).Info("control api: rejected config")
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	s.contexts.RemoveAll("config changed")
	log.WithFields(log.Fields{"ntlmHosts": len(f.NtlmHosts), "ssoHosts": len(f.SsoHosts)}).Info("control api: config replaced")
	writeText(w, http.StatusOK, "OK")
}

func (s *Server) reset(w http.ResponseWriter, _ *http.Request) {
	s.store.Reset()
	s.contexts.RemoveAll("config reset")
	log.Info("control api: config reset")
	writeText(w, http.StatusOK, "OK")
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg+"\n")
}
