// Package ipc exposes a session over HTTP: commands are posted as JSON and
// events stream back as Server-Sent Events.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/midifile"
	"github.com/cadenzaio/cadenza/musicxml"
	"github.com/cadenzaio/cadenza/omr"
	"github.com/cadenzaio/cadenza/session"
	"github.com/cadenzaio/cadenza/synth"
	"github.com/cadenzaio/cadenza/version"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

type (
	// Session is the part of session.Session the server uses.
	Session interface {
		ID() string
		Do(ctx context.Context, cmd session.Command) (any, error)
		Subscribe(buffer int) (<-chan session.Event, func())
	}

	Server struct {
		session Session
		log     *logrus.Entry
		handler http.Handler
	}

	Options struct {
		// AllowedOrigins are the origins a browser front end may be served
		// from. Empty allows any origin.
		AllowedOrigins []string
		Log            *logrus.Entry
	}

	errorBody struct {
		Error string `json:"error"`
	}

	resultBody struct {
		Result any `json:"result"`
	}
)

const (
	maxBodySize    = 1 << 20
	commandTimeout = 10 * time.Second
	eventBuffer    = 256
	keepAlive      = 15 * time.Second
)

func NewServer(s Session, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	srv := &Server{session: s, log: log.WithField("component", "ipc")}
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/commands", srv.handleCommandNames).Methods(http.MethodGet)
	api.HandleFunc("/commands/{name}", srv.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/events", srv.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/state", srv.handleState).Methods(http.MethodGet)
	api.HandleFunc("/version", srv.handleVersion).Methods(http.MethodGet)
	router.Use(srv.logRequests)
	srv.handler = cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)
	return srv
}

func (srv *Server) Handler() http.Handler { return srv.handler }

// ListenAndServe serves on addr until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s failed: %w", addr, err)
	}
	return srv.Serve(ctx, l)
}

func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(l) }()
	srv.log.WithField("addr", l.Addr().String()).Info("IPC bridge listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		srv.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func (srv *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		srv.writeError(w, fmt.Errorf("%w: %v", session.ErrBadCommand, err))
		return
	}
	cmd, err := session.DecodeCommand(name, body)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	res, err := srv.session.Do(ctx, cmd)
	if err != nil {
		srv.log.WithError(err).WithField("command", name).Info("command failed")
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{res})
}

func (srv *Server) handleCommandNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session.CommandNames())
}

func (srv *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	res, err := srv.session.Do(ctx, session.GetSessionState{})
	if err != nil {
		srv.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (srv *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// handleEvents streams every session event as an SSE message named after
// the event. A client that cannot keep up loses events rather than slowing
// the session down.
func (srv *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := srv.session.Subscribe(eventBuffer)
	defer unsubscribe()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": session %s\n\n", srv.session.ID())
	flusher.Flush()
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	var id uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				srv.log.WithError(err).WithField("event", e.EventName()).Error("encoding event failed")
				continue
			}
			id++
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, e.EventName(), data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		srv.log.WithError(err).Error("internal error")
	}
	writeJSON(w, status, errorBody{err.Error()})
}

// StatusFor maps the errors of the session to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBadCommand),
		errors.Is(err, cadenza.ErrInvalidLoopRange),
		errors.Is(err, cadenza.ErrInvalidTempoMultiplier),
		errors.Is(err, cadenza.ErrInvalidScore),
		errors.Is(err, cadenza.ErrInvalidTempoMap),
		errors.Is(err, midifile.ErrMalformed),
		errors.Is(err, musicxml.ErrMalformed),
		errors.Is(err, musicxml.ErrUnsupported),
		errors.Is(err, omr.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownCommand),
		errors.Is(err, cadenza.ErrDeviceNotFound),
		errors.Is(err, omr.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoScore),
		errors.Is(err, session.ErrMonitorDisabled),
		errors.Is(err, session.ErrConversionRunning),
		errors.Is(err, synth.ErrNoSoundFont):
		return http.StatusConflict
	case errors.Is(err, session.ErrAudioUnavailable),
		errors.Is(err, cadenza.ErrNoDriver),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
