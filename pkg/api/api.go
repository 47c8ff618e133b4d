// Package api serves the engine to local user interfaces over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/platforms"
	"github.com/go-logr/logr"

	"crate/pkg/container"
	"crate/pkg/engine"
	"crate/pkg/errdefs"
	"crate/pkg/events"
	"crate/pkg/mux"
)

type ServerConfig struct {
	Log logr.Logger
	// KeepAlive is the interval of comments written to idle event streams.
	KeepAlive time.Duration
}

func (cfg *ServerConfig) Apply(opts ...ServerOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ServerOption func(cfg *ServerConfig) error

func WithLogger(log logr.Logger) ServerOption {
	return func(cfg *ServerConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithKeepAlive(d time.Duration) ServerOption {
	return func(cfg *ServerConfig) error {
		if d <= 0 {
			return fmt.Errorf("keep alive interval must be positive, got %s", d)
		}
		cfg.KeepAlive = d
		return nil
	}
}

type Server struct {
	log       logr.Logger
	engine    *engine.Engine
	handler   http.Handler
	keepAlive time.Duration
}

func NewServer(e *engine.Engine, opts ...ServerOption) (*Server, error) {
	cfg := ServerConfig{
		Log:       logr.Discard(),
		KeepAlive: 15 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:       cfg.Log,
		engine:    e,
		keepAlive: cfg.KeepAlive,
	}
	m := mux.NewServeMux(s.log)
	m.Handle("GET /healthz", s.readyHandler)
	m.Handle("GET /v1/images", s.listImagesHandler)
	m.Handle("POST /v1/images", s.pullImageHandler)
	m.Handle("POST /v1/images/prune", s.pruneHandler)
	m.Handle("DELETE /v1/images/{ref...}", s.removeImageHandler)
	m.Handle("GET /v1/containers", s.listContainersHandler)
	m.Handle("POST /v1/containers", s.createContainerHandler)
	m.Handle("GET /v1/containers/{id}", s.getContainerHandler)
	m.Handle("POST /v1/containers/{id}/start", s.startContainerHandler)
	m.Handle("POST /v1/containers/{id}/stop", s.stopContainerHandler)
	m.Handle("POST /v1/containers/{id}/wait", s.waitContainerHandler)
	m.Handle("DELETE /v1/containers/{id}", s.deleteContainerHandler)
	m.Handle("GET /v1/events", s.eventsHandler)
	s.handler = m
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) readyHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("ready")
	writeJSON(rw, http.StatusOK, map[string]string{
		"status":   "ok",
		"platform": platforms.Format(s.engine.Platform()),
	})
}

func (s *Server) listImagesHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("images")
	imgs, err := s.engine.Images(req.Context())
	if err != nil {
		s.writeError(rw, fmt.Errorf("could not list images: %w", err))
		return
	}
	writeJSON(rw, http.StatusOK, imgs)
}

type PullRequest struct {
	Reference string `json:"reference"`
}

func (s *Server) pullImageHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("pull")
	body := PullRequest{}
	if err := decodeJSON(rw, req, &body); err != nil {
		s.writeError(rw, err)
		return
	}
	s.log.V(4).Info("pulling image", "reference", body.Reference)
	img, err := s.engine.RequestPull(req.Context(), body.Reference).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, img)
}

func (s *Server) removeImageHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("remove-image")
	ref := req.PathValue("ref")
	_, err := s.engine.RequestRemoveImage(req.Context(), ref).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (s *Server) pruneHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("prune")
	result, err := s.engine.RequestPrune(req.Context()).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, result)
}

func (s *Server) listContainersHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("containers")
	writeJSON(rw, http.StatusOK, s.engine.Containers())
}

type CreateRequest struct {
	Config *container.Config `json:"config,omitempty"`
	Image  string            `json:"image"`
	Name   string            `json:"name,omitempty"`
	Start  bool              `json:"start,omitempty"`
}

func (s *Server) createContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("create")
	// Fields missing from the request config keep their defaults.
	cfg := container.DefaultConfig()
	body := CreateRequest{Config: &cfg}
	if err := decodeJSON(rw, req, &body); err != nil {
		s.writeError(rw, err)
		return
	}
	if body.Config == nil {
		cfg = container.DefaultConfig()
	} else {
		cfg = *body.Config
	}
	c, err := s.engine.RequestCreate(req.Context(), body.Image, body.Name, cfg, nil).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	if body.Start {
		_, err := s.engine.RequestStart(req.Context(), c.ID).Wait(req.Context())
		if err != nil {
			s.writeError(rw, err)
			return
		}
	}
	s.writeContainer(rw, http.StatusCreated, c.ID)
}

func (s *Server) getContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("container")
	s.writeContainer(rw, http.StatusOK, req.PathValue("id"))
}

func (s *Server) startContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("start")
	id := req.PathValue("id")
	_, err := s.engine.RequestStart(req.Context(), id).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.writeContainer(rw, http.StatusOK, id)
}

func (s *Server) stopContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("stop")
	id := req.PathValue("id")
	_, err := s.engine.RequestStop(req.Context(), id).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.writeContainer(rw, http.StatusOK, id)
}

type WaitResponse struct {
	ExitedAt time.Time `json:"exitedAt"`
	Code     int       `json:"code"`
	Stopped  bool      `json:"stopped"`
}

func (s *Server) waitContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("wait")
	status, err := s.engine.RequestWait(req.Context(), req.PathValue("id")).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, WaitResponse{ExitedAt: status.ExitedAt, Code: status.Code, Stopped: status.Stopped})
}

func (s *Server) deleteContainerHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("delete")
	_, err := s.engine.RequestDelete(req.Context(), req.PathValue("id")).Wait(req.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// eventsHandler streams events as server-sent events. Retained events after
// the Last-Event-ID header or the after query parameter are replayed first.
func (s *Server) eventsHandler(rw mux.ResponseWriter, req *http.Request) {
	rw.SetHandler("events")
	after, err := lastEventID(req)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	flusher, ok := rw.(http.Flusher)
	if !ok {
		rw.WriteError(http.StatusInternalServerError, errors.New("response writer does not support streaming"))
		return
	}

	ch, cancel := s.engine.Events().Subscribe()
	defer cancel()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.WriteHeader(http.StatusOK)
	for _, e := range s.engine.Events().Logs(after) {
		if err := writeEvent(rw, e); err != nil {
			return
		}
		after = e.Seq
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(rw, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Seq <= after {
				continue
			}
			if err := writeEvent(rw, e); err != nil {
				s.log.V(4).Info("event stream closed", "error", err)
				return
			}
			after = e.Seq
			flusher.Flush()
		}
	}
}

func lastEventID(req *http.Request) (uint64, error) {
	v := req.Header.Get("Last-Event-ID")
	if q := req.URL.Query().Get("after"); q != "" {
		v = q
	}
	if v == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid event id %q: %w", v, errdefs.ErrInvalidArgument)
	}
	return after, nil
}

func writeEvent(rw http.ResponseWriter, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(rw, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, b)
	return err
}

func (s *Server) writeContainer(rw mux.ResponseWriter, statusCode int, id string) {
	snapshot, err := s.engine.Container(id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, statusCode, snapshot)
}

func (s *Server) writeError(rw mux.ResponseWriter, err error) {
	code := StatusCode(err)
	s.log.V(4).Info("request failed", "status", code, "error", err)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteError(code, err)
	//nolint: errcheck // Ignore
	json.NewEncoder(rw).Encode(ErrorResponse{Error: err.Error()})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusCode maps an engine error to the HTTP status reported for it.
func StatusCode(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAuth(err):
		return http.StatusUnauthorized
	case errdefs.IsNetwork(err):
		return http.StatusServiceUnavailable
	case errdefs.IsInvalidState(err):
		return http.StatusConflict
	case errdefs.IsResource(err):
		return http.StatusInsufficientStorage
	case errdefs.IsBootFailure(err), errdefs.IsIntegrity(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(rw http.ResponseWriter, req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(rw, req.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("could not decode request body: %w: %w", errdefs.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(rw mux.ResponseWriter, statusCode int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	//nolint: errcheck // Ignore
	json.NewEncoder(rw).Encode(v)
}
