package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-go-golems/asynclang/pkg/conversation"
	"github.com/go-go-golems/asynclang/pkg/store"
	"github.com/go-go-golems/asynclang/pkg/threads"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// Server exposes the thread service over HTTP.
type Server struct {
	service  *threads.Service
	limiter  *limiterPool
	gatherer prometheus.Gatherer
	banner   string
}

type ServerOption func(*Server)

// WithRateLimit bounds prompt submissions per client address.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = newLimiterPool(rps, burst)
	}
}

// WithGatherer serves the given registry on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithBanner(banner string) ServerOption {
	return func(s *Server) {
		s.banner = banner
	}
}

func NewServer(service *threads.Service, options ...ServerOption) *Server {
	s := &Server{
		service:  service,
		limiter:  newLimiterPool(DefaultRPS, DefaultBurst),
		gatherer: prometheus.DefaultGatherer,
		banner:   "asynclang thread service",
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.index).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/threads", s.createThread).Methods(http.MethodPost)
	api.HandleFunc("/threads", s.listThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}", s.getThread).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}", s.updateThread).Methods(http.MethodPatch)
	api.HandleFunc("/threads/{id}", s.deleteThread).Methods(http.MethodDelete)
	api.HandleFunc("/threads/{id}/messages", s.postMessage).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/messages/{message_id}", s.getMessage).Methods(http.MethodGet)
	api.HandleFunc("/threads/{id}/webhook/mcp", s.postNotification).Methods(http.MethodPost)

	r.Use(logRequests)
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": s.banner})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.service.CreateThread(r.Context(), req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t.Summary())
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	ts, err := s.service.ListThreads(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	ret := make([]*conversation.Thread, 0, len(ts))
	for _, t := range ts {
		ret = append(ret, t.Summary())
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.service.GetThread(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := newThreadView(t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) updateThread(w http.ResponseWriter, r *http.Request) {
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateThreadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.service.UpdateTitle(r.Context(), id, req.Title, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Summary())
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.service.DeleteThread(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "thread deleted"})
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		writeError(w, r, ErrRateLimited)
		return
	}
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.service.SubmitPrompt(r.Context(), id, req.Content, threads.PromptOptions{ParentID: req.ParentID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:   string(conversation.TaskStateQueued),
		ThreadID: id,
		TaskID:   task.ID,
	})
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		writeError(w, r, ErrRateLimited)
		return
	}
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var n threads.Notification
	if err := decodeBody(w, r, &n); err != nil {
		writeError(w, r, err)
		return
	}
	task, err := s.service.SubmitNotification(r.Context(), id, n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:   string(conversation.TaskStateQueued),
		ThreadID: id,
		TaskID:   task.ID,
	})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.service.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	id, err := threadIDFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgID, err := conversation.ParseNodeID(mux.Vars(r)["message_id"])
	if err != nil {
		// a malformed id cannot name a stored message
		writeError(w, r, errors.Wrap(store.ErrMessageNotFound, err.Error()))
		return
	}
	m, err := s.service.GetMessage(r.Context(), id, msgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func threadIDFromRequest(r *http.Request) (conversation.ThreadID, error) {
	id, err := conversation.ParseThreadID(mux.Vars(r)["id"])
	if err != nil {
		return conversation.NullThread, errors.Wrap(store.ErrThreadNotFound, err.Error())
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &store.ValidationError{Field: "body", Reason: "invalid json: " + err.Error()}
	}
	return nil
}
