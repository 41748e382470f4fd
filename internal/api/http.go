package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/pkg/visqueue"
)

// request bodies carry base64 content of at most queue.MaxContentSize
const maxBodyBytes = 1 << 20

// Options tune the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Logger            logrus.FieldLogger
	RequestTimeout    time.Duration
	VisibilityTimeout time.Duration // used when a receive omits visibility_ms
	ReceiveMax        int           // used when a receive omits max
}

type Server struct {
	queues *visqueue.Client
	logger logrus.FieldLogger
	opts   Options
}

// NewServer returns an http.Server serving the queue API on addr.
func NewServer(addr string, queues *visqueue.Client, opts Options) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(queues, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// NewRouter returns the queue API handler.
func NewRouter(queues *visqueue.Client, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.ReceiveMax <= 0 {
		opts.ReceiveMax = 1
	}
	srv := &Server{
		queues: queues,
		logger: opts.Logger.WithField("component", "api"),
		opts:   opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: opts.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/queues", func(r chi.Router) {
		r.Get("/", srv.handleListQueues)

		r.Route("/{queue}", func(r chi.Router) {
			r.Put("/", srv.handleCreateQueue)
			r.Delete("/", srv.handleDeleteQueue)
			r.Get("/", srv.handleStats)

			// enqueue: POST /v1/queues/{queue}/messages
			r.Post("/messages", srv.handleEnqueue)

			// lease: POST /v1/queues/{queue}/receive
			r.Post("/receive", srv.handleReceive)

			r.Get("/peek", srv.handlePeek)

			r.Put("/messages/{id}", srv.handleUpdate)
			r.Delete("/messages/{id}", srv.handleDelete)
		})
	})

	return r
}

// ---------- wire types ----------

type enqueueRequest struct {
	Content []byte `json:"content"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type receiveRequest struct {
	Max          *int   `json:"max,omitempty"`           // 1..32
	VisibilityMS *int64 `json:"visibility_ms,omitempty"` // 0 is allowed
}

type receiveResponse struct {
	Messages []message `json:"messages"`
}

type updateRequest struct {
	Receipt      string `json:"receipt"`
	Content      []byte `json:"content"`
	VisibilityMS int64  `json:"visibility_ms"`
}

type updateResponse struct {
	Receipt string `json:"receipt"`
}

type message struct {
	ID           string    `json:"id"`
	Content      []byte    `json:"content"`
	InsertedAt   time.Time `json:"inserted_at"`
	VisibleAt    time.Time `json:"visible_at"`
	DequeueCount int       `json:"dequeue_count"`
	Receipt      string    `json:"receipt,omitempty"`
}

type statsResponse struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Visible   int    `json:"visible"`
	Invisible int    `json:"invisible"`
}

type queueResponse struct {
	Name string `json:"name"`
}

type listResponse struct {
	Queues []string `json:"queues"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ---------- handlers ----------

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	names, err := s.queues.ListQueues(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, &listResponse{Queues: names})
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.queues.EnsureCreated(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &queueResponse{Name: q.Name()})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.DeleteQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	st, err := q.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &statsResponse{
		Name:      q.Name(),
		Messages:  st.Messages,
		Visible:   st.Visible,
		Invisible: st.Invisible,
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	delay, err := millis("delay_ms", req.DelayMS)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := q.EnqueueDelayed(r.Context(), req.Content, delay)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{ID: string(id)})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	maxCount := s.opts.ReceiveMax
	if req.Max != nil {
		maxCount = *req.Max
	}
	vis := s.opts.VisibilityTimeout
	if req.VisibilityMS != nil {
		d, err := millis("visibility_ms", *req.VisibilityMS)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		vis = d
	}

	leased, err := q.Lease(r.Context(), maxCount, vis)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := receiveResponse{Messages: []message{}}
	for m := range leased {
		out := toMessage(m.Message)
		out.Receipt = string(m.PopReceipt)
		resp.Messages = append(resp.Messages, out)
	}
	writeJSON(w, http.StatusOK, &resp)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	m, found, err := q.PeekAnyImmediate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toMessage(m))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !s.decode(w, r, &req) {
		return
	}
	vis, err := millis("visibility_ms", req.VisibilityMS)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	receipt, err := q.Update(r.Context(), visqueue.MessageID(chi.URLParam(r, "id")),
		visqueue.PopReceipt(req.Receipt), req.Content, vis)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &updateResponse{Receipt: string(receipt)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q, ok := s.open(w, r)
	if !ok {
		return
	}
	id := visqueue.MessageID(chi.URLParam(r, "id"))
	receipt := visqueue.PopReceipt(r.URL.Query().Get("receipt"))

	if err := q.Delete(r.Context(), id, receipt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- helpers ----------

func (s *Server) open(w http.ResponseWriter, r *http.Request) (*visqueue.Queue, bool) {
	q, err := s.queues.Open(chi.URLParam(r, "queue"))
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return q, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	// an empty body means all defaults
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("%w: invalid json: %v", queue.ErrInvalidArgument, err))
		return false
	}
	return true
}

// millis converts a wire duration, checking the range before the
// multiplication can overflow.
func millis(field string, ms int64) (time.Duration, error) {
	if ms < 0 || ms > queue.MaxVisibilityTimeout.Milliseconds() {
		return 0, fmt.Errorf("%w: %s %d must be between 0 and %d",
			queue.ErrInvalidArgument, field, ms, queue.MaxVisibilityTimeout.Milliseconds())
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func toMessage(m visqueue.Message) message {
	return message{
		ID:           string(m.ID),
		Content:      m.Content,
		InsertedAt:   m.InsertedAt,
		VisibleAt:    m.VisibleAt,
		DequeueCount: m.DequeueCount,
	}
}

// status maps queue errors onto HTTP status codes and stable error codes.
func status(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, queue.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found"
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, queue.ErrReceiptMismatch):
		return http.StatusConflict, "receipt_mismatch"
	case errors.Is(err, queue.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := status(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, code, &errorResponse{Error: err.Error(), Code: name})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
