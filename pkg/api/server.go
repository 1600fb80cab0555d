// Package api exposes a versionstore.Store over HTTP and provides the
// matching client.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/versionstore"
)

const maxBody = 16 << 20

// CreateRequest is the body of POST /api/designs.
type CreateRequest struct {
	Document any `json:"document" jsonschema:"the initial design document"`
}

// UpdateRequest is the body of PUT /api/designs/{id}.
type UpdateRequest struct {
	Document        any   `json:"document" jsonschema:"the proposed design document"`
	ExpectedVersion int64 `json:"expected_version" jsonschema:"the record version the change was based on"`
}

var (
	createSchema = mustResolve[CreateRequest]()
	updateSchema = mustResolve[UpdateRequest]()
)

func mustResolve[T any]() *jsonschema.Resolved {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(err)
	}
	r, err := s.Resolve(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Server serves the design API.
type Server struct {
	store  versionstore.Store
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// NewServer wraps st.
func NewServer(st versionstore.Store, opts ...ServerOption) *Server {
	s := &Server{store: st, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed, traced handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /api/designs", s.create)
	mux.HandleFunc("GET /api/designs", s.list)
	mux.HandleFunc("GET /api/designs/{id}", s.get)
	mux.HandleFunc("PUT /api/designs/{id}", s.update)
	mux.HandleFunc("POST /api/designs/{id}/undo", s.undo)
	mux.HandleFunc("POST /api/designs/{id}/redo", s.redo)
	mux.HandleFunc("GET /api/designs/{id}/history", s.history)
	return otelhttp.NewHandler(mux, "designsync.api")
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	doc, err := decode(r, createSchema, &req, func() any { return req.Document })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.store.Create(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		s.fail(w, r, errmodel.NotFound("design not found", map[string]any{"design_id": id}))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	doc, err := decode(r, updateSchema, &req, func() any { return req.Document })
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.Update(r.Context(), r.PathValue("id"), doc, req.ExpectedVersion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Undo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) redo(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Redo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := errmodel.HTTPStatus(errmodel.From(err)); status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	errmodel.WriteHTTP(w, r, err)
}

// decode validates the body against schema, then decodes it into dst with
// number precision preserved and returns the document field as a Value.
func decode(r *http.Request, schema *jsonschema.Resolved, dst any, field func() any) (document.Value, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return document.Value{}, errmodel.Validation("bad_body", "cannot read request body", nil)
	}
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return document.Value{}, errmodel.InvalidDocument("request body is not valid JSON", nil, err)
	}
	if err := schema.Validate(generic); err != nil {
		return document.Value{}, errmodel.Validation("bad_request", err.Error(), nil)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return document.Value{}, errmodel.Validation("bad_request", fmt.Sprintf("decode request: %v", err), nil)
	}
	return document.FromAny(field())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
