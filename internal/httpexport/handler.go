// Package httpexport serves a read-only JSON view of the running server on
// sockets the mux classified as HTTP.
package httpexport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/swaggo/swag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/harmonyd/internal/cfgstore"
	"pkt.systems/harmonyd/internal/history"
	"pkt.systems/harmonyd/internal/session"
	"pkt.systems/harmonyd/internal/svcfields"
	"pkt.systems/harmonyd/internal/version"
)

// Source produces snapshots. Implementations must not hand out state that
// the dispatch loop keeps mutating.
type Source interface {
	Sessions(ctx context.Context) ([]session.Info, error)
	History(ctx context.Context, name string, since int) ([]history.Entry, error)
	Lookup(ctx context.Context, name, key string) (string, error)
}

// Options configures the handler.
type Options struct {
	Source  Source
	Logger  pslog.Logger
	Tracing bool
	// Timeout bounds how long a request waits for the dispatch loop.
	Timeout time.Duration
}

// Handler routes the exporter endpoints.
type Handler struct {
	src     Source
	logger  pslog.Logger
	tracer  trace.Tracer
	tracing bool
	timeout time.Duration
	mux     *http.ServeMux
	started time.Time
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail,omitempty"`
}

// SessionsResponse lists every session.
type SessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

// HistoryEntry is one logged configuration.
type HistoryEntry struct {
	Index  []int64   `json:"idx"`
	Perf   float64   `json:"perf"`
	Client int64     `json:"client"`
	Time   time.Time `json:"time"`
}

// HistoryResponse pages through a session's history.
type HistoryResponse struct {
	Session string         `json:"session"`
	Since   int            `json:"since"`
	Next    int            `json:"next"`
	Entries []HistoryEntry `json:"entries"`
}

// ConfigResponse carries one config value.
type ConfigResponse struct {
	Session string `json:"session,omitempty"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return h.Code + ": " + h.Detail
	}
	return h.Code
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New builds the handler.
func New(opts Options) (*Handler, error) {
	if opts.Source == nil {
		return nil, errors.New("httpexport: source required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	h := &Handler{
		src:     opts.Source,
		logger:  svcfields.WithSubsystem(opts.Logger, "http.export"),
		tracer:  otel.Tracer("pkt.systems/harmonyd/httpexport"),
		tracing: opts.Tracing,
		timeout: opts.Timeout,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	h.mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
	h.mux.Handle("GET /api/v1/sessions", h.wrap("sessions", h.handleSessions))
	h.mux.Handle("GET /api/v1/sessions/{name}/history", h.wrap("history", h.handleHistory))
	h.mux.Handle("GET /api/v1/config", h.wrap("config", h.handleConfig))
	h.mux.Handle("GET /api/v1/openapi.json", h.wrap("openapi", h.handleOpenAPI))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "harmonyd.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "harmonyd.export."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("harmonyd.route", r.URL.Path)))
			defer span.End()
		}
		logger := h.logger.With("method", r.Method, "path", r.URL.Path)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

// handleOpenAPI serves the exporter's API description.
//
// @Summary  OpenAPI document
// @Produce  json
// @Success  200
// @Router   /api/v1/openapi.json [get]
func (h *Handler) handleOpenAPI(w http.ResponseWriter, r *http.Request) error {
	doc, err := swag.ReadDoc(DocName)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
	return nil
}

// @Summary  Liveness and build version
// @Produce  json
// @Success  200 {object} HealthResponse
// @Router   /healthz [get]
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Current(),
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
	return nil
}

// @Summary  List tuning sessions
// @Produce  json
// @Success  200 {object} SessionsResponse
// @Failure  503 {object} ErrorResponse
// @Router   /api/v1/sessions [get]
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) error {
	infos, err := h.src.Sessions(r.Context())
	if err != nil {
		return err
	}
	if infos == nil {
		infos = []session.Info{}
	}
	h.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: infos})
	return nil
}

// @Summary  Page through a session's performance history
// @Produce  json
// @Param    name  path  string true  "Session name"
// @Param    since query int    false "First entry to return"
// @Success  200 {object} HistoryResponse
// @Failure  400 {object} ErrorResponse
// @Router   /api/v1/sessions/{name}/history [get]
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("name")
	if !history.ValidSessionName(name) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_session", Detail: "invalid session name"}
	}
	since := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_since", Detail: "since must be a non-negative integer"}
		}
		since = n
	}
	entries, err := h.src.History(r.Context(), name, since)
	if err != nil {
		return err
	}
	resp := HistoryResponse{Session: name, Since: since, Next: since + len(entries), Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntry{Index: e.Index, Perf: e.Perf, Client: e.Client, Time: e.Time})
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

// @Summary  Look up a server or session config value
// @Produce  json
// @Param    key     query string true  "Config key"
// @Param    session query string false "Session name"
// @Success  200 {object} ConfigResponse
// @Failure  404 {object} ErrorResponse
// @Router   /api/v1/config [get]
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	key := strings.TrimSpace(q.Get("key"))
	if key == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_key", Detail: "key required"}
	}
	name := strings.TrimSpace(q.Get("session"))
	value, err := h.src.Lookup(r.Context(), name, key)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, ConfigResponse{Session: name, Key: cfgstore.Normalize(key), Value: value})
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	herr := convertError(err)
	if herr.Status >= http.StatusInternalServerError {
		pslog.LoggerFromContext(ctx).Error("http.request.failure", "status", herr.Status, "code", herr.Code, "error", err)
	}
	h.writeJSON(w, herr.Status, ErrorResponse{ErrorCode: herr.Code, Detail: herr.Detail})
}

func convertError(err error) httpError {
	var herr httpError
	if errors.As(err, &herr) {
		return herr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return httpError{Status: http.StatusServiceUnavailable, Code: "unavailable", Detail: "server loop did not answer in time"}
	}
	if errors.Is(err, cfgstore.ErrNotFound) {
		return httpError{Status: http.StatusNotFound, Code: session.CodeUnknownKey, Detail: err.Error()}
	}
	if errors.Is(err, cfgstore.ErrInvalidKey) {
		return httpError{Status: http.StatusBadRequest, Code: session.CodeInvalidKey, Detail: err.Error()}
	}
	var failure *session.Failure
	if errors.As(err, &failure) {
		status := http.StatusBadRequest
		if failure.Code == session.CodeUnknownSession {
			status = http.StatusNotFound
		}
		return httpError{Status: status, Code: failure.Code, Detail: failure.Detail}
	}
	return httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: "internal server error"}
}
