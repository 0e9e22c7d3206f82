package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
)

// ErrTableNotAllowed is reported for tables outside the handler's allow list.
var ErrTableNotAllowed = errors.New("table not allowed")

// ErrBadRequest marks requests the store would reject regardless of its
// state. Counters wrap it, or their own shape error, to get a 400.
var ErrBadRequest = errors.New("bad count request")

// Counter is the store the handler answers from.
type Counter interface {
	Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error)
}

// Handler serves GET /api/counts.
type Handler struct {
	counter Counter
	allowed map[string]struct{}
	shape   []error
	logger  log.Logger
}

// NewHandler builds a Handler. An empty allowed list permits every table
// outside the system catalogs, which are never served.
// shapeErrs lists counter errors that mean the request itself was invalid.
func NewHandler(counter Counter, allowed []string, logger log.Logger, shapeErrs ...error) *Handler {
	h := &Handler{
		counter: counter,
		shape:   append([]error{ErrBadRequest}, shapeErrs...),
		logger:  log.With(log.OrNoop(logger), map[string]any{"component": "aggregate"}),
	}
	if len(allowed) > 0 {
		h.allowed = make(map[string]struct{}, len(allowed))
		for _, t := range allowed {
			h.allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
	return h
}

// Routes returns a mux with the handler mounted on CountsPath.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+CountsPath, h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := strings.ToLower(strings.TrimSpace(q.Get("table")))
	if table == "" {
		writeError(w, http.StatusBadRequest, "table is required")
		return
	}
	filters, err := domain.DecodeFilters(q.Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if isSystemTable(table) {
		writeError(w, http.StatusNotFound, ErrTableNotAllowed.Error())
		return
	}
	if h.allowed != nil {
		if _, ok := h.allowed[table]; !ok {
			writeError(w, http.StatusNotFound, ErrTableNotAllowed.Error())
			return
		}
	}

	n, err := h.counter.Count(r.Context(), table, filters)
	if err != nil {
		if h.isShapeErr(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Warn(map[string]any{
			"table": table,
			"error": err,
		}, "Count failed")
		writeError(w, http.StatusBadGateway, "count unavailable")
		return
	}

	h.logger.Debug(map[string]any{"table": table, "filters": len(filters), "total": n}, "Served count")
	writeJSON(w, http.StatusOK, map[string]any{"total": n})
}

// AllowsAll reports whether the handler runs without an allow list.
func (h *Handler) AllowsAll() bool { return h.allowed == nil }

// isSystemTable matches Postgres catalog relations, qualified or not.
func isSystemTable(table string) bool {
	schema, name, qualified := strings.Cut(table, ".")
	if !qualified {
		return strings.HasPrefix(schema, "pg_")
	}
	return schema == "information_schema" || strings.HasPrefix(schema, "pg_") || strings.HasPrefix(name, "pg_")
}

func (h *Handler) isShapeErr(err error) bool {
	for _, target := range h.shape {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
