// Package api serves the operational HTTP endpoints: manual scans, scan
// status, catalog lookups, health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"market_alerts/internal/catalog"
	"market_alerts/internal/model"
	"market_alerts/internal/scheduler"
	"market_alerts/internal/session"
	"market_alerts/internal/storage"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Alerts loads persisted alerts.
type Alerts interface {
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
}

// Scans triggers and inspects alert scans.
type Scans interface {
	TriggerNow(ctx context.Context, alertID int64) error
	Status(alertID int64) (scheduler.Status, bool)
}

// Catalog serves brand and category lookups.
type Catalog interface {
	Lookup(ctx context.Context, kind model.CatalogKind, query, segment string, limit int, force bool) (catalog.Result, error)
	Tree(ctx context.Context, segment string, force bool) ([]*model.CategoryNode, catalog.Source, error)
}

// Server holds the API dependencies.
type Server struct {
	alerts  Alerts
	scans   Scans
	catalog Catalog
	metrics http.Handler
	log     *slog.Logger
}

// New creates a Server. metrics may be nil.
func New(alerts Alerts, scans Scans, cat Catalog, metrics http.Handler, log *slog.Logger) *Server {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{alerts: alerts, scans: scans, catalog: cat, metrics: metrics, log: log}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/healthz"))

	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/alerts/{id}", func(r chi.Router) {
		r.Post("/run", s.runAlert)
		r.Get("/status", s.alertStatus)
	})

	r.Route("/catalog/{segment}", func(r chi.Router) {
		r.Use(requireSegment)
		r.Get("/brands", s.lookup(model.KindBrand))
		r.Get("/categories", s.lookup(model.KindCategory))
		r.Get("/categories/tree", s.categoryTree)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down within grace.
func (s *Server) Run(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func requireSegment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seg := chi.URLParam(r, "segment"); !session.KnownSegment(seg) {
			writeError(w, http.StatusNotFound, "unknown segment "+strconv.Quote(seg))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type runResponse struct {
	AlertID int64  `json:"alert_id"`
	Status  string `json:"status"`
}

func (s *Server) runAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	err := s.scans.TriggerNow(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, runResponse{AlertID: id, Status: string(scheduler.PhaseQueued)})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, scheduler.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("trigger scan", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "trigger failed")
	}
}

type statusResponse struct {
	scheduler.Status
	Active        bool       `json:"active"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFound     int        `json:"last_found"`
	TotalFound    int        `json:"total_found"`
	CheckError    string     `json:"check_error,omitempty"`
}

func (s *Server) alertStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	a, err := s.alerts.GetAlert(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.log.Error("get alert", "alert_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "status failed")
		return
	}

	st, _ := s.scans.Status(id)
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        st,
		Active:        a.IsActive,
		LastCheckAt:   a.LastCheckAt,
		LastSuccessAt: a.LastSuccessAt,
		LastFound:     a.LastFoundCount,
		TotalFound:    a.TotalFoundCount,
		CheckError:    a.LastError,
	})
}

type entryJSON struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug,omitempty"`
	ParentID  int64     `json:"parent_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	ItemCount int       `json:"item_count,omitempty"`
	Popular   bool      `json:"popular,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toEntryJSON(e model.CatalogEntry) entryJSON {
	return entryJSON{
		ID:        e.ExternalID,
		Name:      e.Name,
		Slug:      e.Slug,
		ParentID:  e.ParentID,
		Path:      e.Path,
		ItemCount: e.ItemCount,
		Popular:   e.IsPopular,
		UpdatedAt: e.UpdatedAt,
	}
}

type lookupResponse struct {
	Source  catalog.Source `json:"source"`
	Entries []entryJSON    `json:"entries"`
}

func (s *Server) lookup(kind model.CatalogKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		segment := chi.URLParam(r, "segment")
		q := r.URL.Query()
		query := q.Get("q")
		if query == "" {
			writeError(w, http.StatusBadRequest, "q is required")
			return
		}
		limit := defaultLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxLimit)
		}
		force, _ := strconv.ParseBool(q.Get("refresh"))

		res, err := s.catalog.Lookup(r.Context(), kind, query, segment, limit, force)
		if err != nil {
			s.log.Error("catalog lookup", "kind", kind, "segment", segment, "error", err)
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		out := lookupResponse{Source: res.Source, Entries: make([]entryJSON, 0, len(res.Entries))}
		for _, e := range res.Entries {
			out.Entries = append(out.Entries, toEntryJSON(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type nodeJSON struct {
	entryJSON
	Children []nodeJSON `json:"children,omitempty"`
}

func toNodes(nodes []*model.CategoryNode) []nodeJSON {
	out := make([]nodeJSON, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeJSON{entryJSON: toEntryJSON(n.CatalogEntry), Children: toNodes(n.Children)})
	}
	return out
}

type treeResponse struct {
	Source catalog.Source `json:"source"`
	Tree   []nodeJSON     `json:"tree"`
}

func (s *Server) categoryTree(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "segment")
	force, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	roots, source, err := s.catalog.Tree(r.Context(), segment, force)
	if err != nil {
		s.log.Error("category tree", "segment", segment, "error", err)
		writeError(w, http.StatusInternalServerError, "tree failed")
		return
	}
	writeJSON(w, http.StatusOK, treeResponse{Source: source, Tree: toNodes(roots)})
}

func alertID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
