package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pagespace/history/internal/codec"
	"pagespace/history/internal/diff"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/rollback"
	"pagespace/history/internal/util"
	"pagespace/history/internal/version"
)

// DefaultMaxBodyBytes bounds version and restore request bodies.
const DefaultMaxBodyBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	maxBody    int64
}

type HTTPOptions struct {
	CORSOrigin string
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		maxBody:    opts.MaxBodyBytes,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failures := s.service.Ping(ctx)
		checks := make(map[string]any, len(s.service.checks))
		for name := range s.service.checks {
			if err, failed := failures[name]; failed {
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}
		status, statusCode := "ready", http.StatusOK
		if len(failures) > 0 {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.gatherer != nil {
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/sweep" {
		var body struct {
			Now *time.Time `json:"now"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var now time.Time
		if body.Now != nil {
			now = *body.Now
		}
		expired, err := s.service.Sweep(r.Context(), now)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"expired": expired})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, parts[2], parts)
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "versions" {
		s.handleVersions(w, r, parts[2], parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	if len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodPost {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body CreateVersionInput
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateVersion(r.Context(), documentID, actor, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if result.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"version": result.Version, "deduplicated": result.Deduplicated})
		return
	}

	if len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodGet {
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		items, err := s.service.ListVersions(r.Context(), documentID, page)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload := map[string]any{"documentId": documentID, "versions": items}
		if len(items) > 0 {
			payload["nextBeforeSeq"] = items[len(items)-1].Seq
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 && parts[3] == "versions" && parts[4] == "latest" && r.Method == http.MethodGet {
		latest, err := s.service.LatestVersion(r.Context(), documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": latest})
		return
	}

	if len(parts) == 4 && parts[3] == "compare" && r.Method == http.MethodGet {
		from := strings.TrimSpace(r.URL.Query().Get("from"))
		to := strings.TrimSpace(r.URL.Query().Get("to"))
		if from == "" || to == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from and to version ids are required", nil)
			return
		}
		payload, err := s.service.Compare(r.Context(), documentID, from, to)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 4 && parts[3] == "restore" && r.Method == http.MethodPost {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body rollback.Request
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.Restore(r.Context(), documentID, actor, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusCreated
		if outcome.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, outcome)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, versionID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		snapshot, err := s.service.GetVersion(r.Context(), versionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if len(parts) == 4 && parts[3] == "pin" && r.Method == http.MethodPost {
		var body struct {
			Until time.Time `json:"until"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		pinned, err := s.service.PinVersion(r.Context(), versionID, body.Until)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": pinned})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// fail writes the mapped error and logs anything unexpected.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().
			Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-Actor-ID header is required", nil)
		return "", false
	}
	return actor, true
}

func pageFromQuery(r *http.Request) (version.Page, error) {
	var page version.Page
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return page, fmt.Errorf("limit must be a positive integer")
		}
		page.Limit = limit
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("beforeSeq")); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || before <= 0 {
			return page, fmt.Errorf("beforeSeq must be a positive integer")
		}
		page.BeforeSeq = before
	}
	return page, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := routeTemplate(r.URL.Path)
		s.metrics.ObserveHTTP(r.Method, route, writer.status, elapsed)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Str("actor_id", strings.TrimSpace(r.Header.Get("X-Actor-ID"))).
			Int("status", writer.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// routeTemplate replaces IDs in the path so metric labels stay bounded.
func routeTemplate(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && (parts[1] == "documents" || parts[1] == "versions") {
		parts[2] = ":id"
		if len(parts) > 5 {
			parts = parts[:5]
		}
		return "/" + strings.Join(parts, "/")
	}
	switch path {
	case "/api/health", "/api/ready", "/api/admin/sweep", "/metrics":
		return path
	}
	return "other"
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr   *DomainError
		validation  *version.ValidationError
		stale       *version.StaleBaseError
		unknown     *rollback.UnknownSectionError
		unavailable *diff.Unavailable
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"field": validation.Field}
	case errors.Is(err, rollback.ErrEmptySelection):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"field": "selectedSectionIds"}
	case errors.Is(err, version.ErrExpired):
		return http.StatusGone, "VERSION_EXPIRED", "Version has expired", nil
	case errors.Is(err, version.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.As(err, &stale):
		return http.StatusConflict, "STALE_BASE", "Document changed since it was loaded; refresh and try again", map[string]any{
			"expectedHeadId": stale.ExpectedHeadID,
			"actualHeadId":   stale.ActualHeadID,
		}
	case errors.Is(err, version.ErrSequenceConflict):
		return http.StatusConflict, "SEQUENCE_CONFLICT", "Too many concurrent saves; try again", nil
	case errors.As(err, &unknown):
		return http.StatusUnprocessableEntity, "UNKNOWN_SECTION", "Selected sections do not exist in either version", map[string]any{
			"sectionIds": unknown.SectionIDs,
		}
	case errors.Is(err, diff.ErrDocumentMismatch):
		return http.StatusUnprocessableEntity, "DOCUMENT_MISMATCH", "Versions belong to different documents", nil
	case errors.As(err, &unavailable):
		return http.StatusUnprocessableEntity, "CONTENT_UNAVAILABLE", "Version content cannot be read", map[string]any{
			"versionId": unavailable.VersionID,
			"cause":     unavailable.Cause,
		}
	case errors.Is(err, codec.ErrCorrupted):
		return http.StatusUnprocessableEntity, "CONTENT_UNAVAILABLE", "Version content cannot be read", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
