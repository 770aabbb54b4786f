// Package httpapi exposes the annotation store and page-sync coordinator
// over HTTP: annotation CRUD for the host UI, a lazy-render notification
// endpoint for the document renderer, and event feeds (paged and live)
// for peers.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/readmark/pagesync/internal/annostore"
	"github.com/readmark/pagesync/internal/pagesync"
)

// Scroller is the optional hook into the host document view: when set,
// a lazy-render notification scrolls the view, and the view's own render
// callback drives the coordinator.
type Scroller interface {
	ScrollTo(page int)
}

type ServerConfig struct {
	TokenSecret     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Scroller        Scroller
}

type Server struct {
	store       *annostore.Store
	coord       *pagesync.Coordinator
	cfg         ServerConfig
	rateLimiter *rateLimiter
	schema      *jsonschema.Schema
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *annostore.Store, coord *pagesync.Coordinator) *Server {
	return NewServerWithConfig(store, coord, ServerConfig{})
}

func NewServerWithConfig(store *annostore.Store, coord *pagesync.Coordinator, cfg ServerConfig) *Server {
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schema, err := compileAnnotationSchema()
	if err != nil {
		// The schema is a compile-time constant; failing to build it is a
		// programming error, not a runtime condition.
		log.Printf("httpapi: annotation schema unavailable, validation disabled: %v", err)
	}
	return &Server{
		store:       store,
		coord:       coord,
		cfg:         cfg,
		rateLimiter: limiter,
		schema:      schema,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}
	if r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet {
		s.handleEventStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	documentID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "annotations" && r.Method == http.MethodPost:
		requiredScope = "annotations:write"
		route = "add"
	case len(parts) == 4 && parts[3] == "annotations" && r.Method == http.MethodGet:
		requiredScope = "annotations:read"
		route = "list"
	case len(parts) == 5 && parts[3] == "annotations" && parts[4] == "bulk" && r.Method == http.MethodPost:
		requiredScope = "annotations:write"
		route = "bulk_add"
	case len(parts) == 5 && parts[3] == "annotations" && r.Method == http.MethodGet:
		requiredScope = "annotations:read"
		route = "get"
	case len(parts) == 5 && parts[3] == "annotations" && r.Method == http.MethodPut:
		requiredScope = "annotations:write"
		route = "update"
	case len(parts) == 5 && parts[3] == "annotations" && r.Method == http.MethodDelete:
		requiredScope = "annotations:write"
		route = "delete"
	case len(parts) == 6 && parts[3] == "annotations" && parts[5] == "target" && r.Method == http.MethodPatch:
		requiredScope = "annotations:write"
		route = "update_target"
	case len(parts) == 6 && parts[3] == "pages" && parts[5] == "rendered" && r.Method == http.MethodPost:
		requiredScope = "pages:render"
		route = "page_rendered"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.TokenSecret, documentID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserName) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "add":
		s.handleAddAnnotation(w, r, documentID, correlationID)
	case "list":
		writeJSON(w, http.StatusOK, map[string]any{"annotations": s.store.ListAnnotations(documentID)})
	case "bulk_add":
		s.handleBulkAddAnnotation(w, r, documentID, correlationID)
	case "get":
		s.handleGetAnnotation(w, r, documentID, parts[4], correlationID)
	case "update":
		s.handleUpdateAnnotation(w, r, documentID, parts[4], correlationID)
	case "delete":
		s.handleDeleteAnnotation(w, documentID, parts[4], correlationID)
	case "update_target":
		s.handleUpdateTarget(w, r, documentID, parts[4], correlationID)
	case "page_rendered":
		s.handlePageRendered(w, parts[4], correlationID)
	case "events":
		s.handleEvents(w, r, documentID, correlationID)
	}
}

type selectorPayload struct {
	Page *int `json:"page,omitempty"`
}

type targetPayload struct {
	Selectors []selectorPayload `json:"selectors"`
}

type annotationPayload struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"`
	Color   string        `json:"color,omitempty"`
	Quote   string        `json:"quote,omitempty"`
	Comment string        `json:"comment,omitempty"`
	Target  targetPayload `json:"target"`
}

func (p annotationPayload) toAnnotation(documentID string) annostore.Annotation {
	target := annostore.Target{AnnotationID: p.ID}
	for _, sel := range p.Target.Selectors {
		target.Selectors = append(target.Selectors, annostore.Selector{Page: sel.Page})
	}
	return annostore.Annotation{
		ID:         p.ID,
		DocumentID: documentID,
		Kind:       annostore.Kind(p.Kind),
		Color:      p.Color,
		Quote:      p.Quote,
		Comment:    p.Comment,
		Target:     target,
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeAnnotation(w http.ResponseWriter, r *http.Request, correlationID string) (annotationPayload, bool) {
	body, ok := s.readBody(w, r)
	if !ok {
		return annotationPayload{}, false
	}
	if err := validateAnnotationPayload(s.schema, body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_annotation", err.Error(), correlationID)
		return annotationPayload{}, false
	}
	var payload annotationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed json body", correlationID)
		return annotationPayload{}, false
	}
	return payload, true
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	payload, ok := s.decodeAnnotation(w, r, correlationID)
	if !ok {
		return
	}
	if !s.coord.AddAnnotation(payload.toAnnotation(documentID), annostore.OriginLocal) {
		writeError(w, http.StatusConflict, "duplicate_annotation", "annotation id already exists", correlationID)
		return
	}
	annotation, _ := s.store.GetAnnotation(payload.ID)
	writeJSON(w, http.StatusCreated, annotation)
}

func (s *Server) handleBulkAddAnnotation(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var payload struct {
		Annotations []json.RawMessage `json:"annotations"`
		Replace     bool              `json:"replace"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed json body", correlationID)
		return
	}
	annotations := make([]annostore.Annotation, 0, len(payload.Annotations))
	for i, raw := range payload.Annotations {
		if err := validateAnnotationPayload(s.schema, raw); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_annotation",
				fmt.Sprintf("annotation %d: %v", i, err), correlationID)
			return
		}
		var item annotationPayload
		if err := json.Unmarshal(raw, &item); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "malformed json body", correlationID)
			return
		}
		annotations = append(annotations, item.toAnnotation(documentID))
	}
	rejected := s.coord.BulkAddAnnotation(annotations, payload.Replace, annostore.OriginLocal)
	writeJSON(w, http.StatusOK, map[string]any{"rejected": rejected})
}

func (s *Server) handleGetAnnotation(w http.ResponseWriter, _ *http.Request, documentID, id, correlationID string) {
	annotation, ok := s.store.GetAnnotation(id)
	if !ok || annotation.DocumentID != documentID {
		writeError(w, http.StatusNotFound, "not_found", "annotation not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, annotation)
}

func (s *Server) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request, documentID, id, correlationID string) {
	payload, ok := s.decodeAnnotation(w, r, correlationID)
	if !ok {
		return
	}
	if payload.ID != id {
		writeError(w, http.StatusBadRequest, "id_mismatch", "body id does not match path id", correlationID)
		return
	}
	existing, found := s.store.GetAnnotation(id)
	if !found || existing.DocumentID != documentID {
		writeError(w, http.StatusNotFound, "not_found", "annotation not found", correlationID)
		return
	}
	s.coord.UpdateAnnotation(payload.toAnnotation(documentID), annostore.OriginLocal)
	updated, _ := s.store.GetAnnotation(id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, documentID, id, correlationID string) {
	existing, found := s.store.GetAnnotation(id)
	if !found || existing.DocumentID != documentID {
		writeError(w, http.StatusNotFound, "not_found", "annotation not found", correlationID)
		return
	}
	s.coord.DeleteAnnotation(id, annostore.OriginLocal)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request, documentID, id, correlationID string) {
	existing, found := s.store.GetAnnotation(id)
	if !found || existing.DocumentID != documentID {
		writeError(w, http.StatusNotFound, "not_found", "annotation not found", correlationID)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var payload targetPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed json body", correlationID)
		return
	}
	if len(payload.Selectors) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "invalid_target", "target needs at least one selector", correlationID)
		return
	}
	target := annostore.Target{AnnotationID: id}
	for _, sel := range payload.Selectors {
		target.Selectors = append(target.Selectors, annostore.Selector{Page: sel.Page})
	}
	s.coord.UpdateTarget(target, annostore.OriginLocal)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePageRendered(w http.ResponseWriter, pageRaw, correlationID string) {
	page, err := strconv.Atoi(pageRaw)
	if err != nil || page < 0 {
		writeError(w, http.StatusBadRequest, "invalid_page", "page must be a non-negative integer", correlationID)
		return
	}
	// With a scroller, the view is moved and its render callback drives
	// the resync for pages that actually become rendered; a page already
	// inside the window triggers nothing, so the response must not claim
	// a resync happened.
	if s.cfg.Scroller != nil {
		s.cfg.Scroller.ScrollTo(page)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "scrolled", "page": page})
		return
	}
	s.coord.OnLazyRender(page)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "resynced", "page": page})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", correlationID)
			return
		}
		limit = parsed
	}
	feed, err := s.store.GetEvents(documentID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.TokenSecret, "", "admin:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.store.BackendStatus())
}

func (l *rateLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-ID")); id != "" {
		return id
	}
	return fmt.Sprintf("corr-%d", time.Now().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	})
}
