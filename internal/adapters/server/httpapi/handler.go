// Package httpapi serves the pipeline over JSON REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/crc/internal/adapters/server/common"
)

// maxRequestBodyBytes fits a base64 encoded drop plus envelope.
const maxRequestBodyBytes int64 = common.MaxDropBytes*4/3 + 1<<20

// Handler serves the API routes below the mount point (normally `/api/v1`).
type Handler struct {
	service common.PipelineService
}

// APIError is the body of every failed request, wrapped as {"error": ...}.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// errorStatuses maps adapter sentinels to a status and code, first match wins.
var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{common.ErrNotFound, http.StatusNotFound, "not_found"},
	{common.ErrConflict, http.StatusConflict, "conflict"},
	{common.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{common.ErrUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
}

// route binds one method and path shape to a handler. Exact routes match prefix alone;
// the rest match `{prefix}{id}{suffix}`.
type route struct {
	method string
	prefix string
	suffix string
	exact  bool
	// nested lets the id span slashes, for target refs like `release/1.x`.
	nested bool
	serve  func(h *Handler, w http.ResponseWriter, r *http.Request, id string)
}

var routes = []route{
	{method: http.MethodGet, prefix: "drops", exact: true, serve: (*Handler).handleListDrops},
	{method: http.MethodPost, prefix: "drops", exact: true, serve: (*Handler).handleIngestDrop},
	{method: http.MethodGet, prefix: "merges", exact: true, serve: (*Handler).handleListMerges},
	{method: http.MethodGet, prefix: "cl/diff", exact: true, serve: (*Handler).handleDiff},
	{method: http.MethodGet, prefix: "drops/", serve: (*Handler).handleGetDrop},
	{method: http.MethodGet, prefix: "drops/", suffix: "/history", serve: (*Handler).handleDropHistory},
	{method: http.MethodPost, prefix: "drops/", suffix: "/approve", serve: (*Handler).handleApproveDrop},
	{method: http.MethodPost, prefix: "drops/", suffix: "/cancel", serve: (*Handler).handleCancelDrop},
	{method: http.MethodPost, prefix: "merges/", suffix: "/resolution", serve: (*Handler).handleApplyResolution},
	{method: http.MethodGet, prefix: "targets/", nested: true, serve: (*Handler).handleGetTarget},
}

// match reports the resource id when path fits the route shape.
func (rt route) match(path string) (string, bool) {
	if rt.exact {
		return "", path == rt.prefix
	}
	return resolveResourceID(path, rt.prefix, rt.suffix, rt.nested)
}

// NewHandler returns an API handler backed by service.
func NewHandler(service common.PipelineService) *Handler {
	return &Handler{service: service}
}

// ServeHTTP dispatches through routes, answering 405 with Allow when only the method is wrong.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "pipeline service is not configured")
		return
	}

	path := strings.Trim(strings.TrimSpace(r.URL.Path), "/")
	var allowed []string
	for _, rt := range routes {
		id, ok := rt.match(path)
		if !ok {
			continue
		}
		if rt.method != r.Method {
			allowed = append(allowed, rt.method)
			continue
		}
		rt.serve(h, w, r, id)
		return
	}
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed here")
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
}

// handleListDrops serves GET `/drops?state=&target_ref=`.
func (h *Handler) handleListDrops(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()
	drops, err := h.service.ListDrops(r.Context(), common.ListDropsRequest{
		States:    q["state"],
		TargetRef: strings.TrimSpace(q.Get("target_ref")),
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drops": drops,
	})
}

// handleApproveDrop serves POST `/drops/{id}/approve`.
func (h *Handler) handleApproveDrop(w http.ResponseWriter, r *http.Request, id string) {
	var req common.ApproveDropRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if !bodyIDMatches(w, req.DropID, id, "drop_id") {
		return
	}
	req.DropID = id
	drop, err := h.service.ApproveDrop(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

// handleCancelDrop serves POST `/drops/{id}/cancel`. The body is optional.
func (h *Handler) handleCancelDrop(w http.ResponseWriter, r *http.Request, id string) {
	var req common.CancelDropRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			writeErrorFrom(w, err)
			return
		}
	}
	if !bodyIDMatches(w, req.DropID, id, "drop_id") {
		return
	}
	req.DropID = id
	drop, err := h.service.CancelDrop(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

// handleGetTarget serves GET `/targets/{ref}`.
func (h *Handler) handleGetTarget(w http.ResponseWriter, r *http.Request, ref string) {
	target, err := h.service.GetTarget(r.Context(), ref)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// bodyIDMatches rejects a body id that disagrees with the path id.
func bodyIDMatches(w http.ResponseWriter, bodyID, pathID, field string) bool {
	bodyID = strings.TrimSpace(bodyID)
	if bodyID == "" || bodyID == pathID {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: APIError{
		Code:    "invalid_request",
		Message: field + " in body does not match path",
		Context: map[string]any{"path_id": pathID, "body_id": bodyID},
	}})
	return false
}

// handleIngestDrop serves POST `/drops`.
func (h *Handler) handleIngestDrop(w http.ResponseWriter, r *http.Request, _ string) {
	var req common.IngestDropRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.service.IngestDrop(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleGetDrop serves GET `/drops/{id}`.
func (h *Handler) handleGetDrop(w http.ResponseWriter, r *http.Request, id string) {
	drop, err := h.service.GetDrop(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drop)
}

// handleDropHistory serves GET `/drops/{id}/history`.
func (h *Handler) handleDropHistory(w http.ResponseWriter, r *http.Request, id string) {
	nodes, err := h.service.DropHistory(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drop_id": id,
		"nodes":   nodes,
	})
}

// handleListMerges serves GET `/merges`.
func (h *Handler) handleListMerges(w http.ResponseWriter, r *http.Request, _ string) {
	req := common.ListMergesRequest{
		TargetRef: strings.TrimSpace(r.URL.Query().Get("target_ref")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("pending")); raw != "" {
		pending, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("pending must be a boolean, got %q", raw))
			return
		}
		req.PendingOnly = pending
	}
	merges, err := h.service.ListMerges(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"merges": merges,
	})
}

// handleApplyResolution serves POST `/merges/{id}/resolution`.
func (h *Handler) handleApplyResolution(w http.ResponseWriter, r *http.Request, id string) {
	var req common.ApplyResolutionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if !bodyIDMatches(w, req.MergeID, id, "merge_id") {
		return
	}
	req.MergeID = id
	decision, err := h.service.ApplyResolution(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleDiff serves GET `/cl/diff?a=&b=`.
func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request, _ string) {
	a := strings.TrimSpace(r.URL.Query().Get("a"))
	b := strings.TrimSpace(r.URL.Query().Get("b"))
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "a and b node ids are required")
		return
	}
	diff, err := h.service.Diff(r.Context(), a, b)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// resolveResourceID parses `{prefix}{id}{suffix}` and returns `{id}`.
func resolveResourceID(path, prefix, suffix string, nested bool) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) || len(path) < len(prefix)+len(suffix) {
		return "", false
	}
	id := strings.TrimSpace(path[len(prefix) : len(path)-len(suffix)])
	if id == "" || (!nested && strings.Contains(id, "/")) {
		return "", false
	}
	return id, true
}

// writeErrorFrom picks the status for err from errorStatuses, defaulting to 500.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: APIError{Code: code, Message: message}})
}

// writeJSON encodes payload before touching the response so encode failures still yield a 500.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":{"code":"internal_error","message":"encode response"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// decodeBody reads exactly one JSON object, capped at maxRequestBodyBytes, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	if err := r.Context().Err(); err != nil {
		return fmt.Errorf("request canceled: %w", err)
	}
	return nil
}
