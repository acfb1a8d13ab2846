package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/export"
	"github.com/rmacedo/docproc/internal/history"
	"github.com/rmacedo/docproc/internal/reconcile"
	"github.com/rmacedo/docproc/internal/watch"
)

const maxSubmitBodySize = 256 << 20 // ledgers can be large
const maxCallbackBodySize = 1 << 20

// Deps holds everything the HTTP layer needs.
type Deps struct {
	Service    *Service
	History    *history.Service
	Export     *export.Service
	Reconciler *reconcile.Reconciler
	Watcher    *watch.Watcher
}

// NewHandler builds the chi router for the API and the worker callback.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", handleSubmit(deps))
		r.Get("/processings/{id}", handleStatus(deps))
		r.Get("/processings/{id}/logs", handleLogs(deps))
		r.Get("/processings/{id}/watch", handleWatchOne(deps))
		r.Post("/processings/{id}/cancel", handleCancel(deps))
		r.Get("/watch", handleWatchAll(deps))
		r.Get("/history", handleHistory(deps))
		r.Get("/history/export", handleHistoryExport(deps))
		r.Post("/callbacks/processing", handleCallback(deps))
	})

	return r
}

type submitFilePayload struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type,omitempty"`
	Content   string `json:"content"` // base64
}

type submitPayload struct {
	BatchContext string              `json:"batch_context"`
	Kind         string              `json:"kind"`
	Period       string              `json:"period"`
	InitiatedBy  string              `json:"initiated_by"`
	Files        []submitFilePayload `json:"files"`
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodySize)
		defer r.Body.Close()

		var payload submitPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		req := SubmitRequest{
			BatchContext: payload.BatchContext,
			Kind:         payload.Kind,
			Period:       payload.Period,
			InitiatedBy:  payload.InitiatedBy,
			Files:        make([]SubmitFile, 0, len(payload.Files)),
		}
		for _, f := range payload.Files {
			content, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "file %q is not valid base64: %v", f.Filename, err)
				return
			}
			req.Files = append(req.Files, SubmitFile{Filename: f.Filename, MediaType: f.MediaType, Content: content})
		}

		result, err := deps.Service.SubmitBatch(r.Context(), req)
		if err != nil {
			var verr *common.ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"error": verr.Error(),
					"files": outcomesOrEmpty(result),
				})
				return
			}
			var serr *common.StateError
			if errors.As(err, &serr) {
				httpError(w, http.StatusConflict, "state_error", "%s", serr.Message)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "submission failed: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Service.GetStatus(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		entries, err := deps.Service.GetLogs(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		rec, err := deps.Service.Cancel(r.Context(), id)
		if err != nil {
			notFoundOrInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := historyQueryFromRequest(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		page, err := deps.History.List(r.Context(), q)
		if err != nil {
			if errors.Is(err, common.ErrInvalidInput) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "batch_context is required")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "history query failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func handleHistoryExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := historyQueryFromRequest(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		data, err := deps.Export.HistoryXLSX(r.Context(), q)
		if err != nil {
			if errors.Is(err, common.ErrInvalidInput) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "batch_context is required")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="processing-history.xlsx"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func handleCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading callback body: %v", err)
			return
		}

		if err := deps.Reconciler.ApplyCallback(r.Context(), body); err != nil {
			switch {
			case errors.Is(err, common.ErrNotFound):
				httpError(w, http.StatusNotFound, "not_found", "unknown processing id")
			case isStateError(err):
				httpError(w, http.StatusConflict, "state_error", "%v", err)
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	}
}

func historyQueryFromRequest(r *http.Request) (entity.HistoryQuery, error) {
	qs := r.URL.Query()

	q := entity.HistoryQuery{
		BatchContext: qs.Get("batch_context"),
		Period:       qs.Get("period"),
	}
	if kind := qs.Get("kind"); kind != "" {
		k, ok := constants.ParseKind(kind)
		if !ok {
			return q, fmt.Errorf("unknown kind %q", kind)
		}
		q.Kind = k
	}
	for _, s := range qs["status"] {
		st := constants.ProcessingStatus(strings.ToUpper(s))
		if !st.Valid() {
			return q, fmt.Errorf("unknown status %q", s)
		}
		q.Statuses = append(q.Statuses, st)
	}
	if v := qs.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid from date: %w", err)
		}
		q.StartedFrom = &t
	}
	if v := qs.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid to date: %w", err)
		}
		q.StartedTo = &t
	}
	if v := qs.Get("sort_by"); v != "" {
		q.SortBy = entity.HistorySortField(v)
	}
	q.SortDesc = qs.Get("sort_dir") == "desc"
	if v := qs.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid page: %w", err)
		}
		q.Page = n
	}
	if v := qs.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("invalid per_page: %w", err)
		}
		q.PerPage = n
	}
	return q, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func notFoundOrInternal(w http.ResponseWriter, err error) {
	if errors.Is(err, common.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "processing record not found")
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func isStateError(err error) bool {
	var serr *common.StateError
	return errors.As(err, &serr)
}

func outcomesOrEmpty(result *SubmitResult) []FileOutcome {
	if result == nil {
		return nil
	}
	return result.Outcomes
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, code, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    code,
			"message": fmt.Sprintf(format, args...),
		},
	})
}
