package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"LokaMail/internal/csvparser"
	"LokaMail/internal/db"
	"LokaMail/internal/mailerr"
	"LokaMail/internal/queue"
	"LokaMail/internal/templates"
)

const maxUploadBytes = 5 << 20

type Handler struct {
	Queue         *queue.Queue
	Log           *zap.Logger
	RetentionDays int
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Post("/emails", h.SendEmail)
	r.Post("/emails/template", h.SendTemplate)
	r.Post("/emails/template/bulk", h.SendTemplateBulk)
	r.Get("/emails/stats", h.Stats)
	r.Post("/emails/cleanup", h.Cleanup)
	r.Get("/emails/{id}", h.GetEmail)
	return r
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.Queue.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *Handler) SendTemplate(w http.ResponseWriter, r *http.Request) {
	var req queue.TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.Queue.EnqueueFromTemplate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

type bulkFailure struct {
	Line  int    `json:"line"`
	Email string `json:"email"`
	Error string `json:"error"`
}

type bulkResult struct {
	Queued []int64       `json:"queued"`
	Failed []bulkFailure `json:"failed,omitempty"`
}

// SendTemplateBulk queues one templated email per row of an uploaded
// recipient CSV. Form fields: file, template, message, link, link_text, priority.
func (h *Handler) SendTemplateBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key := r.FormValue("template")
	if _, ok := templates.Lookup(key); !ok {
		writeError(w, http.StatusBadRequest, mailerr.TemplateNotFound(key))
		return
	}
	priority, _ := strconv.Atoi(r.FormValue("priority"))

	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer f.Close()

	rows, err := csvparser.ParseRecipientRows(f, csvparser.DefaultMaxRows)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res := bulkResult{Queued: make([]int64, 0, len(rows))}
	for _, row := range rows {
		id, err := h.Queue.EnqueueFromTemplate(r.Context(), queue.TemplateRequest{
			To:       row.Email,
			ToName:   row.Name,
			Template: key,
			Priority: priority,
			Data: templates.Data{
				Message:  r.FormValue("message"),
				Link:     r.FormValue("link"),
				LinkText: r.FormValue("link_text"),
				Extra:    row.Fields,
			},

			// Bulk rows are left to the runner; an SMTP session per row
			// would hold the request open.
			SkipImmediate: true,
		})
		if err != nil {
			res.Failed = append(res.Failed, bulkFailure{Line: row.Line, Email: row.Email, Error: err.Error()})
			continue
		}
		res.Queued = append(res.Queued, id)
	}

	h.Log.Info("bulk template enqueue",
		zap.String("template", key),
		zap.Int("queued", len(res.Queued)),
		zap.Int("failed", len(res.Failed)),
	)
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.GetStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid email id"))
		return
	}

	e, err := h.Queue.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := h.RetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("days must be a positive integer"))
			return
		}
		days = n
	}

	deleted, err := h.Queue.Cleanup(r.Context(), days)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Queue.GetStats(r.Context()); err != nil {
		h.Log.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case mailerr.Is(err, mailerr.KindValidation), mailerr.Is(err, mailerr.KindTemplateNotFound):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.Log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
