package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailverify/mailverify/internal/auth"
	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/handler/dto"
	"github.com/mailverify/mailverify/internal/model"
)

// multipartMemory is how much of an upload is held in memory before the
// rest spills to temporary files.
const multipartMemory = 8 << 20

// uploadFields are the form fields accepted for batch files.
var uploadFields = []string{"files", "file"}

// TaskService is the bulk orchestrator as seen by HTTP.
type TaskService interface {
	Submit(ctx context.Context, userID string, files []bulk.Upload) (*model.BulkTask, error)
	GetStatus(ctx context.Context, userID, taskID string) (*model.BulkTask, error)
	List(ctx context.Context, userID string) ([]*model.BulkTask, error)
	Delete(ctx context.Context, userID, taskID string) error
	Open(ctx context.Context, userID, taskID string, kind model.ArtifactKind) (io.ReadCloser, error)
}

// TaskHandler serves batch submission and task management.
type TaskHandler struct {
	tasks         TaskService
	maxUploadSize int64
	logger        *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, maxUploadSize int64, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		tasks:         tasks,
		maxUploadSize: maxUploadSize,
		logger:        logger.With("handler", "task"),
	}
}

// Submit handles POST /api/v1/verify/batch (multipart, field "files").
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	if h.maxUploadSize > 0 {
		if r.ContentLength > h.maxUploadSize {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Upload exceeds maximum size")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Upload exceeds maximum size")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "Expected a multipart form with CSV files")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var headers []*multipart.FileHeader
	for _, field := range uploadFields {
		headers = append(headers, r.MultipartForm.File[field]...)
	}
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "No files uploaded")
		return
	}

	uploads := make([]bulk.Upload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, bulk.Upload{Filename: fh.Filename, Body: f})
	}

	task, err := h.tasks.Submit(r.Context(), authCtx.UserID, uploads)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("task_submitted",
		"task_id", task.ID,
		"user_id", authCtx.UserID,
		"files", len(uploads),
		"total_emails", task.TotalEmails,
	)
	writeJSON(w, http.StatusAccepted, dto.TaskSubmitResponse{
		TaskID:      task.ID,
		Status:      task.Status,
		Filename:    task.Filename,
		TotalEmails: task.TotalEmails,
	})
}

// List handles GET /api/v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	tasks, err := h.tasks.List(r.Context(), authCtx.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToTaskListResponse(tasks, APIBase))
}

// Get handles GET /api/v1/tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	task, err := h.tasks.GetStatus(r.Context(), authCtx.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToTaskResponse(task, APIBase))
}

// Delete handles DELETE /api/v1/tasks/{id}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.tasks.Delete(r.Context(), authCtx.UserID, id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("task_deleted", "task_id", id, "user_id", authCtx.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// Download handles GET /api/v1/tasks/{id}/download/{kind}.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	kind := model.ArtifactKind(chi.URLParam(r, "kind"))
	body, err := h.tasks.Open(r.Context(), authCtx.UserID, id, kind)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer body.Close()

	// Large result files outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+"-"+string(kind)+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("artifact_download_interrupted", "task_id", id, "kind", kind, "error", err)
	}
}
