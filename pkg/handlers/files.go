package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/d4l-data4life/go-svc/pkg/logging"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
	"github.com/d4l-data4life/go-llm-chat/pkg/store"
)

// maxUploadBytes bounds a single attachment upload.
const maxUploadBytes = 32 << 20

// FilesHandler handles attachment uploads for conversations
type FilesHandler struct {
	store *store.Store
}

// NewFilesHandler creates a new files handler
func NewFilesHandler(s *store.Store) *FilesHandler {
	return &FilesHandler{store: s}
}

// Routes returns file routes, mounted under /conversations/{id}/files
func (h *FilesHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListFiles)
	r.Post("/", h.UploadFile)
	r.Delete("/{fileId}", h.DeleteFile)

	return r
}

// ListFiles returns all files attached to a conversation
func (h *FilesHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	files, err := h.store.ListFiles(r.Context(), id)
	if err != nil {
		logging.LogErrorf(err, "Failed to list files")
		renderError(w, r, http.StatusInternalServerError, "Failed to list files")
		return
	}

	render.JSON(w, r, files)
}

// UploadFile stores one multipart attachment on disk and records it as
// pending; the next chat turn consumes pending files into the model context.
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		renderError(w, r, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if _, err := h.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "Conversation not found")
		} else {
			logging.LogErrorf(err, "Failed to get conversation")
			renderError(w, r, http.StatusInternalServerError, "Failed to get conversation")
		}
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	src, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Missing file field")
		return
	}
	defer src.Close()

	uploadDir := viper.GetString("UPLOAD_DIR")
	if err := os.MkdirAll(uploadDir, 0o750); err != nil {
		logging.LogErrorf(err, "Failed to create upload directory")
		renderError(w, r, http.StatusInternalServerError, "Failed to store file")
		return
	}

	// stored name is unique; the original name lives in the record
	storedPath := filepath.Join(uploadDir, uuid.New().String()+filepath.Ext(header.Filename))
	dst, err := os.Create(storedPath)
	if err != nil {
		logging.LogErrorf(err, "Failed to create file %s", storedPath)
		renderError(w, r, http.StatusInternalServerError, "Failed to store file")
		return
	}
	size, err := io.Copy(dst, src)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(storedPath)
		logging.LogErrorf(err, "Failed to write file %s", storedPath)
		renderError(w, r, http.StatusInternalServerError, "Failed to store file")
		return
	}

	file := models.UploadedFile{
		ConversationID: id,
		Filename:       header.Filename,
		StoredPath:     storedPath,
		ContentType:    header.Header.Get("Content-Type"),
		SizeBytes:      size,
	}
	if err := h.store.CreateUploadedFile(r.Context(), &file); err != nil {
		os.Remove(storedPath)
		logging.LogErrorf(err, "Failed to record uploaded file")
		renderError(w, r, http.StatusInternalServerError, "Failed to store file")
		return
	}

	logging.LogDebugf("Uploaded file %s (%d bytes) for conversation %s", file.Filename, size, id)

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, file)
}

// DeleteFile removes a file record and its stored content
func (h *FilesHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := uuid.Parse(chi.URLParam(r, "fileId"))
	if err != nil {
		renderError(w, r, http.StatusBadRequest, "Invalid file ID")
		return
	}

	file, err := h.store.GetUploadedFile(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			renderError(w, r, http.StatusNotFound, "File not found")
		} else {
			logging.LogErrorf(err, "Failed to get file")
			renderError(w, r, http.StatusInternalServerError, "Failed to get file")
		}
		return
	}

	if err := h.store.DeleteUploadedFile(r.Context(), fileID); err != nil {
		logging.LogErrorf(err, "Failed to delete file record")
		renderError(w, r, http.StatusInternalServerError, "Failed to delete file")
		return
	}
	if err := os.Remove(file.StoredPath); err != nil && !os.IsNotExist(err) {
		logging.LogWarningf(err, "Failed to remove stored file %s", file.StoredPath)
	}

	render.NoContent(w, r)
}
