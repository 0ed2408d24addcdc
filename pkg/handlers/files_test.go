package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-llm-chat/internal/testutils"
	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

func filesRouter(h *FilesHandler) chi.Router {
	r := chi.NewRouter()
	r.Route("/conversations/{id}/files", func(r chi.Router) {
		r.Mount("/", h.Routes())
	})
	return r
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileUploadLifecycle(t *testing.T) {
	viper.Set("UPLOAD_DIR", t.TempDir())
	env := newTestEnv(t)
	router := filesRouter(NewFilesHandler(env.store))

	conv := &models.Conversation{}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))
	base := "/conversations/" + conv.ID.String() + "/files"

	body, contentType := multipartUpload(t, "notes.txt", "meeting notes")
	req := httptest.NewRequest(http.MethodPost, base, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var uploaded models.UploadedFile
	testutils.GetRequestPayload(t, rec.Body, &uploaded)
	assert.Equal(t, "notes.txt", uploaded.Filename)
	assert.Equal(t, int64(len("meeting notes")), uploaded.SizeBytes)

	// the stored path never leaves the server
	assert.NotContains(t, rec.Body.String(), "storedPath")
	record, err := env.store.GetUploadedFile(context.Background(), uploaded.ID)
	require.NoError(t, err)
	stored, err := os.ReadFile(record.StoredPath)
	require.NoError(t, err)
	assert.Equal(t, "meeting notes", string(stored))

	// listing returns the record
	req = httptest.NewRequest(http.MethodGet, base, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var files []models.UploadedFile
	testutils.GetRequestPayload(t, rec.Body, &files)
	require.Len(t, files, 1)

	// deletion removes record and stored content
	req = httptest.NewRequest(http.MethodDelete, base+"/"+uploaded.ID.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = os.Stat(record.StoredPath)
	assert.True(t, os.IsNotExist(err))

	req = httptest.NewRequest(http.MethodGet, base, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	testutils.GetRequestPayload(t, rec.Body, &files)
	assert.Empty(t, files)
}

func TestUploadFileUnknownConversation(t *testing.T) {
	viper.Set("UPLOAD_DIR", t.TempDir())
	env := newTestEnv(t)
	router := filesRouter(NewFilesHandler(env.store))

	body, contentType := multipartUpload(t, "a.txt", "x")
	req := httptest.NewRequest(http.MethodPost, "/conversations/"+uuid.NewString()+"/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadFileMissingField(t *testing.T) {
	viper.Set("UPLOAD_DIR", t.TempDir())
	env := newTestEnv(t)
	router := filesRouter(NewFilesHandler(env.store))

	conv := &models.Conversation{}
	require.NoError(t, env.store.CreateConversation(context.Background(), conv))

	req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID.String()+"/files", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
