// Package testutils provides shared helpers for package tests.
package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d4l-data4life/go-llm-chat/pkg/models"
)

var testDBCounter atomic.Int64

// NewTestDB opens a fresh in-memory sqlite database with the full schema
// migrated. Each call gets an isolated database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.MigrationFunc(db))
	return db
}

// GetRequestPayload decodes a JSON response body into target.
func GetRequestPayload(t *testing.T, body io.Reader, target interface{}) {
	t.Helper()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, target), "body: %s", raw)
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

// Pointerfy returns a pointer to the given value.
func Pointerfy[T any](v T) *T {
	return &v
}

// GetTestMockServer returns an httptest server that replies with the given
// status and body for every request.
func GetTestMockServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}
