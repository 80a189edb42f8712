package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/huddle/internal/store"
)

// pngHeader is enough of a PNG for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type memUploads struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (m *memUploads) InsertUpload(_ context.Context, filename string, at time.Time) (store.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return store.Upload{}, m.err
	}
	m.names = append(m.names, filename)
	return store.Upload{ID: int64(len(m.names)), Filename: filename, Timestamp: store.Millis(at)}, nil
}

func newUploadHandler(t *testing.T, st UploadStore, maxSize int64) *UploadHandler {
	t.Helper()
	return &UploadHandler{
		store:   st,
		dir:     t.TempDir(),
		maxSize: maxSize,
		origins: newOriginPolicy([]string{testOrigin}, zerolog.Nop()),
		now:     time.Now,
		log:     zerolog.Nop(),
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadStoresFileUnderGeneratedName(t *testing.T) {
	req := require.New(t)
	st := &memUploads{}
	h := newUploadHandler(t, st, 1<<20)

	body, contentType := multipartBody(t, "file", "holiday.jpg", pngHeader)
	r := httptest.NewRequest(http.MethodPost, "http://chat.example.com/upload", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	req.Equal(http.StatusOK, w.Code)
	req.Equal("application/json", w.Header().Get("Content-Type"))

	var resp struct {
		FileURL string `json:"fileUrl"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.True(strings.HasPrefix(resp.FileURL, "http://chat.example.com/uploads/"), resp.FileURL)

	name := path.Base(resp.FileURL)
	req.Equal(".png", filepath.Ext(name), "extension follows the sniffed type, not the client's name")
	req.Equal([]string{name}, st.names)

	stored, err := os.ReadFile(filepath.Join(h.dir, name))
	req.NoError(err)
	req.Equal(pngHeader, stored)
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name   string
		method string
		field  string
		size   int
		origin string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, field: "file", size: 10, want: http.StatusMethodNotAllowed},
		{name: "missing field", method: http.MethodPost, field: "attachment", size: 10, want: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, field: "file", size: 4096, want: http.StatusRequestEntityTooLarge},
		{name: "foreign origin", method: http.MethodPost, field: "file", size: 10, origin: "http://evil.example", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &memUploads{}
			h := newUploadHandler(t, st, 1024)

			body, contentType := multipartBody(t, tt.field, "f.bin", bytes.Repeat([]byte("a"), tt.size))
			r := httptest.NewRequest(tt.method, "/upload", body)
			r.Header.Set("Content-Type", contentType)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			require.Equal(t, tt.want, w.Code)
			require.Empty(t, st.names)
			entries, err := os.ReadDir(h.dir)
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestUploadPreflight(t *testing.T) {
	h := newUploadHandler(t, &memUploads{}, 1024)

	r := httptest.NewRequest(http.MethodOptions, "/upload", http.NoBody)
	r.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUploadRemovesFileWhenRecordFails(t *testing.T) {
	h := newUploadHandler(t, &memUploads{err: errors.New("disk full")}, 1024)

	body, contentType := multipartBody(t, "file", "note.txt", []byte("hello"))
	r := httptest.NewRequest(http.MethodPost, "/upload", body)
	r.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFileURLHonoursForwardedProto(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://chat.example.com/upload", http.NoBody)
	require.Equal(t, "http://chat.example.com/uploads/a.png", fileURL(r, "a.png"))

	r.Header.Set("X-Forwarded-Proto", "https, http")
	require.Equal(t, "https://chat.example.com/uploads/a.png", fileURL(r, "a.png"))
}

func TestUploadedFileIsServed(t *testing.T) {
	req := require.New(t)
	_, ts := startTestServer(t, testConfig(t))

	body, contentType := multipartBody(t, "file", "pic.png", pngHeader)
	resp, err := http.Post(ts.URL+"/upload", contentType, body)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		FileURL string `json:"fileUrl"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.True(strings.HasPrefix(out.FileURL, ts.URL+"/uploads/"))

	got, err := http.Get(out.FileURL)
	req.NoError(err)
	defer got.Body.Close()
	req.Equal(http.StatusOK, got.StatusCode)
	served, err := io.ReadAll(got.Body)
	req.NoError(err)
	req.Equal(pngHeader, served)

	listing, err := http.Get(ts.URL + "/uploads/")
	req.NoError(err)
	defer listing.Body.Close()
	req.Equal(http.StatusNotFound, listing.StatusCode)
}
