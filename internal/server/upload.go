package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/huddle/internal/store"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// UploadStore records accepted uploads.
type UploadStore interface {
	InsertUpload(ctx context.Context, filename string, at time.Time) (store.Upload, error)
}

// UploadHandler accepts a single multipart file, stores it under a generated
// name, and answers with the absolute URL it will be served from.
type UploadHandler struct {
	store   UploadStore
	dir     string
	maxSize int64
	origins *originPolicy
	now     func() time.Time
	log     zerolog.Logger
}

type uploadResponse struct {
	FileURL string `json:"fileUrl"`
}

func (u *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !u.origins.cors(w, r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Upload endpoint only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, u.maxSize+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > u.maxSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	filename, err := u.storeFile(file)
	if err != nil {
		u.log.Error().Err(err).Str("client_filename", header.Filename).Msg("Failed to store upload")
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	if _, err := u.store.InsertUpload(r.Context(), filename, u.now()); err != nil {
		u.log.Error().Err(err).Str("file", filename).Msg("Failed to record upload")
		if rmErr := os.Remove(filepath.Join(u.dir, filename)); rmErr != nil {
			u.log.Warn().Err(rmErr).Str("file", filename).Msg("Failed to remove unrecorded upload")
		}
		http.Error(w, "Failed to record file", http.StatusInternalServerError)
		return
	}

	u.log.Info().Str("file", filename).Int64("bytes", header.Size).Msg("Upload stored")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(uploadResponse{FileURL: fileURL(r, filename)}); err != nil {
		u.log.Warn().Err(err).Msg("Error writing upload response")
	}
}

// storeFile writes src to a new file named after a random UUID plus the
// extension matching its sniffed content type.
func (u *UploadHandler) storeFile(src io.Reader) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read upload")
	}
	head = head[:n]

	name := uuid.NewString() + mimetype.Detect(head).Extension()
	path := filepath.Join(u.dir, name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "create upload file")
	}
	if _, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head), src)); err != nil {
		dst.Close()
		os.Remove(path)
		return "", errors.Wrap(err, "write upload file")
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "close upload file")
	}
	return name, nil
}

// fileURL derives the public URL of a stored file from the request's scheme
// and host.
func fileURL(r *http.Request, filename string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + r.Host + "/uploads/" + filename
}

// uploadsFileServer serves stored uploads without directory listings.
func uploadsFileServer(dir string) http.Handler {
	fs := http.StripPrefix("/uploads/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}
