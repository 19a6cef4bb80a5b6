package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/storage"
	"github.com/nellyag1/wavescape-portal222/types"
)

// MaxBlobUploadBytes bounds a single PUT to /files.
const MaxBlobUploadBytes = 256 << 20

// LinkVerifier checks the token carried by a storage link.
type LinkVerifier interface {
	Verify(token string) (*storage.LinkClaims, error)
}

// FileHandler serves the links issued by storage.TokenLinker.
//
//	GET /files/{resource}/{sessionName}/*?token=...   read a blob
//	PUT /files/{resource}/{sessionName}/*?token=...   write a blob
//
// A blob link is valid for exactly its path; a container link for any path
// inside the session container.
type FileHandler struct {
	blobs    storage.Blobs
	verifier LinkVerifier
	logger   *zap.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(blobs storage.Blobs, verifier LinkVerifier, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{blobs: blobs, verifier: verifier, logger: logger.With(zap.String("component", "file_handler"))}
}

// Routes mounts the file endpoints on r.
func (h *FileHandler) Routes(r chi.Router) {
	r.Get("/{resource}/{sessionName}/*", h.HandleRead)
	r.Put("/{resource}/{sessionName}/*", h.HandleWrite)
}

func forbidden(msg string) error {
	return types.NewError("FORBIDDEN", msg).WithHTTPStatus(http.StatusForbidden)
}

// authorize verifies the token and returns the session and blob path the
// request may touch.
func (h *FileHandler) authorize(r *http.Request, write bool) (string, string, error) {
	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		return "", "", forbidden("invalid or expired link")
	}

	name := chi.URLParam(r, "sessionName")
	blobPath := strings.TrimLeft(chi.URLParam(r, "*"), "/")
	if claims.Subject != name || string(claims.Resource) != chi.URLParam(r, "resource") {
		return "", "", forbidden("link does not grant access to this resource")
	}
	switch claims.Resource {
	case storage.ResourceBlob:
		if strings.TrimLeft(claims.Path, "/") != blobPath {
			return "", "", forbidden("link does not grant access to this blob")
		}
	case storage.ResourceContainer:
	default:
		return "", "", types.NewError(types.ErrValidation, "resource is not served here")
	}
	if blobPath == "" {
		return "", "", types.NewError(types.ErrValidation, "blob path is required")
	}

	need := storage.PermissionRead
	if write {
		need = storage.PermissionWrite
	}
	if claims.Permission != need && claims.Permission != storage.PermissionReadWrite {
		return "", "", forbidden("link does not grant " + string(need) + " access")
	}
	return name, blobPath, nil
}

func blobError(err error) error {
	switch {
	case errors.Is(err, storage.ErrBlobNotFound):
		return types.NewError(types.ErrNotFound, "blob not found").WithHTTPStatus(http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidPath):
		return types.NewError(types.ErrValidation, "invalid blob path")
	}
	return err
}

// HandleRead returns a blob.
func (h *FileHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	name, blobPath, err := h.authorize(r, false)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	data, err := h.blobs.Read(r.Context(), name, blobPath)
	if err != nil {
		WriteError(w, r, blobError(err), h.logger)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// HandleWrite stores the request body as a blob, replacing any existing one.
func (h *FileHandler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	name, blobPath, err := h.authorize(r, true)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlobUploadBytes))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrValidation, "failed to read request body").WithCause(err), h.logger)
		return
	}
	if err := h.blobs.Save(r.Context(), name, blobPath, data, true); err != nil {
		WriteError(w, r, blobError(err), h.logger)
		return
	}
	h.logger.Debug("blob written", zap.String("session", name), zap.String("path", blobPath), zap.Int("bytes", len(data)))
	w.WriteHeader(http.StatusCreated)
}
