package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Well-known blob paths inside a session container.
const (
	AOIPath      = "setup/aoi.gpkg"
	RawSitesPath = "setup/raw_sites.csv"
	SitesPath    = "setup/sites.geojson"
)

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrBlobExists      = errors.New("blob already exists")
	ErrContainerExists = errors.New("container already exists")
	ErrInvalidPath     = errors.New("invalid blob path")
)

// Blobs is the object storage used by sessions.
type Blobs interface {
	// CreateContainer creates the container of a session or returns
	// ErrContainerExists.
	CreateContainer(ctx context.Context, sessionName string) error

	// Exists reports whether a blob is present.
	Exists(ctx context.Context, sessionName, path string) (bool, error)

	// Save writes a blob. Without overwrite an existing blob yields ErrBlobExists.
	Save(ctx context.Context, sessionName, path string, data []byte, overwrite bool) error

	// Read returns a blob or ErrBlobNotFound.
	Read(ctx context.Context, sessionName, path string) ([]byte, error)
}

// TaskLogs holds the output a batch task published to the session container.
type TaskLogs struct {
	StdOut string `json:"std_out"`
	StdErr string `json:"std_err"`
}

// ReadTaskLogs reads tasklogs/{taskID}/stdout.txt and stderr.txt. Missing
// files read as empty.
func ReadTaskLogs(ctx context.Context, blobs Blobs, sessionName, taskID string) (TaskLogs, error) {
	var logs TaskLogs
	if taskID == "" {
		return logs, nil
	}
	read := func(name string) (string, error) {
		data, err := blobs.Read(ctx, sessionName, "tasklogs/"+taskID+"/"+name)
		if errors.Is(err, ErrBlobNotFound) {
			return "", nil
		}
		return strings.ToValidUTF8(string(data), "�"), err
	}
	var err error
	if logs.StdOut, err = read("stdout.txt"); err != nil {
		return logs, err
	}
	if logs.StdErr, err = read("stderr.txt"); err != nil {
		return logs, err
	}
	return logs, nil
}

// FileBlobs stores containers as directories under a root directory.
type FileBlobs struct {
	root   string
	logger *zap.Logger
}

// NewFileBlobs creates the root directory if needed.
func NewFileBlobs(root string, logger *zap.Logger) (*FileBlobs, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileBlobs{root: root, logger: logger.With(zap.String("component", "file_blobs"))}, nil
}

func (b *FileBlobs) container(sessionName string) (string, error) {
	if sessionName == "" || strings.ContainsAny(sessionName, `/\`) || sessionName == "." || sessionName == ".." {
		return "", ErrInvalidPath
	}
	return filepath.Join(b.root, sessionName), nil
}

func (b *FileBlobs) blob(sessionName, path string) (string, error) {
	dir, err := b.container(sessionName)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", ErrInvalidPath
	}
	return filepath.Join(dir, clean), nil
}

// CreateContainer implements Blobs.
func (b *FileBlobs) CreateContainer(ctx context.Context, sessionName string) error {
	dir, err := b.container(sessionName)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrContainerExists
		}
		return fmt.Errorf("create container %s: %w", sessionName, err)
	}
	b.logger.Info("container created", zap.String("session", sessionName))
	return nil
}

// Exists implements Blobs.
func (b *FileBlobs) Exists(ctx context.Context, sessionName, path string) (bool, error) {
	p, err := b.blob(sessionName, path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Save implements Blobs.
func (b *FileBlobs) Save(ctx context.Context, sessionName, path string, data []byte, overwrite bool) error {
	p, err := b.blob(sessionName, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrBlobExists
		}
		return fmt.Errorf("open blob %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	b.logger.Info("blob saved",
		zap.String("session", sessionName),
		zap.String("path", path),
		zap.Bool("overwrite", overwrite),
	)
	return nil
}

// Read implements Blobs.
func (b *FileBlobs) Read(ctx context.Context, sessionName, path string) ([]byte, error) {
	p, err := b.blob(sessionName, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	return data, err
}
