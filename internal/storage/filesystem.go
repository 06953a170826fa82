package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const artifactPrefix = "image_"

// ErrOutsideStore is returned when a path does not belong to the store root.
var ErrOutsideStore = errors.New("storage: path outside store")

// FileStore persists generated artifacts onto the local filesystem. Artifacts
// are write-once: created after a successful generation, read once on
// delivery, then removed.
type FileStore struct {
	basePath string
	now      func() time.Time
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: abs, now: time.Now}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// WriteArtifact stores an image under image_<backend>_<shortid>_<unix>.<ext>
// and returns its absolute path.
func (s *FileStore) WriteArtifact(ctx context.Context, backend, contentType string, data []byte) (string, error) {
	name := ArtifactName(backend, contentType, s.now())
	key, err := s.Write(ctx, name, data)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// Write persists the provided bytes at the given relative key and returns the
// canonicalized storage key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	// O_EXCL keeps two writers from ever sharing a file.
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("storage: create file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(fullPath)
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	return cleanKey, nil
}

// Read returns the contents of an artifact previously written by the store.
func (s *FileStore) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// Remove deletes an artifact. Removing a missing file is not an error.
func (s *FileStore) Remove(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: remove file: %w", err)
	}
	return nil
}

// Sweep removes artifacts older than maxAge. They are left behind when a
// process dies between generation and delivery.
func (s *FileStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if s == nil {
		return 0, errors.New("storage: no store configured")
	}
	cutoff := s.now().Add(-maxAge)
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, fmt.Errorf("storage: list artifacts: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), artifactPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("storage: sweep %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (s *FileStore) resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	full := path
	if !filepath.IsAbs(full) {
		key, err := sanitizeKey(path)
		if err != nil {
			return "", err
		}
		full = filepath.Join(s.basePath, filepath.FromSlash(key))
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrOutsideStore
	}
	return full, nil
}

// ArtifactName builds the collision-resistant file name for an artifact.
func ArtifactName(backend, contentType string, at time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	backend = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, strings.ToLower(strings.TrimSpace(backend)))
	if backend == "" {
		backend = "unknown"
	}
	return fmt.Sprintf("%s%s_%s_%d%s", artifactPrefix, backend, short, at.Unix(), ExtensionForMIME(contentType))
}

// ExtensionForMIME maps an image content type to a file extension.
func ExtensionForMIME(contentType string) string {
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
