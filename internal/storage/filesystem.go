package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

const metaSuffix = ".meta.json"

type fileMeta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FilesystemStorage implements ImageStore on a local directory. Object
// metadata lives in a sidecar file next to each object.
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates a new filesystem image store
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: filepath.Clean(baseDir),
	}, nil
}

func (fs *FilesystemStorage) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(fs.baseDir, filepath.FromSlash(key))

	// Security: prevent directory traversal
	if !strings.HasPrefix(path, fs.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected", ErrInvalidKey)
	}
	return path, nil
}

// Get returns the object bytes or nil if the key does not exist
func (fs *FilesystemStorage) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Put writes the object atomically (temp file then rename)
func (fs *FilesystemStorage) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	meta, err := json.Marshal(fileMeta{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := writeAtomic(path+metaSuffix, meta); err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Head returns object info or nil if the key does not exist
func (fs *FilesystemStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		ContentType:  fs.contentType(path),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (fs *FilesystemStorage) contentType(path string) string {
	raw, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return ""
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	return meta.ContentType
}

// ListByPrefix walks the directory holding prefix and yields matching objects
func (fs *FilesystemStorage) ListByPrefix(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		root := fs.baseDir
		if dir := prefix[:strings.LastIndex(prefix, "/")+1]; dir != "" {
			p, err := fs.path(strings.TrimSuffix(dir, "/"))
			if err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			root = p
		}

		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return filepath.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() || strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, ".tmp-") {
				return nil
			}

			rel, err := filepath.Rel(fs.baseDir, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			obj := ObjectInfo{
				Key:          key,
				Size:         info.Size(),
				ContentType:  fs.contentType(path),
				LastModified: info.ModTime().UTC(),
			}
			if !yield(obj, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield(ObjectInfo{}, fmt.Errorf("failed to list %q: %w", prefix, err))
		}
	}
}

// Close is a no-op
func (fs *FilesystemStorage) Close() error {
	return nil
}
