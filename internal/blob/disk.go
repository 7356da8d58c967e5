// Package blob stores uploaded receipt images. The verification pipeline only
// needs a durable reference it can hand to the analyzer; the bytes themselves
// are never read back by this service.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore writes uploads under a base directory on local disk.
type DiskStore struct {
	basePath string
}

// NewDiskStore creates the base directory if needed.
func NewDiskStore(basePath string) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &DiskStore{basePath: basePath}, nil
}

// Save writes the upload to disk under a collision-free name and returns its
// reference URL. The original filename contributes only its extension; user
// input never becomes a path component.
func (d *DiskStore) Save(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	name := uuid.NewString() + ext
	path := filepath.Join(d.basePath, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return "/uploads/" + name, nil
}

// BasePath returns the directory uploads are stored under, for serving them.
func (d *DiskStore) BasePath() string {
	return d.basePath
}
