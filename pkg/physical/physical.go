// Package physical inspects the bytes behind a replica: it stats the copy
// and recomputes its checksum. Moving data is out of its reach.
package physical

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no physical copy exists at a path.
	ErrNotFound = errors.New("physical copy not found")
	// ErrNoStore is returned when no store reads a resource type.
	ErrNoStore = errors.New("no physical store for resource type")
)

// SHA256Prefix marks checksums computed as base64 encoded SHA-256.
// Checksums without it are hex encoded MD5.
const SHA256Prefix = "sha2:"

// Info describes a physical copy.
type Info struct {
	Size int64
}

// Store reads physical copies for one kind of storage resource.
type Store interface {
	Stat(ctx context.Context, physicalPath string) (Info, error)
	Open(ctx context.Context, physicalPath string) (io.ReadCloser, error)
}

// ValidatePath rejects physical paths that are empty, relative or not in
// canonical form.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("physical path is empty")
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("physical path %q is not absolute", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("physical path %q is not canonical", p)
	}
	return nil
}

// Checksum recomputes the checksum of the copy at physicalPath using the
// same scheme as like, the checksum it will be compared against.
func Checksum(ctx context.Context, s Store, physicalPath, like string) (string, error) {
	rc, err := s.Open(ctx, physicalPath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var h hash.Hash
	sha := strings.HasPrefix(like, SHA256Prefix)
	if sha {
		h = sha256.New()
	} else {
		h = md5.New()
	}
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", physicalPath, err)
	}

	if sha {
		return SHA256Prefix + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Report is what an inspection found at a physical path. Checksum is
// empty unless one was asked for.
type Report struct {
	Size     int64
	Checksum string
}

// Registry maps resource types to the store that reads their copies.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register sets the store for resourceType, replacing any earlier one.
func (r *Registry) Register(resourceType string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[resourceType] = s
}

// Lookup returns the store for resourceType. A nil registry has none.
func (r *Registry) Lookup(resourceType string) (Store, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[resourceType]
	return s, ok
}

// Inspect stats the copy at physicalPath with the store for resourceType
// and, when like is set, recomputes its checksum in like's scheme.
func (r *Registry) Inspect(ctx context.Context, resourceType, physicalPath, like string) (Report, error) {
	s, ok := r.Lookup(resourceType)
	if !ok {
		return Report{}, fmt.Errorf("%w %q", ErrNoStore, resourceType)
	}
	info, err := s.Stat(ctx, physicalPath)
	if err != nil {
		return Report{}, fmt.Errorf("stat %s: %w", physicalPath, err)
	}
	report := Report{Size: info.Size}
	if like != "" {
		if report.Checksum, err = Checksum(ctx, s, physicalPath, like); err != nil {
			return Report{}, fmt.Errorf("checksum %s: %w", physicalPath, err)
		}
	}
	return report, nil
}
