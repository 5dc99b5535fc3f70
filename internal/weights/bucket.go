// Package weights loads starting parameters and writes training checkpoints.
// Objects live in a Bucket, either a local directory or a Google Cloud
// Storage bucket, as versioned checkpoint JSON.
package weights

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("object not found")

// Bucket is a flat object namespace with slash separated names.
type Bucket interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns the sorted names of every object under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DirBucket stores objects as files below Root.
type DirBucket struct {
	Root string
}

func NewDirBucket(root string) *DirBucket {
	return &DirBucket{Root: root}
}

func (b *DirBucket) path(name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(b.Root, filepath.FromSlash(clean[1:])), nil
}

func (b *DirBucket) Put(_ context.Context, name string, data []byte) error {
	target, err := b.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (b *DirBucket) Get(_ context.Context, name string) ([]byte, error) {
	target, err := b.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (b *DirBucket) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(b.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == b.Root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.Root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
