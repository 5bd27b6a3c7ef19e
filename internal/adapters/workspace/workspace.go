// Package workspace keeps the mutable working copy of each live drop on disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hylla/crc/internal/app"
)

// copyExt is the file extension of a working copy.
const copyExt = ".drop"

// Dir is a directory-backed workspace with one file per drop.
type Dir struct {
	root string
}

// Open prepares root and returns a workspace rooted there.
func Open(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("workspace dir is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Write replaces the working copy for id atomically.
func (w *Dir) Write(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := w.path(id)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.root, "."+id+"-*")
	if err != nil {
		return fmt.Errorf("create working copy: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write working copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close working copy: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit working copy: %w", err)
	}
	return nil
}

// Read returns the working copy for id.
func (w *Dir) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := w.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, app.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read working copy: %w", err)
	}
	return data, nil
}

// Discard removes the working copy for id. Missing copies are not an error.
func (w *Dir) Discard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := w.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("discard working copy: %w", err)
	}
	return nil
}

// Exists reports whether id has a working copy.
func (w *Dir) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := w.path(id)
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

// List returns the ids of all working copies, sorted.
func (w *Dir) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}
	out := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, copyExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, copyExt))
	}
	slices.Sort(out)
	return out, nil
}

func (w *Dir) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid working copy id %q", id)
	}
	return filepath.Join(w.root, id+copyExt), nil
}
