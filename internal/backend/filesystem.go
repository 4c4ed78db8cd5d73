package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Filesystem stores objects under a mounted directory, typically a NAS
// share, as <root>/<container>/<key>.
type Filesystem struct {
	name string
	root string
}

// NewFilesystem returns a filesystem backend rooted at root. The directory
// must already exist; a missing mount is reported here rather than silently
// written into the local disk.
func NewFilesystem(name string, root string) (*Filesystem, error) {
	if root == "" {
		return nil, fmt.Errorf("backend %s: filesystem root must not be empty", name)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backend %s: root %s is not a directory", name, root)
	}

	return &Filesystem{name: name, root: root}, nil
}

func (f *Filesystem) Name() string {
	return f.name
}

// ObjectPath computes the full filesystem path for key within container.
func (f *Filesystem) ObjectPath(container string, key string) (string, error) {
	if !filepath.IsLocal(container) {
		return "", fmt.Errorf("invalid container %q", container)
	}

	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.root, container, rel), nil
}

// Put copies localPath into place through a temporary file in the target
// directory, then re-reads the stored file to compute its digest.
func (f *Filesystem) Put(ctx context.Context, localPath string, container string, key string) (Digest, error) {
	objPath, err := f.ObjectPath(container, key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", err
	}

	if err := copyFileAtomic(ctx, localPath, objPath); err != nil {
		return "", fmt.Errorf("store %s: %w", objPath, err)
	}

	return FileMD5(objPath)
}

func (f *Filesystem) Delete(ctx context.Context, container string, key string) error {
	objPath, err := f.ObjectPath(container, key)
	if err != nil {
		return err
	}

	if err := os.Remove(objPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// copyFileAtomic copies srcPath to destPath so that destPath is either the
// previous file or the complete new one.
func copyFileAtomic(ctx context.Context, srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return err
	}
	defer func() {
		// Best-effort cleanup; after a successful rename this fails with ENOENT.
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: srcFile}); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), destPath)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
