package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
)

var _ core.ObjectClient = (*LocalClient)(nil)

// LocalClient keeps objects under root/<bucket>/<key> on the local disk.
type LocalClient struct {
	root string
}

func NewLocalClient(root string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	zap.S().Infow("LocalClient: storing uploads on disk", "dir", abs)
	return &LocalClient{root: abs}, nil
}

func (c *LocalClient) path(op, bucket, key string) (string, error) {
	k := filepath.FromSlash(key)
	if !filepath.IsLocal(bucket) || !filepath.IsLocal(k) {
		return "", core.Errorf(core.KindInvalidInput, op, "invalid object key %q", key)
	}
	return filepath.Join(c.root, bucket, k), nil
}

// UploadFile writes through a temporary file so readers never see a partial object.
func (c *LocalClient) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	p, err := c.path("local upload", bucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: data}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("store object: %w", err)
	}
	return "file://" + filepath.ToSlash(p), nil
}

func (c *LocalClient) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	p, err := c.path("local get", bucket, key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.E(core.KindNotFound, "local get", err)
	}
	return b, err
}

// DeleteFile is a no-op for a missing object.
func (c *LocalClient) DeleteFile(ctx context.Context, bucket, key string) error {
	p, err := c.path("local delete", bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
