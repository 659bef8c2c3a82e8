package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

type LocalProvider struct {
	baseDir string
}

func (p *LocalProvider) fullpath(bucket, key string) string {
	return filepath.Join(p.baseDir, bucket, key)
}

var _ BlobStore = &LocalProvider{}

func NewLocalProvider(dir string) (*LocalProvider, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}

	return &LocalProvider{baseDir: baseDir}, nil
}

func (p *LocalProvider) CreateBucket(ctx context.Context, bucket string) error {
	if err := os.MkdirAll(filepath.Join(p.baseDir, bucket), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create bucket directory %s: %w", bucket, err)
	}
	return nil
}

func (p *LocalProvider) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(p.fullpath(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to read file %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// PutObject writes to a temporary file in the destination directory and
// renames it over the target.
func (p *LocalProvider) PutObject(ctx context.Context, bucket, key string, data io.Reader) error {
	path := p.fullpath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s/%s: %w", bucket, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file %s/%s: %w", bucket, key, err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file %s/%s: %w", bucket, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file %s/%s: %w", bucket, key, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place %s/%s: %w", bucket, key, err)
	}

	return nil
}

func (p *LocalProvider) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	root := p.fullpath(bucket, prefix)

	var objects []Object
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(filepath.Join(p.baseDir, bucket), path)
		if err != nil {
			return err
		}

		objects = append(objects, Object{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list files in %s/%s: %w", bucket, prefix, err)
	}

	return objects, nil
}

// PresignGet returns a file:// url, local objects have no expiring access.
func (p *LocalProvider) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	path := p.fullpath(bucket, key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return "", fmt.Errorf("failed to stat file %s/%s: %w", bucket, key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String(), nil
}
