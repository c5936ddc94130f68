package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/fleetbackup/internal/reconcile"
)

// localBackend stores objects as plain files under a root directory,
// for single-node deployments without a real S3-compatible endpoint.
// "Presigning" is simulated with a token embedded in a file:// URL that
// PresignedGetURL's caller is expected to resolve locally — there is no
// network boundary to protect, since this backend only makes sense when
// Master and Node share a filesystem.
type localBackend struct {
	root string
}

func newLocalBackend(root, bucket string) *localBackend {
	return &localBackend{root: filepath.Join(root, bucket)}
}

func (l *localBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localBackend) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	dst := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (l *localBackend) PresignedGetURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := os.Stat(l.path(key)); err != nil {
		return "", err
	}
	token := uuid.NewString()
	return fmt.Sprintf("file://%s?token=%s&expires_in=%d", l.path(key), token, int64(expiry.Seconds())), nil
}

func (l *localBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *localBackend) List(_ context.Context, prefix string) ([]reconcile.ObjectInfo, error) {
	var out []reconcile.ObjectInfo
	err := filepath.Walk(l.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		out = append(out, reconcile.ObjectInfo{Key: key, SizeBytes: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
