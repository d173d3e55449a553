package storage

import (
	"context"
	"time"

	"photopipe/internal/services"
)

// ObjectStore is the object-storage collaborator contract.
type ObjectStore interface {
	Available(ctx context.Context) bool
	Upload(ctx context.Context, localPath, key string) (string, error)
	Download(ctx context.Context, locator, destPath string) error
	PresignGet(ctx context.Context, locator string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, locator string) error
}

// Unavailable is the ObjectStore used when no bucket is configured.
type Unavailable struct{}

var _ ObjectStore = Unavailable{}

func (Unavailable) Available(context.Context) bool { return false }

func (Unavailable) Upload(context.Context, string, string) (string, error) {
	return "", errNotConfigured("upload")
}

func (Unavailable) Download(context.Context, string, string) error {
	return errNotConfigured("download")
}

func (Unavailable) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", errNotConfigured("presign")
}

func (Unavailable) Delete(context.Context, string) error {
	return errNotConfigured("delete")
}

func errNotConfigured(op string) error {
	return services.Wrap(services.ErrConfiguration, "storage", op, "object storage not configured", nil)
}
