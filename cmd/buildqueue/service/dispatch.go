package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/logger"
	"github.com/lyzr/buildqueue/common/models"
)

// DispatchBackend turns a build into a remote task on an execution backend,
// and cancels one. Opaque to the engine.
type DispatchBackend interface {
	CreateTask(ctx context.Context, b *models.Build) error
	CancelTask(ctx context.Context, b *models.Build) error
}

// BackendError is a transport-level failure from a dispatch backend,
// carrying the HTTP-ish status code the integration boundary maps on.
type BackendError struct {
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("dispatch backend returned %d: %v", e.StatusCode, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Dispatcher routes builds in configured buckets to a backend and maps
// transport errors into the engine's taxonomy: authentication failures become
// permission errors, bad requests become invalid-input (the bucket-level task
// configuration is broken), everything else propagates unchanged.
type Dispatcher struct {
	backend DispatchBackend
	buckets map[string]bool
	log     *logger.Logger
}

// NewDispatcher creates a dispatcher for the given bucket set.
func NewDispatcher(backend DispatchBackend, buckets []string, log *logger.Logger) *Dispatcher {
	enabled := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		enabled[b] = true
	}
	return &Dispatcher{
		backend: backend,
		buckets: enabled,
		log:     log,
	}
}

// enabled reports whether the bucket routes builds to the backend.
func (d *Dispatcher) enabled(bucket string) bool {
	return d != nil && d.buckets[bucket]
}

// createTask creates the remote task for b, mapping backend errors.
func (d *Dispatcher) createTask(ctx context.Context, b *models.Build) error {
	if !d.enabled(b.Bucket) {
		return nil
	}
	if err := d.backend.CreateTask(ctx, b); err != nil {
		return mapBackendError(b, err)
	}
	return nil
}

// cancelTask cancels the remote task for b. Best-effort: failures are logged
// and swallowed, since cancellation happens on paths that must not fail.
func (d *Dispatcher) cancelTask(ctx context.Context, b *models.Build) {
	if !d.enabled(b.Bucket) {
		return
	}
	if err := d.backend.CancelTask(ctx, b); err != nil {
		d.log.Warn("failed to cancel remote task", "build_id", b.ID, "bucket", b.Bucket, "error", err)
	}
}

func mapBackendError(b *models.Build, err error) error {
	var be *BackendError
	if !errors.As(err, &be) {
		return err
	}

	switch be.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &buildqerrors.PermissionError{
			Identity: "buildqueue",
			Action:   "dispatch build",
			Bucket:   b.Bucket,
		}
	case http.StatusBadRequest:
		return buildqerrors.NewInvalidInput(
			"bucket %q has a bad task configuration: %v", b.Bucket, be.Err)
	default:
		return err
	}
}
