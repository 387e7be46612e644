// Package store joins the image-record database and the object store behind
// the single surface the processing loop works against.
package store

import (
	"context"
	"errors"
	"fmt"

	"plant-diagnosis-pipeline/database"
	"plant-diagnosis-pipeline/models"
	"plant-diagnosis-pipeline/storage"
)

var (
	// ErrNotFound means the record or its stored object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable means a backing service could not be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict means the record changed since it was read.
	ErrConflict = errors.New("write conflict")
)

// RecordStore is what the processing loop needs from persistent storage.
type RecordStore interface {
	// ListPending returns not-yet-processed images, oldest first, with a
	// stable order so repeated runs make forward progress.
	ListPending(ctx context.Context, limit int) ([]models.ImageRecord, error)
	// Claim moves an image from pending to processing, failing with
	// ErrConflict if another run got there first.
	Claim(ctx context.Context, imageID string) error
	// FetchImageBytes downloads the image object.
	FetchImageBytes(ctx context.Context, storagePath string) ([]byte, error)
	// HasDiagnosis reports whether a diagnosis already exists for the image.
	HasDiagnosis(ctx context.Context, imageID string) (bool, error)
	// SaveDiagnosis writes the diagnosis result. Callers write the result
	// first and flip the status second, so a crash in between leaves a
	// pending record with an existing result, which the next run finalizes
	// without re-diagnosing.
	SaveDiagnosis(ctx context.Context, diag *models.Diagnosis) error
	// MarkStatus sets the image's terminal or reverted status.
	MarkStatus(ctx context.Context, imageID string, status models.ImageStatus) error
	// Ping checks both backing services, for the test_connection action.
	Ping(ctx context.Context) error
}

// Store is the production RecordStore over MySQL and S3.
type Store struct {
	db      *database.Database
	objects *storage.ObjectStore
}

// New creates a Store from its two backing clients.
func New(db *database.Database, objects *storage.ObjectStore) *Store {
	return &Store{db: db, objects: objects}
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]models.ImageRecord, error) {
	records, err := s.db.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return records, nil
}

func (s *Store) Claim(ctx context.Context, imageID string) error {
	return translateDB(s.db.ClaimPending(ctx, imageID))
}

func (s *Store) FetchImageBytes(ctx context.Context, storagePath string) ([]byte, error) {
	data, err := s.objects.Fetch(ctx, storagePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%v: %w", err, ErrNotFound)
		}
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return data, nil
}

func (s *Store) HasDiagnosis(ctx context.Context, imageID string) (bool, error) {
	ok, err := s.db.HasDiagnosis(ctx, imageID)
	if err != nil {
		return false, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return ok, nil
}

func (s *Store) SaveDiagnosis(ctx context.Context, diag *models.Diagnosis) error {
	return translateDB(s.db.SaveDiagnosis(ctx, diag))
}

func (s *Store) MarkStatus(ctx context.Context, imageID string, status models.ImageStatus) error {
	return translateDB(s.db.SetStatus(ctx, imageID, status))
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %v: %w", err, ErrUnavailable)
	}
	if err := s.objects.Ping(ctx); err != nil {
		return fmt.Errorf("object storage: %v: %w", err, ErrUnavailable)
	}
	return nil
}

// translateDB maps database-layer errors onto the store taxonomy.
func translateDB(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, database.ErrConflict):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	default:
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
}
