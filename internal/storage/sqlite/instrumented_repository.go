package sqlite

import (
	"context"
	"database/sql"

	"github.com/offlinehq/syncengine/internal/storage"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// InstrumentedVideoRepository wraps VideoRepository with telemetry.
type InstrumentedVideoRepository struct {
	repo      *VideoRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedVideoRepository creates a new instrumented video repository.
func NewInstrumentedVideoRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedVideoRepository {
	return &InstrumentedVideoRepository{
		repo:      NewVideoRepository(dbConn),
		telemetry: tel,
	}
}

// Put stores a video record with telemetry.
func (r *InstrumentedVideoRepository) Put(record storage.VideoRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "put_video", func(ctx context.Context) error {
		return r.repo.Put(record)
	})
}

// Get retrieves a video record with telemetry.
func (r *InstrumentedVideoRepository) Get(id string) (*storage.VideoRecord, error) {
	var result *storage.VideoRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_video", func(ctx context.Context) error {
		result, err = r.repo.Get(id)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Delete removes a video record with telemetry.
func (r *InstrumentedVideoRepository) Delete(id string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_video", func(ctx context.Context) error {
		return r.repo.Delete(id)
	})
}

// List retrieves all video records with telemetry.
func (r *InstrumentedVideoRepository) List() ([]storage.VideoRecord, error) {
	var result []storage.VideoRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "list_videos", func(ctx context.Context) error {
		result, err = r.repo.List()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
