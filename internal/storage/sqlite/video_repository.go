package sqlite

import (
	"database/sql"

	"github.com/offlinehq/syncengine/internal/storage"
)

// VideoRepository stores video download records in SQLite. A row only
// exists once the asset's bytes have been written to the video cache bucket
// (see storage.VideoRepository for the ordering contract).
type VideoRepository struct {
	db *sql.DB
}

func NewVideoRepository(dbConn *sql.DB) *VideoRepository {
	return &VideoRepository{db: dbConn}
}

func (r *VideoRepository) Put(record storage.VideoRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO videos (id, title, source_url, downloaded_at, transcript, thumbnail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			source_url = excluded.source_url,
			downloaded_at = excluded.downloaded_at,
			transcript = excluded.transcript,
			thumbnail = excluded.thumbnail
	`, record.ID, record.Title, record.SourceURL, record.DownloadedAt, record.Transcript, record.Thumbnail)
	if err != nil {
		return &storage.StorageError{Operation: "put_video", Table: "videos", Err: err}
	}

	return nil
}

func (r *VideoRepository) Get(id string) (*storage.VideoRecord, error) {
	var record storage.VideoRecord

	err := r.db.QueryRow(
		`SELECT id, title, source_url, downloaded_at, transcript, thumbnail FROM videos WHERE id = ?`, id,
	).Scan(&record.ID, &record.Title, &record.SourceURL, &record.DownloadedAt, &record.Transcript, &record.Thumbnail)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, &storage.StorageError{Operation: "get_video", Table: "videos", Err: err}
	}

	return &record, nil
}

func (r *VideoRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return &storage.StorageError{Operation: "delete_video", Table: "videos", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &storage.StorageError{Operation: "delete_video", Table: "videos", Err: err}
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *VideoRepository) List() ([]storage.VideoRecord, error) {
	rows, err := r.db.Query(`SELECT id, title, source_url, downloaded_at, transcript, thumbnail FROM videos`)
	if err != nil {
		return nil, &storage.StorageError{Operation: "list_videos", Table: "videos", Err: err}
	}
	defer rows.Close()

	var records []storage.VideoRecord

	for rows.Next() {
		var record storage.VideoRecord
		if err := rows.Scan(&record.ID, &record.Title, &record.SourceURL, &record.DownloadedAt, &record.Transcript, &record.Thumbnail); err != nil {
			return nil, &storage.StorageError{Operation: "list_videos", Table: "videos", Err: err}
		}

		records = append(records, record)
	}

	return records, nil
}
