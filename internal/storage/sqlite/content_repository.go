package sqlite

import (
	"database/sql"

	"github.com/offlinehq/syncengine/internal/storage"
)

// ContentRepository stores generic keyed content entries in SQLite.
type ContentRepository struct {
	db *sql.DB
}

func NewContentRepository(dbConn *sql.DB) *ContentRepository {
	return &ContentRepository{db: dbConn}
}

func (r *ContentRepository) Put(entry storage.ContentEntry) error {
	_, err := r.db.Exec(`
		INSERT INTO content (key, payload, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at
	`, entry.Key, entry.Payload, entry.CachedAt)
	if err != nil {
		return &storage.StorageError{Operation: "put_content", Table: "content", Err: err}
	}

	return nil
}

func (r *ContentRepository) Get(key string) (*storage.ContentEntry, error) {
	var entry storage.ContentEntry

	err := r.db.QueryRow(
		`SELECT key, payload, cached_at FROM content WHERE key = ?`, key,
	).Scan(&entry.Key, &entry.Payload, &entry.CachedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, &storage.StorageError{Operation: "get_content", Table: "content", Err: err}
	}

	return &entry, nil
}

func (r *ContentRepository) Delete(key string) error {
	res, err := r.db.Exec(`DELETE FROM content WHERE key = ?`, key)
	if err != nil {
		return &storage.StorageError{Operation: "delete_content", Table: "content", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &storage.StorageError{Operation: "delete_content", Table: "content", Err: err}
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *ContentRepository) List() ([]storage.ContentEntry, error) {
	rows, err := r.db.Query(`SELECT key, payload, cached_at FROM content`)
	if err != nil {
		return nil, &storage.StorageError{Operation: "list_content", Table: "content", Err: err}
	}
	defer rows.Close()

	var entries []storage.ContentEntry

	for rows.Next() {
		var entry storage.ContentEntry
		if err := rows.Scan(&entry.Key, &entry.Payload, &entry.CachedAt); err != nil {
			return nil, &storage.StorageError{Operation: "list_content", Table: "content", Err: err}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
