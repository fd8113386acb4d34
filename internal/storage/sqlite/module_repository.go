package sqlite

import (
	"database/sql"

	"github.com/offlinehq/syncengine/internal/storage"
)

// ModuleCacheRepository tracks proactively cached module data in SQLite.
type ModuleCacheRepository struct {
	db *sql.DB
}

func NewModuleCacheRepository(dbConn *sql.DB) *ModuleCacheRepository {
	return &ModuleCacheRepository{db: dbConn}
}

func (r *ModuleCacheRepository) Put(record storage.ModuleCacheRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO module_cache (module_id, cached_at)
		VALUES (?, ?)
		ON CONFLICT(module_id) DO UPDATE SET cached_at = excluded.cached_at
	`, record.ModuleID, record.CachedAt)
	if err != nil {
		return &storage.StorageError{Operation: "put_module", Table: "module_cache", Err: err}
	}

	return nil
}

func (r *ModuleCacheRepository) Get(moduleID string) (*storage.ModuleCacheRecord, error) {
	var record storage.ModuleCacheRecord

	err := r.db.QueryRow(
		`SELECT module_id, cached_at FROM module_cache WHERE module_id = ?`, moduleID,
	).Scan(&record.ModuleID, &record.CachedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, &storage.StorageError{Operation: "get_module", Table: "module_cache", Err: err}
	}

	return &record, nil
}

func (r *ModuleCacheRepository) Delete(moduleID string) error {
	res, err := r.db.Exec(`DELETE FROM module_cache WHERE module_id = ?`, moduleID)
	if err != nil {
		return &storage.StorageError{Operation: "delete_module", Table: "module_cache", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &storage.StorageError{Operation: "delete_module", Table: "module_cache", Err: err}
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *ModuleCacheRepository) List() ([]storage.ModuleCacheRecord, error) {
	rows, err := r.db.Query(`SELECT module_id, cached_at FROM module_cache`)
	if err != nil {
		return nil, &storage.StorageError{Operation: "list_modules", Table: "module_cache", Err: err}
	}
	defer rows.Close()

	var records []storage.ModuleCacheRecord

	for rows.Next() {
		var record storage.ModuleCacheRecord
		if err := rows.Scan(&record.ModuleID, &record.CachedAt); err != nil {
			return nil, &storage.StorageError{Operation: "list_modules", Table: "module_cache", Err: err}
		}

		records = append(records, record)
	}

	return records, nil
}
