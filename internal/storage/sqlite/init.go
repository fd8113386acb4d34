package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the three content tables if
// they don't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		title TEXT,
		source_url TEXT,
		downloaded_at DATETIME,
		transcript TEXT,
		thumbnail TEXT
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS module_cache (
		module_id TEXT PRIMARY KEY,
		cached_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS content (
		key TEXT PRIMARY KEY,
		payload BLOB,
		cached_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
