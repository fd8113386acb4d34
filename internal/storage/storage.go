package storage

// VideoRecord is the durable proof that a large asset has been fully and
// successfully cached. It is written only after the asset's bytes are in the
// video cache bucket; "downloaded" status is ever only derived from the
// presence of this record, which keeps a failed download invisible.
type VideoRecord struct {
	ID           string
	Title        string
	SourceURL    string
	DownloadedAt string
	Transcript   string
	Thumbnail    string
}

// ModuleCacheRecord notes that a content module's auxiliary assets
// (thumbnails, quiz text) have been proactively cached.
type ModuleCacheRecord struct {
	ModuleID string
	CachedAt string
}

// ContentEntry is a generic key/value content record (settings, preferences,
// precomputed payloads).
type ContentEntry struct {
	Key      string
	Payload  []byte
	CachedAt string
}

// VideoRepository persists download bookkeeping. Write ordering contract:
// the asset's bytes must already be present in the video cache bucket before
// Put is called, and on deletion the bucket entries are removed before (or
// at worst best-effort alongside) the record. There are no cross-table
// transactions; this ordering is what keeps metadata and blob consistent.
type VideoRepository interface {
	Put(record VideoRecord) error
	Get(id string) (*VideoRecord, error)
	Delete(id string) error
	List() ([]VideoRecord, error)
}

// ModuleCacheRepository tracks which modules have had their auxiliary
// assets cached.
type ModuleCacheRepository interface {
	Put(record ModuleCacheRecord) error
	Get(moduleID string) (*ModuleCacheRecord, error)
	Delete(moduleID string) error
	List() ([]ModuleCacheRecord, error)
}

// ContentRepository stores generic keyed content entries.
type ContentRepository interface {
	Put(entry ContentEntry) error
	Get(key string) (*ContentEntry, error)
	Delete(key string) error
	List() ([]ContentEntry, error)
}
