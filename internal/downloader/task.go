package downloader

import "github.com/google/uuid"

// State is a download task's lifecycle position.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateError       State = "error"
)

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Task is the transient in-flight representation of one requested asset
// download. It lives in the manager's task table until its terminal state
// has been broadcast; durable outcome lives in the video repository.
type Task struct {
	ID        uuid.UUID
	AssetID   string
	SourceURL string
	State     State
	Progress  int // 0-100, monotonically non-decreasing
	Error     string
}
