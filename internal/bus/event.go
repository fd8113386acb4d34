package bus

// Event is a notification pushed from the background engine to every
// subscribed foreground client. Delivery is broadcast: all subscribers see
// all events, and no correlation id ties an event to a requester.
type Event interface {
	isEvent()
}

// VideoDownloaded reports the terminal outcome of a download task.
type VideoDownloaded struct {
	VideoID string
	Success bool
	Error   string
}

// VideoDeleted reports the outcome of an asset deletion.
type VideoDeleted struct {
	VideoID string
	Success bool
}

// DownloadProgress reports a coarse progress checkpoint for an active task.
type DownloadProgress struct {
	VideoID string
	Percent int
}

// Activated reports that a new engine version took control of clients.
type Activated struct {
	Version string
}

func (VideoDownloaded) isEvent()  {}
func (VideoDeleted) isEvent()     {}
func (DownloadProgress) isEvent() {}
func (Activated) isEvent()        {}
