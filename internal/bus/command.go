package bus

import "context"

// Command is a request from a foreground client to the background engine.
// The variants are a closed set; dispatchers switch over them exhaustively.
type Command interface {
	isCommand()
}

// DownloadVideo asks the engine to fetch and cache a large asset.
type DownloadVideo struct {
	VideoID   string
	VideoURL  string
	Title     string
	Thumbnail string
}

// DeleteVideo asks the engine to remove a downloaded asset and its record.
type DeleteVideo struct {
	VideoID string
}

// CacheModuleData asks the engine to proactively cache a module's auxiliary
// assets. Best effort, no reply event.
type CacheModuleData struct {
	ModuleID string
	Videos   []ModuleVideo
}

// ModuleVideo is the slice of module data the engine cares about.
type ModuleVideo struct {
	ID        string
	Thumbnail string
}

// SkipWaiting asks a pending engine version to activate immediately.
type SkipWaiting struct{}

func (DownloadVideo) isCommand()   {}
func (DeleteVideo) isCommand()     {}
func (CacheModuleData) isCommand() {}
func (SkipWaiting) isCommand()     {}

// Sink consumes commands. The engine implements it; transports (HTTP, in
// process) only ever see this interface.
type Sink interface {
	Dispatch(ctx context.Context, cmd Command) error
}
