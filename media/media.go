// Package media turns user requests into playable sources.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Resolver failure classes. Callers surface them unchanged; nothing retries.
var (
	ErrNotFound    = errors.New("media not found")
	ErrNetwork     = errors.New("network error")
	ErrExtraction  = errors.New("extraction failed")
	ErrTooLarge    = errors.New("input exceeds size limit")
	ErrUnsupported = errors.New("unsupported input")
)

// Source is where the transcoder reads from.
type Source struct {
	Location string // local path or remote URL
	Owned    bool   // Location is a temporary file the relay must delete
}

// Resolved is a playable source plus display metadata.
type Resolved struct {
	Source          Source
	Title           string
	DurationSeconds int
	Thumbnail       string
}

// Request asks a resolver for media.
type Request struct {
	Query string // URL or search terms
	Video bool   // prefer a format with a video track
}

// Resolver resolves a request to a playable source.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Resolved, error)
}

// FormatDuration renders seconds as M:SS, or H:MM:SS from one hour up.
// Negative values render as 0:00.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	mins, secs := seconds/60, seconds%60
	hours, mins := mins/60, mins%60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, mins, secs)
	}
	return fmt.Sprintf("%d:%02d", mins, secs)
}
