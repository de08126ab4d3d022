package playback

import (
	"time"

	"github.com/lithammer/shortuuid/v4"

	"rtmprelay/ffmpeg"
	"rtmprelay/media"
)

// Status is the outcome reported to the front end.
type Status string

const (
	StatusEnqueued           Status = "enqueued"
	StatusNowPlaying         Status = "now_playing"
	StatusQueueEmpty         Status = "queue_empty"
	StatusPreconditionFailed Status = "precondition_failed"
	StatusLaunchFailed       Status = "launch_failed"
	StatusStopped            Status = "stopped"
	StatusSkipped            Status = "skipped"
)

// Item is one queued unit of playback. It is never mutated after creation.
type Item struct {
	ID              string       `json:"id"`
	ChatID          int64        `json:"chatId"`
	Title           string       `json:"title"`
	DurationSeconds int          `json:"durationSeconds,omitempty"`
	Thumbnail       string       `json:"thumbnail,omitempty"`
	Source          media.Source `json:"-"`
	Command         []string     `json:"-"` // argv executed as is
	Mode            ffmpeg.Mode  `json:"mode"`
	Requester       string       `json:"requester,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// NewItem creates an item for chatID from resolved media and a prebuilt
// transcoder command.
func NewItem(chatID int64, res media.Resolved, command []string, mode ffmpeg.Mode, requester string) Item {
	return Item{
		ID:              shortuuid.New(),
		ChatID:          chatID,
		Title:           res.Title,
		DurationSeconds: res.DurationSeconds,
		Thumbnail:       res.Thumbnail,
		Source:          res.Source,
		Command:         command,
		Mode:            mode,
		Requester:       requester,
		CreatedAt:       time.Now(),
	}
}

// ownedFile is the path the relay must delete once the item is done with.
func (it Item) ownedFile() string {
	if it.Source.Owned {
		return it.Source.Location
	}
	return ""
}

// SubmitResult reports what Submit did with an item.
type SubmitResult struct {
	Status   Status `json:"status"`
	Item     Item   `json:"item"`
	Position int    `json:"position,omitempty"` // 1-based queue position when enqueued
}

// StopResult reports what StopAll tore down.
type StopResult struct {
	Status  Status `json:"status"`
	Stopped *Item  `json:"stopped,omitempty"`
	Cleared int    `json:"cleared"`
}

// SkipResult reports what Skip did.
type SkipResult struct {
	Status  Status `json:"status"`
	Skipped *Item  `json:"skipped,omitempty"`
	Next    *Item  `json:"next,omitempty"`
}

// ChatStatus is a read-only view of a chat.
type ChatStatus struct {
	ChatID     int64               `json:"chatId"`
	Active     bool                `json:"active"`
	Process    *ffmpeg.ProcessInfo `json:"process,omitempty"`
	NowPlaying *Item               `json:"nowPlaying,omitempty"`
	Queue      []Item              `json:"queue"`
}
