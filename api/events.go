package api

import (
	"sync"
	"time"

	"rtmprelay/playback"
)

const defaultEventHistory = 20

// EventLog keeps the most recent playback events per chat so clients can poll
// for notifications such as "now playing" or "stream failed".
type EventLog struct {
	max int

	mu     sync.Mutex
	events map[int64][]EventView
}

type EventView struct {
	Kind     playback.EventKind `json:"kind"`
	Title    string             `json:"title,omitempty"`
	Duration string             `json:"duration,omitempty"`
	ExitCode *int               `json:"exitCode,omitempty"`
	Dropped  int                `json:"dropped,omitempty"`
	Error    string             `json:"error,omitempty"`
	At       time.Time          `json:"at"`
}

func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = defaultEventHistory
	}
	return &EventLog{max: max, events: make(map[int64][]EventView)}
}

// HandleEvent implements playback.EventSink.
func (l *EventLog) HandleEvent(ev playback.Event) {
	v := EventView{Kind: ev.Kind, Dropped: ev.Dropped, At: ev.At}
	if ev.Item != nil {
		v.Title = ev.Item.Title
		v.Duration = durationLabel(ev.Item.DurationSeconds)
	}
	if ev.Exit != nil {
		code := ev.Exit.Code
		v.ExitCode = &code
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.events[ev.ChatID], v)
	if len(list) > l.max {
		list = append([]EventView(nil), list[len(list)-l.max:]...)
	}
	l.events[ev.ChatID] = list
}

// Recent returns the chat's events, oldest first.
func (l *EventLog) Recent(chatID int64) []EventView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventView{}, l.events[chatID]...)
}
