package playback

import (
	"time"

	"github.com/rs/zerolog"

	"rtmprelay/ffmpeg"
)

// EventKind names a playback transition.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventFinished     EventKind = "finished"
	EventFailed       EventKind = "failed"  // exited abnormally on its own
	EventStopped      EventKind = "stopped" // ended by StopAll
	EventSkipped      EventKind = "skipped" // ended by Skip
	EventLaunchFailed EventKind = "launch_failed"
	EventHalted       EventKind = "halted" // gave up after consecutive launch failures
	EventCleared      EventKind = "cleared"
)

// Event is emitted from the chat's actor goroutine. Sinks must not block.
type Event struct {
	Kind    EventKind    `json:"kind"`
	ChatID  int64        `json:"chatId"`
	Item    *Item        `json:"item,omitempty"`
	Dropped int          `json:"dropped,omitempty"`
	Exit    *ffmpeg.Exit `json:"-"`
	Err     error        `json:"-"`
	At      time.Time    `json:"at"`
}

// EventSink receives playback events.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(ev Event) { f(ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) HandleEvent(ev Event) {
	for _, s := range m {
		s.HandleEvent(ev)
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) HandleEvent(ev Event) {
	var e *zerolog.Event
	switch ev.Kind {
	case EventFailed, EventLaunchFailed, EventHalted:
		e = s.Logger.Warn()
	default:
		e = s.Logger.Info()
	}
	e = e.Str("event", string(ev.Kind)).Int64("chat_id", ev.ChatID)
	if ev.Item != nil {
		e = e.Str("item_id", ev.Item.ID).Str("title", ev.Item.Title)
	}
	if ev.Dropped > 0 {
		e = e.Int("dropped", ev.Dropped)
	}
	if ev.Exit != nil {
		e = e.Int("exit_code", ev.Exit.Code).Dur("runtime", ev.Exit.Runtime)
		if ev.Kind == EventFailed && ev.Exit.Stderr != "" {
			e = e.Str("stderr_tail", ev.Exit.Stderr)
		}
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("playback event")
}
