package relay

import (
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates bridge lifecycle events for Observer pattern.
type EventType string

const (
	RequestStart EventType = "request_start"
	Subscribed   EventType = "subscribed"
	Published    EventType = "published"
	Replied      EventType = "replied"
	TimedOut     EventType = "timed_out"
	Failed       EventType = "failed"
	Unsubscribed EventType = "unsubscribed"
	LateReply    EventType = "late_reply"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Action        Action
	CorrelationID string
	Channel       string
	Duration      time.Duration
	At            time.Time
	Err           error
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bridge events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("action", string(e.Action)),
		xlog.Str("correlation_id", e.CorrelationID),
		xlog.Str("channel", e.Channel),
	)
	switch e.Type {
	case TimedOut, Failed, LateReply:
		ev.Warn().Err(e.Err).Msg("relay event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("relay event")
	}
}
