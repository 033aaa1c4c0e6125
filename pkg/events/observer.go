package events

import (
	"context"

	"github.com/cuemby/rpasession/pkg/log"
)

// LogObserver subscribes to broker and logs every event it receives at
// info level, one structured line per event, until ctx is done. It runs
// in its own goroutine and unsubscribes on exit, the subscribe/range/
// unsubscribe shape any broker consumer follows.
func LogObserver(ctx context.Context, broker *Broker) {
	sub := broker.Subscribe()
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub:
				if !ok {
					return
				}
				eventLogger := log.WithSessionID(event.SessionID)
				eventLogger.Info().
					Str("event_type", string(event.Type)).
					Str("message", event.Message).
					Time("event_time", event.Timestamp).
					Msg("session lifecycle event")
			}
		}
	}()
}
