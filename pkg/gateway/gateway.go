/*
Package gateway documents and stubs the one contract the core needs from
the (out-of-scope, per spec.md §1) client-facing socket gateway: how a
completed step gets back to the connection that submitted it.

The gateway itself — generating sessionId, mapping connection↔session,
forwarding step submissions into pkg/queue — lives outside this
repository. pkg/worker only needs something to call when a step finishes,
so it can notify whichever connection is still bound to the session; this
package gives it a concrete interface plus a logging default so the core
compiles and runs standalone before a real gateway is wired in.
*/
package gateway

import (
	"context"

	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/session"
)

// Notifier delivers a step-completion notification to whichever
// connection the gateway currently has bound to a session. A session
// claimed on a different host than the one holding the client's socket
// cannot be notified directly by this process — spec.md §9 leaves that
// cross-host routing (e.g. a second pub/sub channel keyed by
// connectionId) to the gateway layer.
type Notifier interface {
	NotifyStepCompleted(ctx context.Context, connectionID, sessionID string, step session.Step) error
}

// LoggingNotifier is the default Notifier: it logs the notification it
// would have sent and returns nil. Real deployments replace it with an
// adapter into the socket gateway's own connection registry.
type LoggingNotifier struct{}

// NewLoggingNotifier creates a no-op Notifier suitable for standalone
// runs of the host process without a real gateway attached.
func NewLoggingNotifier() *LoggingNotifier {
	return &LoggingNotifier{}
}

func (n *LoggingNotifier) NotifyStepCompleted(ctx context.Context, connectionID, sessionID string, step session.Step) error {
	logger := log.WithSessionID(sessionID)
	if connectionID == "" {
		logger.Debug().Str("job_id", step.ID).Msg("step completed with no bound connection, dropping notification")
		return nil
	}
	logger.Info().
		Str("connection_id", connectionID).
		Str("job_id", step.ID).
		Str("action", step.Action).
		Msg("step completed, notifying gateway connection")
	return nil
}

var _ Notifier = (*LoggingNotifier)(nil)
