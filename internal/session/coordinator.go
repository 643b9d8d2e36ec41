package session

import (
	"context"
	"log"

	"github.com/chadiek/avatar-bridge/internal/observability"
)

// Coordinator guarantees paired release of a session's resources: the
// registry entry, the background pipeline task, the avatar conversation and
// the transport connection. All teardown triggers (transport closed event,
// explicit end request, process shutdown) funnel through Teardown; the
// registry's atomic Remove makes the release exactly-once without further
// locking.
type Coordinator struct {
	registry *Registry
	metrics  *observability.Metrics
}

func NewCoordinator(registry *Registry, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{registry: registry, metrics: metrics}
}

// Teardown removes the session and releases its external resources. The bool
// reports whether this caller won the removal; losers observe "already
// removed" and do nothing further.
func (c *Coordinator) Teardown(ctx context.Context, id string) (*Session, bool) {
	sess, ok := c.registry.Remove(id)
	if !ok {
		return nil, false
	}
	log.Printf("[%s] discarding peer connection", id)

	// Cancel the pipeline task first; the registry entry is already gone, so
	// slow cancellation never delays a concurrent teardown observer.
	sess.CancelTask()

	if avatar := sess.Avatar(); avatar != nil {
		if err := avatar.EndConversation(ctx); err != nil {
			log.Printf("[%s] end conversation: %v", id, err)
			if c.metrics != nil {
				c.metrics.ProviderErrors.WithLabelValues("tavus", "end").Inc()
			}
		}
	}
	if tr := sess.Transport(); tr != nil {
		_ = tr.Disconnect()
	}
	sess.markClosed()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Dec()
		c.metrics.SessionEvents.WithLabelValues("closed").Inc()
	}
	return sess, true
}

// Drain tears down every live session; used on process shutdown.
func (c *Coordinator) Drain(ctx context.Context) {
	for _, sess := range c.registry.List() {
		c.Teardown(ctx, sess.ID)
	}
}
