package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// DefaultInboxSize bounds the replies buffered between a network goroutine
// and the orchestrator loop.
const DefaultInboxSize = 1024

// Options are shared by every client transport.
type Options struct {
	// Topic names the remote service, e.g. "SkeletonsDetector.Detect".
	Topic       string
	ContentType string
	// Timeout is forwarded to the service as the per-message timeout.
	Timeout   time.Duration
	InboxSize int
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ContentType == "" {
		o.ContentType = ContentTypeJSON
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) request(id, replyTo string, body []byte) Request {
	return Request{
		CorrelationID: id,
		ReplyTo:       replyTo,
		Topic:         o.Topic,
		ContentType:   o.ContentType,
		TimeoutMs:     o.Timeout.Milliseconds(),
		Body:          body,
	}
}

// inbox buffers replies received by a network goroutine until the
// orchestrator consumes them.
type inbox struct {
	replies chan orchestrator.Reply
	log     *slog.Logger
}

func newInbox(size int, log *slog.Logger) *inbox {
	return &inbox{
		replies: make(chan orchestrator.Reply, size),
		log:     log,
	}
}

// deliver never blocks. A reply that does not fit is dropped, and the
// request it answers is eventually reissued.
func (in *inbox) deliver(r orchestrator.Reply) bool {
	select {
	case in.replies <- r:
		return true
	default:
		in.log.Warn("reply inbox full, dropping reply", "correlation_id", r.CorrelationID)
		return false
	}
}

func (in *inbox) consume(ctx context.Context, timeout time.Duration) (orchestrator.Reply, error) {
	select {
	case r := <-in.replies:
		return r, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-in.replies:
		return r, nil
	case <-timer.C:
		return orchestrator.Reply{}, orchestrator.ErrConsumeTimeout
	case <-ctx.Done():
		return orchestrator.Reply{}, ctx.Err()
	}
}
