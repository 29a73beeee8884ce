package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// Loopback serves requests with an in-process Handler. Requests still travel
// through the msgpack envelopes, so it behaves like a remote service without
// a broker.
type Loopback struct {
	opts    Options
	handler Handler
	latency time.Duration
	inbox   *inbox
	replyTo string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoopback creates a loopback transport answering with h after latency.
func NewLoopback(h Handler, latency time.Duration, opts Options) *Loopback {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Loopback{
		opts:    opts,
		handler: h,
		latency: latency,
		inbox:   newInbox(opts.InboxSize, opts.Logger),
		replyTo: "loopback/" + uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish implements orchestrator.Transport.
func (l *Loopback) Publish(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	raw, err := encode(l.opts.request(id, l.replyTo, payload))
	if err != nil {
		return id, err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if l.latency > 0 {
			select {
			case <-time.After(l.latency):
			case <-l.ctx.Done():
				return
			}
		}
		_, reply, ok := dispatch(l.ctx, l.handler, raw, l.opts.Logger)
		if !ok {
			return
		}
		resp, err := DecodeResponse(reply)
		if err != nil {
			l.opts.Logger.Warn("discarding malformed reply", "error", err)
			return
		}
		l.inbox.deliver(resp.Reply())
	}()
	return id, nil
}

// Consume implements orchestrator.Transport.
func (l *Loopback) Consume(ctx context.Context, timeout time.Duration) (orchestrator.Reply, error) {
	return l.inbox.consume(ctx, timeout)
}

// Close abandons requests still being handled.
func (l *Loopback) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}
