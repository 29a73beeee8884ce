// Package orchestrator drives a remote annotation service over a request/reply
// channel. It keeps a bounded window of in-flight requests, reissues requests
// whose replies never arrive, and persists each group of items exactly once,
// after every item of the group has been answered.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConsumeTimeout is returned by Transport.Consume when no reply arrived
// within the poll timeout. It is a liveness signal, not a failure.
var ErrConsumeTimeout = errors.New("no reply within poll timeout")

// WorkItem is the smallest unit of work sent to the remote service.
type WorkItem struct {
	// GroupKey identifies the unit that is persisted as a whole
	// (a video, or a person/gesture pair).
	GroupKey string
	// ItemKey is the position of the item within its group.
	ItemKey int
	Payload []byte
}

// Source produces work items in a deterministic, forward-only order.
type Source interface {
	// Next returns the next item. ok is false once the source is exhausted;
	// an exhausted source stays exhausted.
	Next() (item WorkItem, ok bool)

	// ExpectedCount returns how many items of the group must be answered
	// before the group is complete.
	ExpectedCount(groupKey string) (int, bool)
}

// Reply is a message received from the remote service.
type Reply struct {
	CorrelationID string
	OK            bool
	Result        []byte
}

// Transport is the narrow request/reply contract the orchestrator needs from a
// message broker client.
type Transport interface {
	// Publish sends payload tagged with the transport's reply destination and
	// returns a fresh correlation id. The id is returned even when the send
	// failed, so the request can be tracked and reissued after its deadline.
	Publish(ctx context.Context, payload []byte) (string, error)

	// Consume blocks up to timeout for the next reply. It returns
	// ErrConsumeTimeout when nothing arrived.
	Consume(ctx context.Context, timeout time.Duration) (Reply, error)
}

// CompletionRecord is the artifact persisted once per group.
type CompletionRecord struct {
	GroupKey  string
	Results   []json.RawMessage // ordered by item key
	CreatedAt time.Time
}

// Persister stores completed groups.
type Persister interface {
	Persist(rec CompletionRecord) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(rec CompletionRecord) error

// Persist calls f(rec).
func (f PersisterFunc) Persist(rec CompletionRecord) error { return f(rec) }

// Decoder validates and normalizes a reply body. A non-nil error makes the
// reply count as if it never arrived.
type Decoder func(body []byte) (json.RawMessage, error)

// DecodeJSON accepts any syntactically valid JSON document.
func DecodeJSON(body []byte) (json.RawMessage, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("reply body is not valid JSON (%d bytes)", len(body))
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out, nil
}
