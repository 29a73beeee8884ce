// Package transport implements request/reply channels between the
// orchestrator and a remote annotation service: MQTT, WebSocket and an
// in-process loopback. Every channel carries the same msgpack envelopes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// Content types carried in envelopes.
const (
	ContentTypeJSON = "application/json"
	ContentTypeJPEG = "image/jpeg"
)

// ErrDropped is returned by a Handler that chose not to answer a request.
var ErrDropped = errors.New("request dropped without reply")

// Request is the envelope sent to a service.
type Request struct {
	CorrelationID string `msgpack:"correlation_id"`
	ReplyTo       string `msgpack:"reply_to"`
	Topic         string `msgpack:"topic"`
	ContentType   string `msgpack:"content_type"`
	TimeoutMs     int64  `msgpack:"timeout_ms"`
	Body          []byte `msgpack:"body"`
}

// Status reports whether the service handled a request.
type Status struct {
	OK  bool   `msgpack:"ok"`
	Why string `msgpack:"why,omitempty"`
}

// Response is the envelope a service sends back to Request.ReplyTo.
type Response struct {
	CorrelationID string `msgpack:"correlation_id"`
	Status        Status `msgpack:"status"`
	ContentType   string `msgpack:"content_type"`
	Body          []byte `msgpack:"body"`
}

// Reply converts the envelope into what the orchestrator consumes.
func (r Response) Reply() orchestrator.Reply {
	return orchestrator.Reply{
		CorrelationID: r.CorrelationID,
		OK:            r.Status.OK,
		Result:        r.Body,
	}
}

func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack envelope: %w", err)
	}
	return b, nil
}

// DecodeRequest parses a request envelope.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("failed to unmarshal request envelope: %w", err)
	}
	if req.CorrelationID == "" {
		return Request{}, errors.New("request envelope has no correlation id")
	}
	return req, nil
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal response envelope: %w", err)
	}
	return resp, nil
}

// Handler answers requests on the service side.
type Handler interface {
	// Handle returns the reply for req. ErrDropped suppresses the reply;
	// any other error is sent back as a failed status.
	Handle(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// dispatch decodes a raw request, runs h and encodes the reply. ok is false
// when nothing must be sent back.
func dispatch(ctx context.Context, h Handler, raw []byte, log *slog.Logger) (req Request, reply []byte, ok bool) {
	req, err := DecodeRequest(raw)
	if err != nil {
		log.Warn("discarding malformed request", "error", err, "size", len(raw))
		return Request{}, nil, false
	}

	hctx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := h.Handle(hctx, req)
	switch {
	case errors.Is(err, ErrDropped):
		log.Debug("request dropped", "correlation_id", req.CorrelationID, "topic", req.Topic)
		return req, nil, false
	case err != nil:
		resp = Response{Status: Status{OK: false, Why: err.Error()}}
	}
	resp.CorrelationID = req.CorrelationID

	reply, err = encode(resp)
	if err != nil {
		log.Error("failed to encode reply", "correlation_id", req.CorrelationID, "error", err)
		return req, nil, false
	}
	return req, reply, true
}
