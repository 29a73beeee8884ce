package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

const writeWait = 2 * time.Second

// WebSocket is a request/reply client over a single WebSocket connection.
// Replies come back on the same connection, so the reply destination is
// only informational.
type WebSocket struct {
	opts    Options
	conn    *websocket.Conn
	replyTo string
	inbox   *inbox
	log     *slog.Logger

	writeMu sync.Mutex
	done    chan struct{}
	readErr error // set before done is closed
}

// DialWebSocket connects to a gateway at url, e.g. ws://localhost:8080/ws.
func DialWebSocket(ctx context.Context, url string, opts Options) (*WebSocket, error) {
	opts = opts.withDefaults()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}

	w := &WebSocket{
		opts:    opts,
		conn:    conn,
		replyTo: "ws/" + uuid.NewString(),
		inbox:   newInbox(opts.InboxSize, opts.Logger),
		log:     opts.Logger,
		done:    make(chan struct{}),
	}
	go w.readLoop()
	opts.Logger.Info("websocket connected", "url", url)
	return w, nil
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.log.Warn("websocket read failed", "error", err)
			}
			w.readErr = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		resp, err := DecodeResponse(data)
		if err != nil {
			w.log.Warn("discarding malformed reply", "error", err)
			continue
		}
		w.inbox.deliver(resp.Reply())
	}
}

// Publish implements orchestrator.Transport.
func (w *WebSocket) Publish(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	raw, err := encode(w.opts.request(id, w.replyTo, payload))
	if err != nil {
		return id, err
	}

	select {
	case <-w.done:
		return id, fmt.Errorf("websocket connection closed: %w", w.readErr)
	default:
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return id, fmt.Errorf("websocket write: %w", err)
	}
	return id, nil
}

// Consume implements orchestrator.Transport.
func (w *WebSocket) Consume(ctx context.Context, timeout time.Duration) (orchestrator.Reply, error) {
	return w.inbox.consume(ctx, timeout)
}

// Close sends a close frame and waits for the reader to stop.
func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	err := w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	w.writeMu.Unlock()

	select {
	case <-w.done:
	case <-time.After(writeWait):
	}
	w.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// ServeConn answers every binary request read from conn with h, writing
// replies back on the same connection. It returns when the peer goes away or
// ctx is done.
func ServeConn(ctx context.Context, conn *websocket.Conn, h Handler, workers int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	jobs := make(chan []byte, 64*workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range jobs {
				_, reply, ok := dispatch(ctx, h, raw, log)
				if !ok {
					continue
				}
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.BinaryMessage, reply)
				writeMu.Unlock()
				if err != nil {
					log.Debug("websocket reply write failed", "error", err)
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var err error
	for {
		var kind int
		var data []byte
		kind, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case jobs <- data:
		default:
			log.Warn("request queue full, dropping request")
		}
	}
	close(jobs)
	wg.Wait()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
		return nil
	}
	return err
}
