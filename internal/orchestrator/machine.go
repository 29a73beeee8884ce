package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is a state of the orchestrator loop.
type State int

const (
	// StateFill tops up the in-flight window from the source.
	StateFill State = iota
	// StateAwaitReply blocks briefly for one reply.
	StateAwaitReply
	// StateAggregate stores the reply just received and flushes complete groups.
	StateAggregate
	// StateRetry reissues requests past their deadline.
	StateRetry
	// StateDone is terminal: the source is exhausted and nothing is in flight.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateFill:
		return "fill"
	case StateAwaitReply:
		return "await_reply"
	case StateAggregate:
		return "aggregate"
	case StateRetry:
		return "retry"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Default tunables, matching the 2-D detection pipeline.
const (
	DefaultMinWindow   = 5
	DefaultMaxWindow   = 10
	DefaultDeadline    = 15 * time.Second
	DefaultPollTimeout = time.Second
)

// Config holds the tunables and collaborators of a Machine.
type Config struct {
	MinWindow   int
	MaxWindow   int
	Deadline    time.Duration
	PollTimeout time.Duration

	Persister Persister
	Decoder   Decoder  // defaults to DecodeJSON
	Observer  Observer // optional
	Logger    *slog.Logger
	Now       func() time.Time
}

// DefaultConfig returns a Config with the default tunables. Persister must
// still be set.
func DefaultConfig() Config {
	return Config{
		MinWindow:   DefaultMinWindow,
		MaxWindow:   DefaultMaxWindow,
		Deadline:    DefaultDeadline,
		PollTimeout: DefaultPollTimeout,
	}
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	InFlight   int
	OpenGroups int
	Flushed    int
	Issued     int
	Replies    int
	Retries    int
	Discarded  int
}

// Machine is the orchestrator state machine. It is single-threaded: Step and
// Run must not be called concurrently, and the window and aggregator are owned
// exclusively by the loop.
type Machine struct {
	cfg       Config
	src       Source
	transport Transport
	log       *slog.Logger
	observer  Observer

	window     *Window
	aggregator *Aggregator
	supervisor *Supervisor

	state State
	reply Reply
	stats Stats

	// ctx is only valid for the duration of a Step.
	ctx context.Context
}

// New creates a Machine pulling from src and talking through t.
func New(src Source, t Transport, cfg Config) (*Machine, error) {
	if src == nil || t == nil {
		return nil, errors.New("orchestrator: source and transport are required")
	}
	if cfg.Persister == nil {
		return nil, errors.New("orchestrator: persister is required")
	}
	if cfg.MinWindow < 1 || cfg.MaxWindow < cfg.MinWindow {
		return nil, fmt.Errorf("orchestrator: invalid window bounds [%d, %d]", cfg.MinWindow, cfg.MaxWindow)
	}
	if cfg.Deadline <= 0 || cfg.PollTimeout <= 0 {
		return nil, fmt.Errorf("orchestrator: deadline (%s) and poll timeout (%s) must be positive", cfg.Deadline, cfg.PollTimeout)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = DecodeJSON
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Machine{
		cfg:       cfg,
		src:       src,
		transport: t,
		log:       cfg.Logger,
		observer:  cfg.Observer,
		window:    NewWindow(cfg.MinWindow, cfg.MaxWindow),
		state:     StateFill,
		ctx:       context.Background(),
	}
	m.aggregator = NewAggregator(src.ExpectedCount, cfg.Persister, cfg.Observer, cfg.Now, cfg.Logger)
	m.supervisor = NewSupervisor(m.window, cfg.Deadline, m.reissue, cfg.Observer, cfg.Logger)
	return m, nil
}

// State returns the state the next Step will execute.
func (m *Machine) State() State {
	return m.state
}

// Window exposes the in-flight window for inspection.
func (m *Machine) Window() *Window {
	return m.window
}

// Stats returns a snapshot of the loop counters.
func (m *Machine) Stats() Stats {
	s := m.stats
	s.InFlight = m.window.Size()
	s.OpenGroups = m.aggregator.Open()
	s.Flushed = m.aggregator.FlushedCount()
	return s
}

// Run steps the machine until it reaches StateDone. The only error it returns
// is ctx's, in which case in-flight requests and partial groups are abandoned
// exactly as if the process had been killed.
func (m *Machine) Run(ctx context.Context) error {
	for m.state != StateDone {
		if err := m.Step(ctx); err != nil {
			return err
		}
	}

	s := m.Stats()
	m.log.Info("completed",
		"flushed", s.Flushed,
		"issued", s.Issued,
		"replies", s.Replies,
		"retries", s.Retries,
		"discarded", s.Discarded)
	return nil
}

// Step executes the transition function of the current state.
func (m *Machine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.ctx = ctx
	defer func() { m.ctx = context.Background() }()

	switch m.state {
	case StateFill:
		m.state = m.fill()
	case StateAwaitReply:
		m.state = m.awaitReply()
	case StateAggregate:
		m.state = m.aggregate()
	case StateRetry:
		m.state = m.retry()
	case StateDone:
	default:
		m.log.Warn("unknown orchestrator state, resetting", "state", m.state)
		m.state = StateFill
	}
	return ctx.Err()
}

func (m *Machine) fill() State {
	if n := m.window.Refill(m.src, m.issue); n > 0 {
		m.log.Debug("window refilled", "issued", n, "in_flight", m.window.Size())
	}
	if m.window.Exhausted() && m.window.Size() == 0 {
		m.aggregator.Sweep()
		return StateDone
	}
	return StateAwaitReply
}

func (m *Machine) awaitReply() State {
	reply, err := m.transport.Consume(m.ctx, m.cfg.PollTimeout)
	if err != nil {
		if !errors.Is(err, ErrConsumeTimeout) && m.ctx.Err() == nil {
			m.log.Warn("consume failed", "error", err)
		}
		return StateRetry
	}
	m.reply = reply
	return StateAggregate
}

func (m *Machine) aggregate() State {
	reply := m.reply
	m.reply = Reply{}
	m.stats.Replies++

	p, ok := m.window.Get(reply.CorrelationID)
	switch {
	case !ok:
		m.stats.Discarded++
		m.log.Debug("reply for unknown correlation id discarded", "correlation_id", reply.CorrelationID)
	case !reply.OK:
		m.stats.Discarded++
		m.log.Debug("error reply ignored, request stays pending",
			"correlation_id", reply.CorrelationID, "group", p.GroupKey, "item", p.ItemKey)
	default:
		result, err := m.cfg.Decoder(reply.Result)
		if err != nil {
			m.stats.Discarded++
			m.log.Warn("malformed reply ignored, request stays pending",
				"correlation_id", reply.CorrelationID, "group", p.GroupKey, "item", p.ItemKey, "error", err)
			break
		}
		m.window.Retire(reply.CorrelationID)
		m.aggregator.Add(p, result)
	}

	m.aggregator.Sweep()
	return StateRetry
}

func (m *Machine) retry() State {
	m.stats.Retries += m.supervisor.Sweep(m.cfg.Now())
	m.aggregator.Sweep()
	return StateFill
}

// issue publishes a fresh work item.
func (m *Machine) issue(item WorkItem) PendingRequest {
	p := m.publish(item.GroupKey, item.ItemKey, item.Payload, 0)
	m.stats.Issued++
	m.observer.OnIssued(p)
	return p
}

// reissue republishes an expired request under a new correlation id.
func (m *Machine) reissue(expired PendingRequest) PendingRequest {
	return m.publish(expired.GroupKey, expired.ItemKey, expired.Payload, expired.Attempt+1)
}

func (m *Machine) publish(groupKey string, itemKey int, payload []byte, attempt int) PendingRequest {
	id, err := m.transport.Publish(m.ctx, payload)
	if err != nil {
		m.log.Warn("publish failed, request will be reissued after its deadline",
			"group", groupKey, "item", itemKey, "error", err)
	}
	if id == "" || m.window.Has(id) {
		// Replies can never match this id, so the request ends up reissued.
		id = "unsent-" + uuid.NewString()
	}
	return PendingRequest{
		CorrelationID: id,
		GroupKey:      groupKey,
		ItemKey:       itemKey,
		Payload:       payload,
		IssuedAt:      m.cfg.Now(),
		Attempt:       attempt,
	}
}
