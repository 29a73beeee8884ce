// Package app wires the request pipelines: it plans the pending work, connects
// the broker and runs the orchestrator until every pending group is persisted.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/felippe-mendonca/dataset-creator/internal/capture"
	"github.com/felippe-mendonca/dataset-creator/internal/config"
	"github.com/felippe-mendonca/dataset-creator/internal/dataset"
	"github.com/felippe-mendonca/dataset-creator/internal/detector"
	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
	"github.com/felippe-mendonca/dataset-creator/internal/store"
	"github.com/felippe-mendonca/dataset-creator/internal/transport"
)

// Run kinds recorded in the ledger.
const (
	Kind2D = "2d"
	Kind3D = "3d"
)

// Config holds configuration options for the application.
type Config struct {
	Settings *config.Config
	// Store is the run ledger; nil disables it.
	Store *store.Store
	// Open opens videos, capture.OpenFile when nil.
	Open   capture.Opener
	Logger *slog.Logger
}

// App runs the 2-D and 3-D request pipelines.
type App struct {
	config   Config
	log      *slog.Logger
	progress *Progress

	mu        sync.RWMutex
	handler   transport.Handler
	observers []orchestrator.Observer
}

// New creates a new App instance with the given configuration.
func New(cfg Config) *App {
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if cfg.Open == nil {
		cfg.Open = capture.OpenFile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &App{
		config:   cfg,
		log:      cfg.Logger,
		progress: NewProgress(cfg.Logger),
	}
}

// SetHandler sets the service answering requests on the loopback broker.
// By default a simulated detector built from the settings is used.
func (a *App) SetHandler(h transport.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// AddObserver registers an extra observer for the next runs.
func (a *App) AddObserver(o orchestrator.Observer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, o)
}

// Progress returns the progress counters of the current run.
func (a *App) Progress() *Progress {
	return a.progress
}

// Request2D requests skeleton detections for every pending video frame and
// writes one <video>_2d.json per video.
func (a *App) Request2D(ctx context.Context) error {
	s := a.config.Settings
	filter, err := dataset.NewFilter(s.Request2D.Filter)
	if err != nil {
		return err
	}
	plan, err := dataset.Plan2D(s.Folder, a.config.Open, filter, a.log)
	if err != nil {
		return fmt.Errorf("plan 2d requests: %w", err)
	}
	if plan.Empty() {
		return dataset.ErrNoPending
	}

	src := dataset.NewVideoFrameSource(plan, a.config.Open, dataset.VideoSourceOptions{
		Quality:  s.Request2D.JPEGQuality,
		Prefetch: s.Request2D.Prefetch,
		Logger:   a.log,
	})
	defer src.Close()

	return a.run(ctx, pipeline{
		kind:        Kind2D,
		plan:        plan,
		source:      src,
		persister:   dataset.AnnotationPersister(s.Folder),
		settings:    s.Request2D,
		contentType: transport.ContentTypeJPEG,
	})
}

// Request3D requests 3-D localizations for every pending sequence whose
// cameras all have 2-D annotations, and writes one pNNNgNN_3d.json per
// sequence.
func (a *App) Request3D(ctx context.Context) error {
	s := a.config.Settings
	filter, err := dataset.NewFilter(s.Request3D.Filter)
	if err != nil {
		return err
	}
	plan, err := dataset.Plan3D(s.Folder, s.Cameras, filter, a.log)
	if err != nil {
		return fmt.Errorf("plan 3d requests: %w", err)
	}
	if plan.Empty() {
		return dataset.ErrNoPending
	}

	return a.run(ctx, pipeline{
		kind:        Kind3D,
		plan:        plan,
		source:      dataset.NewAnnotationsSource(plan, s.Folder, s.Cameras, a.log),
		persister:   dataset.LocalizationPersister(s.Folder),
		settings:    s.Request3D,
		contentType: transport.ContentTypeJSON,
	})
}

type pipeline struct {
	kind        string
	plan        *dataset.Plan
	source      orchestrator.Source
	persister   dataset.FilePersister
	settings    config.PipelineConfig
	contentType string
}

func (a *App) run(ctx context.Context, p pipeline) error {
	log := a.log.With("pipeline", p.kind)
	log.Info("pending work",
		"groups", len(p.plan.Groups),
		"items", p.plan.Items(),
		"done", p.plan.Done,
		"skipped", len(p.plan.Skipped))

	tr, err := a.dial(ctx, p.settings, p.contentType)
	if err != nil {
		return err
	}
	defer tr.Close()

	a.progress.Reset(len(p.plan.Groups), p.plan.Items())
	observers := orchestrator.Observers{a.progress}

	var ledger *store.Ledger
	if a.config.Store != nil {
		ledger, err = a.config.Store.BeginRun(p.kind, a.config.Settings.Folder,
			len(p.plan.Groups), p.plan.Items(), p.persister.Path, log)
		if err != nil {
			return err
		}
		observers = append(observers, ledger)
		log = log.With("run_id", ledger.RunID())
	}

	a.mu.RLock()
	observers = append(observers, a.observers...)
	a.mu.RUnlock()

	m, err := orchestrator.New(p.source, tr, orchestrator.Config{
		MinWindow:   p.settings.MinWindow,
		MaxWindow:   p.settings.MaxWindow,
		Deadline:    p.settings.Deadline,
		PollTimeout: p.settings.PollTimeout,
		Persister:   p.persister,
		Decoder:     detector.Decode,
		Observer:    observers,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	runErr := m.Run(ctx)
	if ledger != nil {
		if err := ledger.Finish(runErr); err != nil {
			log.Error("failed to finish run", "error", err)
		}
	}
	return runErr
}

type clientTransport interface {
	orchestrator.Transport
	io.Closer
}

func (a *App) dial(ctx context.Context, p config.PipelineConfig, contentType string) (clientTransport, error) {
	b := a.config.Settings.Broker
	opts := transport.Options{
		Topic:       p.Topic,
		ContentType: contentType,
		Timeout:     p.Deadline,
		Logger:      a.log,
	}

	switch b.Kind {
	case config.BrokerMQTT:
		return transport.DialMQTT(transport.MQTTOptions{
			Options:     opts,
			Broker:      b.URI,
			ClientID:    b.ClientID,
			QoS:         b.QoS,
			ReplyPrefix: b.ReplyPrefix,
		})
	case config.BrokerWebSocket:
		return transport.DialWebSocket(ctx, b.URI, opts)
	case config.BrokerLoopback:
		a.mu.RLock()
		h := a.handler
		a.mu.RUnlock()
		if h == nil {
			h = SimulatedService(a.config.Settings.Detector, a.log)
		}
		return transport.NewLoopback(h, b.Latency, opts), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", b.Kind)
	}
}

// SimulatedService builds the mock skeleton detector and localizer service.
func SimulatedService(cfg config.DetectorConfig, log *slog.Logger) *detector.Service {
	dc := detector.Config{
		MeanDelay:    cfg.MeanDelay,
		DelayJitter:  cfg.DelayJitter,
		MaxFrameID:   cfg.MaxFrameID,
		MaxObjects:   cfg.MaxObjects,
		DropRate:     cfg.DropRate,
		VerifyImages: cfg.VerifyImages,
		Workers:      cfg.Workers,
	}
	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	}
	sim := detector.NewSimulated(dc, rng)
	return detector.NewService(sim, sim, dc, log)
}
