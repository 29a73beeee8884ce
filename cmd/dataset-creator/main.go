package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felippe-mendonca/dataset-creator/internal/app"
	"github.com/felippe-mendonca/dataset-creator/internal/config"
	"github.com/felippe-mendonca/dataset-creator/internal/dataset"
	"github.com/felippe-mendonca/dataset-creator/internal/server"
	"github.com/felippe-mendonca/dataset-creator/internal/store"
	"github.com/felippe-mendonca/dataset-creator/internal/transport"
	"github.com/felippe-mendonca/dataset-creator/internal/tray"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, dataset.ErrNoPending) {
			slog.Info("nothing pending, every group is already done")
		} else {
			slog.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
	folder    string
	broker    string
	brokerURI string
	ledger    string
	noLedger  bool
}

func newRootCommand() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "dataset-creator",
		Short:         "Request skeleton annotations for a gesture dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", os.Getenv("DATASET_CREATOR_CONFIG"), "YAML configuration file")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log format: text|json")
	pf.StringVarP(&g.folder, "folder", "f", "", "Dataset folder (overrides the configuration)")
	pf.StringVar(&g.broker, "broker", "", "Broker kind: mqtt|websocket|loopback")
	pf.StringVar(&g.brokerURI, "broker-uri", "", "Broker URI, e.g. tcp://localhost:1883")
	pf.StringVar(&g.ledger, "ledger", "", "Run ledger database path")
	pf.BoolVar(&g.noLedger, "no-ledger", false, "Do not record runs")

	root.AddCommand(
		newRequestCommand("request-2d", "Request 2-D skeletons for every pending video", &g, (*app.App).Request2D, func(c *config.Config) *config.PipelineConfig { return &c.Request2D }),
		newRequestCommand("request-3d", "Request 3-D skeletons for every fully annotated sequence", &g, (*app.App).Request3D, func(c *config.Config) *config.PipelineConfig { return &c.Request3D }),
		newMockDetectorCommand(&g),
		newGatewayCommand(&g),
		newLedgerCommand(&g),
	)
	return root
}

// newLogger builds the process logger.
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q; use text|json", format)
	}
}

// loadConfig reads the configuration file, if any, and applies the flag
// overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if g.config != "" {
		var err error
		if cfg, err = config.Load(g.config); err != nil {
			return nil, err
		}
	}

	if g.folder != "" {
		cfg.Folder = g.folder
	}
	if g.broker != "" {
		cfg.Broker.Kind = g.broker
		if g.brokerURI == "" {
			// Let Validate pick the default URI of the new kind.
			cfg.Broker.URI = ""
		}
	}
	if g.brokerURI != "" {
		cfg.Broker.URI = g.brokerURI
	}
	if g.ledger != "" {
		cfg.Ledger.Path = g.ledger
	}
	if g.noLedger {
		cfg.Ledger.Disabled = true
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openLedger(cfg *config.Config) (*store.Store, error) {
	if cfg.Ledger.Disabled {
		return nil, nil
	}
	s, err := store.New(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return s, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRequestCommand(use, short string, g *globalFlags, run func(*app.App, context.Context) error, pipeline func(*config.Config) *config.PipelineConfig) *cobra.Command {
	var (
		filter   string
		prefetch int
		cameras  []int
		showTray bool
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			p := pipeline(cfg)
			if cmd.Flags().Changed("filter") {
				p.Filter = filter
			}
			if cmd.Flags().Changed("prefetch") {
				p.Prefetch = prefetch
			}
			if cmd.Flags().Changed("cameras") {
				cfg.Cameras = cameras
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}
			if cfg.Folder == "" {
				return errors.New("no dataset folder; set --folder or folder in the configuration")
			}

			st, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			ctx, cancel := signalContext()
			defer cancel()

			a := app.New(app.Config{Settings: cfg, Store: st, Logger: slog.Default()})
			if !showTray {
				return run(a, ctx)
			}
			return runWithTray(ctx, cancel, use, a, run)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression over person, gesture, camera and base")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "Frames decoded ahead of the orchestrator (2-D)")
	cmd.Flags().IntSliceVar(&cameras, "cameras", nil, "Camera ids of the rig (3-D)")
	cmd.Flags().BoolVar(&showTray, "tray", false, "Show progress in the system tray")
	return cmd
}

// runWithTray runs the pipeline on a goroutine; the tray owns the main
// goroutine until the pipeline ends or Quit is clicked.
func runWithTray(ctx context.Context, cancel context.CancelFunc, name string, a *app.App, run func(*app.App, context.Context) error) error {
	t := tray.New(func() tray.Status {
		s := a.Progress().Snapshot()
		return tray.Status{Pipeline: name, Flushed: s.Flushed, Groups: s.Groups, InFlight: s.InFlight, Retries: s.Retries}
	})
	t.OnQuit(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(a, ctx)
		t.Quit()
	}()
	t.Run()
	cancel()
	return <-errCh
}

func newMockDetectorCommand(g *globalFlags) *cobra.Command {
	var dropRate float64

	cmd := &cobra.Command{
		Use:   "mock-detector",
		Short: "Serve a simulated skeleton detector and localizer over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("drop-rate") {
				cfg.Detector.DropRate = dropRate
			}
			if cfg.Broker.Kind != config.BrokerMQTT {
				return fmt.Errorf("mock-detector serves over mqtt, not %s; use gateway for websocket", cfg.Broker.Kind)
			}

			log := slog.Default().With("service", "mock-detector")
			client, err := transport.Connect(transport.MQTTOptions{
				Options:  transport.Options{Logger: log},
				Broker:   cfg.Broker.URI,
				ClientID: cfg.Broker.ClientID,
				QoS:      cfg.Broker.QoS,
			})
			if err != nil {
				return err
			}
			defer client.Disconnect(250)

			ctx, cancel := signalContext()
			defer cancel()

			h := app.SimulatedService(cfg.Detector, log)
			errCh := make(chan error, 2)
			for _, topic := range []string{cfg.Request2D.Topic, cfg.Request3D.Topic} {
				go func(topic string) {
					errCh <- transport.ServeMQTT(ctx, client, topic, cfg.Broker.QoS, h, cfg.Detector.Workers, log)
				}(topic)
			}
			log.Info("serving", "broker", cfg.Broker.URI, "topics", []string{cfg.Request2D.Topic, cfg.Request3D.Topic})

			var first error
			for i := 0; i < 2; i++ {
				if err := <-errCh; err != nil && first == nil {
					first = err
					cancel()
				}
			}
			return first
		},
	}
	cmd.Flags().Float64Var(&dropRate, "drop-rate", 0, "Fraction of requests left unanswered")
	return cmd
}

func newGatewayCommand(g *globalFlags) *cobra.Command {
	var (
		addr     string
		dropRate float64
	)

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the simulated detector over WebSocket and the run ledger over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			if cmd.Flags().Changed("drop-rate") {
				cfg.Detector.DropRate = dropRate
			}

			st, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			ctx, cancel := signalContext()
			defer cancel()

			log := slog.Default().With("service", "gateway")
			srv := server.New(server.Config{
				Handler: app.SimulatedService(cfg.Detector, log),
				Workers: cfg.Detector.Workers,
				Store:   st,
				Logger:  log,
			})
			return srv.ListenAndServe(ctx, cfg.Gateway.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from configuration, :8080)")
	cmd.Flags().Float64Var(&dropRate, "drop-rate", 0, "Fraction of requests left unanswered")
	return cmd
}

func newLedgerCommand(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.Ledger.Path)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer st.Close()

			runs, err := st.Runs().ListRecent(limit)
			if err != nil {
				return err
			}
			return printRuns(cmd, st, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func printRuns(cmd *cobra.Command, st *store.Store, runs []*store.Run) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tGROUPS\tRETRIES\tSTARTED\tDURATION\tFOLDER")
	for _, r := range runs {
		flushed, err := st.Groups().CountByRun(r.ID)
		if err != nil {
			return err
		}
		retries, err := st.Retries().CountByRun(r.ID)
		if err != nil {
			return err
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Status, flushed, r.GroupsTotal, retries,
			r.StartedAt.Local().Format(time.DateTime), duration, r.Folder)
	}
	return w.Flush()
}
