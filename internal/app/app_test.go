package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/felippe-mendonca/dataset-creator/internal/capture"
	"github.com/felippe-mendonca/dataset-creator/internal/config"
	"github.com/felippe-mendonca/dataset-creator/internal/dataset"
	"github.com/felippe-mendonca/dataset-creator/internal/detector"
	"github.com/felippe-mendonca/dataset-creator/internal/store"
	"github.com/felippe-mendonca/dataset-creator/internal/transport"
)

type fixture struct {
	t        *testing.T
	settings *config.Config
	lib      capture.MockLibrary
	frame    gocv.Mat
	store    *store.Store
	mock     *detector.MockDetector
	app      *App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings := config.Default()
	settings.Folder = t.TempDir()
	settings.Cameras = []int{0, 1}
	settings.Broker.Kind = config.BrokerLoopback
	for _, p := range []*config.PipelineConfig{&settings.Request2D, &settings.Request3D} {
		p.PollTimeout = 10 * time.Millisecond
		p.Deadline = time.Second
	}

	s, err := store.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:        t,
		settings: settings,
		lib:      capture.MockLibrary{},
		frame:    gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3),
		store:    s,
		mock:     detector.NewMockDetector(),
	}
	t.Cleanup(func() { f.frame.Close() })

	f.mock.SetAnnotations(detector.ObjectAnnotations{
		Objects: []detector.ObjectAnnotation{{Keypoints: []detector.PointAnnotation{}}},
		FrameID: 2,
	})
	f.app = New(Config{Settings: settings, Store: s, Open: f.lib.Open})
	f.app.SetHandler(detector.NewService(f.mock, f.mock, detector.Config{}, nil))
	return f
}

func (f *fixture) video(base string, frames int) {
	f.t.Helper()
	path := filepath.Join(f.settings.Folder, base+dataset.VideoExt)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		f.t.Fatal(err)
	}
	mats := make([]*gocv.Mat, frames)
	for i := range mats {
		mats[i] = &f.frame
	}
	f.lib[path] = capture.NewMockVideo(mats)
}

func (f *fixture) annotations(base string, n int) {
	f.t.Helper()
	results := make([]json.RawMessage, n)
	for i := range results {
		results[i] = json.RawMessage(`{"objects":[],"frame_id":0}`)
	}
	if err := dataset.WriteArtifact(f.settings.Folder, dataset.AnnotationName(base), dataset.AnnotationsKey, results, time.Now()); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) results(name, key string) []json.RawMessage {
	f.t.Helper()
	a, err := dataset.ReadArtifact(filepath.Join(f.settings.Folder, name), key)
	if err != nil {
		f.t.Fatalf("ReadArtifact(%s) error = %v", name, err)
	}
	return a.Results
}

func (f *fixture) lastRun() *store.Run {
	f.t.Helper()
	runs, err := f.store.Runs().ListRecent(1)
	if err != nil || len(runs) != 1 {
		f.t.Fatalf("ListRecent() = %d runs, %v", len(runs), err)
	}
	return runs[0]
}

func TestApp_Request2D(t *testing.T) {
	f := newFixture(t)
	f.video("p001g01c00", 7)
	f.video("p001g01c01", 5)

	if err := f.app.Request2D(context.Background()); err != nil {
		t.Fatalf("Request2D() error = %v", err)
	}

	for base, want := range map[string]int{"p001g01c00": 7, "p001g01c01": 5} {
		results := f.results(dataset.AnnotationName(base), dataset.AnnotationsKey)
		if len(results) != want {
			t.Errorf("%s: %d annotations, want %d", base, len(results), want)
		}
	}
	if f.mock.Calls() < 12 {
		t.Errorf("detector answered %d requests, want at least 12", f.mock.Calls())
	}

	run := f.lastRun()
	if run.Kind != Kind2D || run.Status != store.RunCompleted || run.GroupsTotal != 2 || run.ItemsTotal != 12 {
		t.Errorf("run = %+v", run)
	}
	if n, _ := f.store.Groups().CountByRun(run.ID); n != 2 {
		t.Errorf("ledger recorded %d groups, want 2", n)
	}

	snap := f.app.Progress().Snapshot()
	if snap.Flushed != 2 || snap.Answered != 12 || snap.InFlight != 0 {
		t.Errorf("progress = %+v", snap)
	}

	t.Run("rerun has nothing pending", func(t *testing.T) {
		if err := f.app.Request2D(context.Background()); !errors.Is(err, dataset.ErrNoPending) {
			t.Errorf("Request2D() error = %v, want ErrNoPending", err)
		}
	})
}

func TestApp_Request2D_SkipsCompleteVideos(t *testing.T) {
	f := newFixture(t)
	f.video("p001g01c00", 7)
	f.video("p001g01c01", 5)
	f.annotations("p001g01c00", 7)

	if err := f.app.Request2D(context.Background()); err != nil {
		t.Fatalf("Request2D() error = %v", err)
	}
	if f.mock.Calls() != 5 {
		t.Errorf("detector answered %d requests, want 5", f.mock.Calls())
	}
	if run := f.lastRun(); run.GroupsTotal != 1 {
		t.Errorf("GroupsTotal = %d, want 1", run.GroupsTotal)
	}
}

func TestApp_Request3D(t *testing.T) {
	f := newFixture(t)
	f.annotations("p001g02c00", 4)
	f.annotations("p001g02c01", 4)
	f.annotations("p002g01c00", 3) // camera 1 missing

	if err := f.app.Request3D(context.Background()); err != nil {
		t.Fatalf("Request3D() error = %v", err)
	}

	results := f.results("p001g02_3d.json", dataset.LocalizationsKey)
	if len(results) != 4 {
		t.Errorf("%d localizations, want 4", len(results))
	}
	if _, err := os.Stat(filepath.Join(f.settings.Folder, "p002g01_3d.json")); !os.IsNotExist(err) {
		t.Error("incomplete sequence should not be localized")
	}
	if run := f.lastRun(); run.Kind != Kind3D || run.Status != store.RunCompleted {
		t.Errorf("run = %+v", run)
	}
}

func TestApp_CancelledRun(t *testing.T) {
	f := newFixture(t)
	f.video("p001g01c00", 3)
	f.app.SetHandler(transport.HandlerFunc(func(context.Context, transport.Request) (transport.Response, error) {
		return transport.Response{}, transport.ErrDropped
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.app.Request2D(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request2D() error = %v, want deadline exceeded", err)
	}
	if run := f.lastRun(); run.Status != store.RunCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
	if _, err := os.Stat(filepath.Join(f.settings.Folder, "p001g01c00_2d.json")); !os.IsNotExist(err) {
		t.Error("nothing should be persisted for a cancelled run")
	}
}

func TestApp_BadFilter(t *testing.T) {
	f := newFixture(t)
	f.settings.Request2D.Filter = "person +"
	if err := f.app.Request2D(context.Background()); err == nil {
		t.Error("expected a filter compile error")
	}
}

func TestSimulatedService(t *testing.T) {
	cfg := config.Default().Detector
	cfg.MeanDelay = time.Millisecond
	cfg.DelayJitter = 0
	cfg.Seed = 7
	svc := SimulatedService(cfg, nil)

	resp, err := svc.Handle(context.Background(), transport.Request{
		Topic: detector.DetectTopic,
		Body:  []byte("jpeg"),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	var out detector.ObjectAnnotations
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		t.Fatal(err)
	}
	if n := len(out.Objects); n < 1 || n > cfg.MaxObjects {
		t.Errorf("%d objects, want 1..%d", n, cfg.MaxObjects)
	}
	if out.FrameID < 0 || out.FrameID > cfg.MaxFrameID {
		t.Errorf("frame id %d out of range", out.FrameID)
	}
}
