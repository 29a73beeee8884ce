package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/felippe-mendonca/dataset-creator/internal/capture"
	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

// VideoFrameSource yields every frame of the planned videos, in plan order,
// as a JPEG image. A video that fails to decode is abandoned: its group is
// never completed and is planned again on the next run.
type VideoFrameSource struct {
	plan    *Plan
	open    capture.Opener
	quality int
	log     *slog.Logger

	next  int // index of the next group to open
	video capture.Video
	group PlannedGroup

	prefetch chan orchestrator.WorkItem
	stop     chan struct{}
	wg       sync.WaitGroup
}

// VideoSourceOptions configures a VideoFrameSource.
type VideoSourceOptions struct {
	// Quality is the JPEG quality, capture.DefaultJPEGQuality when zero.
	Quality int
	// Prefetch, when positive, decodes up to that many frames ahead on a
	// separate goroutine.
	Prefetch int
	Logger   *slog.Logger
}

// NewVideoFrameSource creates a source over plan's videos. Call Close to
// release the decoder.
func NewVideoFrameSource(plan *Plan, open capture.Opener, opts VideoSourceOptions) *VideoFrameSource {
	if opts.Quality <= 0 {
		opts.Quality = capture.DefaultJPEGQuality
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &VideoFrameSource{
		plan:    plan,
		open:    open,
		quality: opts.Quality,
		log:     opts.Logger,
	}
	if opts.Prefetch > 0 {
		s.prefetch = make(chan orchestrator.WorkItem, opts.Prefetch)
		s.stop = make(chan struct{})
		s.wg.Add(1)
		go s.produce()
	}
	return s
}

func (s *VideoFrameSource) produce() {
	defer s.wg.Done()
	defer close(s.prefetch)
	for {
		item, ok := s.read()
		if !ok {
			return
		}
		select {
		case s.prefetch <- item:
		case <-s.stop:
			return
		}
	}
}

// Next implements orchestrator.Source.
func (s *VideoFrameSource) Next() (orchestrator.WorkItem, bool) {
	if s.prefetch != nil {
		item, ok := <-s.prefetch
		return item, ok
	}
	return s.read()
}

// ExpectedCount implements orchestrator.Source.
func (s *VideoFrameSource) ExpectedCount(groupKey string) (int, bool) {
	return s.plan.ExpectedCount(groupKey)
}

func (s *VideoFrameSource) read() (orchestrator.WorkItem, bool) {
	for {
		if s.video == nil && !s.openNext() {
			return orchestrator.WorkItem{}, false
		}

		pos := s.video.Position()
		if pos >= s.group.Expected {
			s.closeVideo()
			continue
		}

		frame, err := s.video.ReadFrame()
		if errors.Is(err, capture.ErrEndOfVideo) {
			s.log.Warn("video ended before its frame count, group can't complete",
				"video", s.group.Video, "frames", pos, "expected", s.group.Expected)
			s.closeVideo()
			continue
		}
		if err != nil {
			s.abandon(err)
			continue
		}

		data, err := capture.EncodeJPEG(frame, s.quality)
		frame.Close()
		if err != nil {
			s.abandon(err)
			continue
		}
		return orchestrator.WorkItem{GroupKey: s.group.Key, ItemKey: pos, Payload: data}, true
	}
}

func (s *VideoFrameSource) openNext() bool {
	for s.next < len(s.plan.Groups) {
		g := s.plan.Groups[s.next]
		s.next++
		v, err := s.open(g.Video)
		if err != nil {
			s.log.Warn("can't open video, skipping", "video", g.Video, "error", err)
			continue
		}
		s.video = v
		s.group = g
		s.log.Debug("reading video", "video", g.Video, "frames", g.Expected)
		return true
	}
	return false
}

func (s *VideoFrameSource) abandon(err error) {
	s.log.Warn("abandoning video", "video", s.group.Video, "error", err)
	s.closeVideo()
}

func (s *VideoFrameSource) closeVideo() {
	if s.video != nil {
		s.video.Close()
		s.video = nil
	}
}

// Close stops prefetching and releases the current video.
func (s *VideoFrameSource) Close() error {
	if s.stop != nil {
		close(s.stop)
		// unblock a producer waiting on a full queue
		for range s.prefetch {
		}
		s.wg.Wait()
		s.stop = nil
	}
	s.closeVideo()
	return nil
}

// AnnotationsSource yields, for each position of the planned sequences, the
// 2-D annotations of every camera as one localization request body.
type AnnotationsSource struct {
	plan    *Plan
	folder  string
	cameras []int
	log     *slog.Logger

	next  int
	group PlannedGroup
	views [][]json.RawMessage // per camera, in camera order
	pos   int
}

// NewAnnotationsSource creates a source over plan's sequences, reading the
// 2-D files of cameras from folder.
func NewAnnotationsSource(plan *Plan, folder string, cameras []int, log *slog.Logger) *AnnotationsSource {
	if log == nil {
		log = slog.Default()
	}
	return &AnnotationsSource{plan: plan, folder: folder, cameras: cameras, log: log}
}

// ExpectedCount implements orchestrator.Source.
func (s *AnnotationsSource) ExpectedCount(groupKey string) (int, bool) {
	return s.plan.ExpectedCount(groupKey)
}

// Next implements orchestrator.Source.
func (s *AnnotationsSource) Next() (orchestrator.WorkItem, bool) {
	for {
		if s.views == nil && !s.loadNext() {
			return orchestrator.WorkItem{}, false
		}
		if s.pos >= s.group.Expected {
			s.views = nil
			continue
		}

		list := make([]json.RawMessage, len(s.views))
		for i, v := range s.views {
			list[i] = v[s.pos]
		}
		body, err := json.Marshal(struct {
			List []json.RawMessage `json:"list"`
		}{list})
		if err != nil {
			s.log.Warn("abandoning sequence", "sequence", s.group.Key, "error", err)
			s.views = nil
			continue
		}

		item := orchestrator.WorkItem{GroupKey: s.group.Key, ItemKey: s.pos, Payload: body}
		s.pos++
		return item, true
	}
}

func (s *AnnotationsSource) loadNext() bool {
	for s.next < len(s.plan.Groups) {
		g := s.plan.Groups[s.next]
		s.next++
		views, err := s.load(g)
		if err != nil {
			s.log.Warn("abandoning sequence", "sequence", g.Key, "error", err)
			continue
		}
		s.group = g
		s.views = views
		s.pos = 0
		return true
	}
	return false
}

func (s *AnnotationsSource) load(g PlannedGroup) ([][]json.RawMessage, error) {
	views := make([][]json.RawMessage, len(s.cameras))
	for i, camera := range s.cameras {
		name := AnnotationName(g.Sequence.Camera(camera).String())
		a, err := ReadArtifact(filepath.Join(s.folder, name), AnnotationsKey)
		if err != nil {
			return nil, err
		}
		if len(a.Results) < g.Expected {
			return nil, fmt.Errorf("%s has %d annotations, want %d", name, len(a.Results), g.Expected)
		}
		for j, r := range a.Results {
			fixed, err := withFrameID(r, camera)
			if err != nil {
				return nil, fmt.Errorf("%s annotation %d: %w", name, j, err)
			}
			a.Results[j] = fixed
		}
		views[i] = a.Results
	}
	return views, nil
}

// withFrameID sets the frame_id of an annotation to the camera it was
// detected on.
func withFrameID(annotation json.RawMessage, camera int) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(annotation, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	id, _ := json.Marshal(camera)
	fields["frame_id"] = id
	return json.Marshal(fields)
}
