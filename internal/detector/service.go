package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/felippe-mendonca/dataset-creator/internal/transport"
)

// Service answers detection and localization requests. It implements
// transport.Handler and routes by the request topic.
type Service struct {
	detector  Detector
	localizer Localizer
	cfg       Config
	drop      func() bool
	log       *slog.Logger
}

// NewService serves d on DetectTopic and l on LocalizeTopic. Either may be
// nil, in which case requests for its topic fail.
func NewService(d Detector, l Localizer, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{detector: d, localizer: l, cfg: cfg, log: log}
	if sim, ok := d.(*Simulated); ok {
		s.drop = sim.Drop
	}
	return s
}

// Handle implements transport.Handler.
func (s *Service) Handle(ctx context.Context, req transport.Request) (transport.Response, error) {
	if s.drop != nil && s.drop() {
		return transport.Response{}, transport.ErrDropped
	}

	var (
		out ObjectAnnotations
		err error
	)
	switch req.Topic {
	case DetectTopic:
		out, err = s.detect(ctx, req)
	case LocalizeTopic:
		out, err = s.localize(ctx, req)
	default:
		err = fmt.Errorf("unknown topic %q", req.Topic)
	}
	if err != nil {
		s.log.Debug("request failed", "topic", req.Topic, "correlation_id", req.CorrelationID, "error", err)
		return transport.Response{}, err
	}

	body, err := json.Marshal(out)
	if err != nil {
		return transport.Response{}, fmt.Errorf("marshal annotations: %w", err)
	}
	return transport.Response{
		Status:      transport.Status{OK: true},
		ContentType: transport.ContentTypeJSON,
		Body:        body,
	}, nil
}

func (s *Service) detect(ctx context.Context, req transport.Request) (ObjectAnnotations, error) {
	if s.detector == nil {
		return ObjectAnnotations{}, fmt.Errorf("no detector for %s", req.Topic)
	}

	var res Resolution
	if s.cfg.VerifyImages {
		img, err := gocv.IMDecode(req.Body, gocv.IMReadColor)
		if err != nil {
			return ObjectAnnotations{}, fmt.Errorf("decode image: %w", err)
		}
		defer img.Close()
		if img.Empty() {
			return ObjectAnnotations{}, fmt.Errorf("decode image: empty result (%d bytes)", len(req.Body))
		}
		res = Resolution{Width: img.Cols(), Height: img.Rows()}
	}

	out, err := s.detector.Detect(ctx, req.Body)
	if err != nil {
		return ObjectAnnotations{}, err
	}
	if res.Width > 0 {
		out.Resolution = res
	}
	return out, nil
}

func (s *Service) localize(ctx context.Context, req transport.Request) (ObjectAnnotations, error) {
	if s.localizer == nil {
		return ObjectAnnotations{}, fmt.Errorf("no localizer for %s", req.Topic)
	}
	var body LocalizeRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return ObjectAnnotations{}, fmt.Errorf("decode localize request: %w", err)
	}
	return s.localizer.Localize(ctx, body.List)
}
