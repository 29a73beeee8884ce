package detector

import (
	"context"
	"time"
)

// Service topics.
const (
	DetectTopic   = "SkeletonsDetector.Detect"
	LocalizeTopic = "SkeletonsGrouper.Localize"
)

// Detector finds 2-D skeletons in an encoded image.
type Detector interface {
	// Detect returns the skeletons found in a JPEG image. An image without
	// people yields an empty Objects slice.
	Detect(ctx context.Context, image []byte) (ObjectAnnotations, error)
}

// Localizer triangulates per-camera 2-D skeletons into 3-D skeletons.
type Localizer interface {
	Localize(ctx context.Context, views []ObjectAnnotations) (ObjectAnnotations, error)
}

// Config holds configuration options for the simulated service.
type Config struct {
	// MeanDelay is the average time taken to answer a request.
	MeanDelay time.Duration

	// DelayJitter is the maximum deviation from MeanDelay.
	DelayJitter time.Duration

	// MaxFrameID bounds the random frame id of detections (inclusive).
	MaxFrameID int

	// MaxObjects bounds the number of skeletons per reply (at least one).
	MaxObjects int

	// DropRate is the fraction of requests left unanswered (0.0-1.0).
	DropRate float64

	// VerifyImages makes the service decode every image it receives.
	VerifyImages bool

	// Workers is the number of requests handled concurrently.
	Workers int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MeanDelay:   100 * time.Millisecond,
		DelayJitter: 20 * time.Millisecond,
		MaxFrameID:  4,
		MaxObjects:  3,
		Workers:     1,
	}
}
