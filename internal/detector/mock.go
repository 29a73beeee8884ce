package detector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// MockDetector is a test implementation of Detector and Localizer.
// It allows tests to control the results.
type MockDetector struct {
	mu          sync.Mutex
	annotations ObjectAnnotations
	err         error
	calls       int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetAnnotations sets the annotations returned by Detect and Localize.
func (m *MockDetector) SetAnnotations(a ObjectAnnotations) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotations = a
}

// SetError sets the error returned by Detect and Localize.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many requests the mock has answered.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured annotations or error.
func (m *MockDetector) Detect(ctx context.Context, image []byte) (ObjectAnnotations, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return ObjectAnnotations{}, m.err
	}
	return m.annotations, nil
}

// Localize returns the pre-configured annotations or error.
func (m *MockDetector) Localize(ctx context.Context, views []ObjectAnnotations) (ObjectAnnotations, error) {
	return m.Detect(ctx, nil)
}

// Simulated answers like the real services after a random delay, with a
// random frame id and a random number of empty skeletons.
type Simulated struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated creates a simulated detector and localizer. A nil rng uses
// a randomly seeded source.
func NewSimulated(cfg Config, rng *rand.Rand) *Simulated {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.MaxObjects < 1 {
		cfg.MaxObjects = 1
	}
	return &Simulated{cfg: cfg, rng: rng}
}

func (s *Simulated) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// delay returns a duration in [MeanDelay-DelayJitter, MeanDelay+DelayJitter].
func (s *Simulated) delay() time.Duration {
	d := s.cfg.MeanDelay
	if j := s.cfg.DelayJitter; j > 0 {
		d += time.Duration(s.intN(int(2*j)+1)) - j
	}
	if d < 0 {
		return 0
	}
	return d
}

func (s *Simulated) wait(ctx context.Context) error {
	d := s.delay()
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop reports whether the next request should go unanswered.
func (s *Simulated) Drop() bool {
	if s.cfg.DropRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.cfg.DropRate
}

func (s *Simulated) objects() []ObjectAnnotation {
	n := 1 + s.intN(s.cfg.MaxObjects)
	objs := make([]ObjectAnnotation, n)
	for i := range objs {
		objs[i].Keypoints = []PointAnnotation{}
	}
	return objs
}

// Detect implements Detector.
func (s *Simulated) Detect(ctx context.Context, image []byte) (ObjectAnnotations, error) {
	if err := s.wait(ctx); err != nil {
		return ObjectAnnotations{}, err
	}
	return ObjectAnnotations{
		Objects: s.objects(),
		FrameID: s.intN(s.cfg.MaxFrameID + 1),
	}, nil
}

// Localize implements Localizer. The reply has as many skeletons as the
// most populated view.
func (s *Simulated) Localize(ctx context.Context, views []ObjectAnnotations) (ObjectAnnotations, error) {
	if err := s.wait(ctx); err != nil {
		return ObjectAnnotations{}, err
	}
	n := 0
	for _, v := range views {
		n = max(n, len(v.Objects))
	}
	objs := make([]ObjectAnnotation, n)
	for i := range objs {
		objs[i] = ObjectAnnotation{ID: int64(i), Keypoints: []PointAnnotation{}}
	}
	return ObjectAnnotations{Objects: objs}, nil
}
