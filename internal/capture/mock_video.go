package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// MockVideo plays back in-memory frames for testing
type MockVideo struct {
	frames  []*gocv.Mat
	count   int
	index   int
	failAt  int
	mu      sync.Mutex
	running bool
}

// NewMockVideo plays frames back once. The reported frame count equals
// len(frames).
func NewMockVideo(frames []*gocv.Mat) *MockVideo {
	return &MockVideo{frames: frames, count: len(frames), failAt: -1}
}

func (v *MockVideo) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = true
	v.index = 0
	return nil
}

func (v *MockVideo) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.running = false
	return nil
}

func (v *MockVideo) ReadFrame() (*gocv.Mat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.running {
		return nil, ErrVideoNotOpen
	}
	if v.index == v.failAt {
		return nil, fmt.Errorf("corrupt frame %d", v.index)
	}
	if v.index >= len(v.frames) || v.index >= v.count {
		return nil, ErrEndOfVideo
	}

	// Clone the frame so the original isn't modified
	frame := v.frames[v.index].Clone()
	v.index++

	return &frame, nil
}

func (v *MockVideo) FrameCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

func (v *MockVideo) Position() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.index
}

func (v *MockVideo) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// SetFrameCount overrides the count reported by the container, which real
// files sometimes get wrong.
func (v *MockVideo) SetFrameCount(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count = n
}

// FailAt makes ReadFrame fail when reaching frame index i.
func (v *MockVideo) FailAt(i int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failAt = i
}

// MockLibrary maps paths to mock videos.
type MockLibrary map[string]*MockVideo

// Open is an Opener serving the library's videos.
func (l MockLibrary) Open(path string) (Video, error) {
	v, ok := l[path]
	if !ok {
		return nil, fmt.Errorf("open video %s: no such file", path)
	}
	if err := v.Open(); err != nil {
		return nil, err
	}
	return v, nil
}
