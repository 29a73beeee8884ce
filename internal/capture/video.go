// Package capture provides video file decoding using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is the quality frames are encoded with before being
// sent to the detector.
const DefaultJPEGQuality = 90

var (
	// ErrVideoNotOpen is returned when trying to read from a video that is not open.
	ErrVideoNotOpen = errors.New("video is not open")
	// ErrEndOfVideo is returned once every frame has been read.
	ErrEndOfVideo = errors.New("end of video")
)

// Video is a forward-only sequence of decoded frames.
type Video interface {
	Open() error
	Close() error
	// ReadFrame returns the next frame. The caller is responsible for
	// closing the returned Mat.
	ReadFrame() (*gocv.Mat, error)
	// FrameCount is the number of frames reported by the container.
	FrameCount() int
	// Position is the index of the next frame ReadFrame returns.
	Position() int
	IsOpen() bool
}

// Opener opens the video stored at path.
type Opener func(path string) (Video, error)

// OpenFile is the Opener for video files on disk.
func OpenFile(path string) (Video, error) {
	v := NewVideoFile(path)
	if err := v.Open(); err != nil {
		return nil, err
	}
	return v, nil
}

// videoFile reads frames from a file with GoCV.
type videoFile struct {
	path    string
	capture *gocv.VideoCapture
	mu      sync.Mutex
	frames  int
	pos     int
}

// NewVideoFile creates a Video for path. Nothing is read until Open.
func NewVideoFile(path string) Video {
	return &videoFile{path: path}
}

// Open opens the file and reads its frame count.
func (v *videoFile) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.capture != nil {
		return nil
	}

	capture, err := gocv.VideoCaptureFile(v.path)
	if err != nil {
		return fmt.Errorf("open video %s: %w", v.path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("open video %s: not a readable video", v.path)
	}

	v.capture = capture
	v.frames = int(capture.Get(gocv.VideoCaptureFrameCount))
	v.pos = 0
	return nil
}

// Close releases the decoder.
func (v *videoFile) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.capture == nil {
		return nil
	}
	err := v.capture.Close()
	v.capture = nil
	return err
}

func (v *videoFile) ReadFrame() (*gocv.Mat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.capture == nil {
		return nil, ErrVideoNotOpen
	}
	if v.pos >= v.frames {
		return nil, ErrEndOfVideo
	}

	mat := gocv.NewMat()
	if ok := v.capture.Read(&mat); !ok {
		mat.Close()
		return nil, fmt.Errorf("failed to read frame %d of %s", v.pos, v.path)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("frame %d of %s is empty", v.pos, v.path)
	}

	v.pos++
	return &mat, nil
}

func (v *videoFile) FrameCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frames
}

func (v *videoFile) Position() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos
}

func (v *videoFile) IsOpen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.capture != nil
}

// CountFrames returns the frame count of the video at path.
func CountFrames(open Opener, path string) (int, error) {
	v, err := open(path)
	if err != nil {
		return 0, err
	}
	defer v.Close()
	return v.FrameCount(), nil
}

// EncodeJPEG encodes frame as a JPEG image with the given quality (1-100).
func EncodeJPEG(frame *gocv.Mat, quality int) ([]byte, error) {
	if frame == nil || frame.Empty() {
		return nil, errors.New("encode: empty frame")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *frame, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases C memory released by Close.
	data := buf.GetBytes()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
