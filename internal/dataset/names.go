// Package dataset knows the on-disk layout of the gesture dataset: how videos
// and annotation files are named, which groups still need annotations, and
// how to turn them into work for the orchestrator.
package dataset

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// VideoExt is the extension of recorded videos.
	VideoExt = ".mp4"

	annotationSuffix   = "_2d.json"
	localizationSuffix = "_3d.json"
)

var (
	annotationRe = regexp.MustCompile(`^p([0-9]{3})g([0-9]{2})c([0-9]{2})_2d\.json$`)
	videoBaseRe  = regexp.MustCompile(`^p([0-9]{3})g([0-9]{2})c([0-9]{2})$`)
)

// VideoKey identifies the recording of one gesture by one person on one
// camera.
type VideoKey struct {
	Person  int
	Gesture int
	Camera  int
}

func (k VideoKey) String() string {
	return fmt.Sprintf("p%03dg%02dc%02d", k.Person, k.Gesture, k.Camera)
}

// Sequence returns the multi-camera sequence the video belongs to.
func (k VideoKey) Sequence() SequenceKey {
	return SequenceKey{Person: k.Person, Gesture: k.Gesture}
}

// SequenceKey identifies one gesture by one person across every camera.
type SequenceKey struct {
	Person  int
	Gesture int
}

func (k SequenceKey) String() string {
	return fmt.Sprintf("p%03dg%02d", k.Person, k.Gesture)
}

// Camera returns the video of the sequence recorded by camera.
func (k SequenceKey) Camera(camera int) VideoKey {
	return VideoKey{Person: k.Person, Gesture: k.Gesture, Camera: camera}
}

// VideoBase strips the directory and everything from the first dot.
func VideoBase(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		return base[:i]
	}
	return base
}

// AnnotationName is the 2-D annotation file of a video base name.
func AnnotationName(base string) string {
	return base + annotationSuffix
}

// LocalizationName is the 3-D localization file of a sequence.
func LocalizationName(seq SequenceKey) string {
	return seq.String() + localizationSuffix
}

// ParseAnnotationName extracts the video key from a 2-D annotation file
// name such as p001g02c03_2d.json.
func ParseAnnotationName(name string) (VideoKey, bool) {
	return parseKey(annotationRe, name)
}

// ParseVideoBase extracts the video key from a base name such as
// p001g02c03. Videos named otherwise are still annotated, they just have
// no key.
func ParseVideoBase(base string) (VideoKey, bool) {
	return parseKey(videoBaseRe, base)
}

func parseKey(re *regexp.Regexp, s string) (VideoKey, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return VideoKey{}, false
	}
	person, _ := strconv.Atoi(m[1])
	gesture, _ := strconv.Atoi(m[2])
	camera, _ := strconv.Atoi(m[3])
	return VideoKey{Person: person, Gesture: gesture, Camera: camera}, true
}
