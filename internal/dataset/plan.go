package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/felippe-mendonca/dataset-creator/internal/capture"
)

// ErrNoPending is returned when every group in the folder is already done.
var ErrNoPending = errors.New("nothing pending")

// IncompleteGroupError explains why a group was left out of a plan.
type IncompleteGroupError struct {
	Key    string
	Reason string
}

func (e *IncompleteGroupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Reason)
}

// PlannedGroup is a group that still needs results.
type PlannedGroup struct {
	Key      string
	Expected int
	// Video is the video path of a 2-D group.
	Video string
	// Sequence is set for 3-D groups.
	Sequence SequenceKey
}

// Plan lists the pending groups found at startup.
type Plan struct {
	Groups []PlannedGroup
	// Skipped holds an *IncompleteGroupError (or a read error) per group
	// that could not be planned.
	Skipped []error
	// Done counts groups already complete on disk.
	Done int

	index map[string]int
}

func (p *Plan) add(g PlannedGroup) {
	if p.index == nil {
		p.index = make(map[string]int)
	}
	p.index[g.Key] = g.Expected
	p.Groups = append(p.Groups, g)
}

// ExpectedCount returns the number of items of a pending group.
func (p *Plan) ExpectedCount(groupKey string) (int, bool) {
	n, ok := p.index[groupKey]
	return n, ok
}

// Items returns the total number of items over all pending groups.
func (p *Plan) Items() int {
	n := 0
	for _, g := range p.Groups {
		n += g.Expected
	}
	return n
}

// Empty reports whether nothing is pending.
func (p *Plan) Empty() bool {
	return len(p.Groups) == 0
}

func listFolder(folder string) ([]os.DirEntry, error) {
	info, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("folder %q: %w", folder, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("folder %q is not a directory", folder)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", folder, err)
	}
	return entries, nil
}

// Plan2D finds the videos in folder that lack a complete 2-D annotation
// file. A video is complete when its annotation file has one entry per
// frame.
func Plan2D(folder string, open capture.Opener, filter Filter, log *slog.Logger) (*Plan, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := listFolder(folder)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), VideoExt) {
			continue
		}
		base := VideoBase(e.Name())
		key, ok := ParseVideoBase(base)
		if !ok {
			key = VideoKey{Person: -1, Gesture: -1, Camera: -1}
		}
		if !filter.Match(key.Person, key.Gesture, key.Camera, base) {
			continue
		}

		path := filepath.Join(folder, e.Name())
		frames, err := capture.CountFrames(open, path)
		if err != nil {
			log.Warn("can't open video, skipping", "video", e.Name(), "error", err)
			plan.Skipped = append(plan.Skipped, err)
			continue
		}
		if frames <= 0 {
			skip := &IncompleteGroupError{Key: base, Reason: "video reports no frames"}
			log.Warn("skipping video", "video", e.Name(), "reason", skip.Reason)
			plan.Skipped = append(plan.Skipped, skip)
			continue
		}

		annotationPath := filepath.Join(folder, AnnotationName(base))
		if a, err := ReadArtifact(annotationPath, AnnotationsKey); err == nil {
			if len(a.Results) == frames {
				log.Info("video already annotated",
					"video", e.Name(), "created_at", a.CreatedAt, "annotations", len(a.Results))
				plan.Done++
				continue
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn("unreadable annotation file, annotating again", "file", annotationPath, "error", err)
		}

		plan.add(PlannedGroup{Key: base, Expected: frames, Video: path})
	}
	return plan, nil
}

// Plan3D finds the sequences in folder whose 2-D annotations are complete
// for every camera but lack a complete 3-D localization file.
func Plan3D(folder string, cameras []int, filter Filter, log *slog.Logger) (*Plan, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cameras) == 0 {
		return nil, errors.New("no cameras configured")
	}
	entries, err := listFolder(folder)
	if err != nil {
		return nil, err
	}

	counts := make(map[SequenceKey]map[int]int)
	for _, e := range entries {
		key, ok := ParseAnnotationName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		a, err := ReadArtifact(filepath.Join(folder, e.Name()), AnnotationsKey)
		if err != nil {
			log.Warn("unreadable annotation file", "file", e.Name(), "error", err)
			continue
		}
		seq := key.Sequence()
		if counts[seq] == nil {
			counts[seq] = make(map[int]int)
		}
		counts[seq][key.Camera] = len(a.Results)
	}

	seqs := make([]SequenceKey, 0, len(counts))
	for seq := range counts {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool {
		if seqs[i].Person != seqs[j].Person {
			return seqs[i].Person < seqs[j].Person
		}
		return seqs[i].Gesture < seqs[j].Gesture
	})

	want := slices.Clone(cameras)
	slices.Sort(want)

	plan := &Plan{}
	for _, seq := range seqs {
		if !filter.Match(seq.Person, seq.Gesture, -1, seq.String()) {
			continue
		}
		byCamera := counts[seq]

		have := make([]int, 0, len(byCamera))
		for c := range byCamera {
			have = append(have, c)
		}
		slices.Sort(have)
		if !slices.Equal(have, want) {
			skip := &IncompleteGroupError{Key: seq.String(), Reason: "can't find all detection files"}
			log.Warn("skipping sequence", "sequence", seq.String(), "reason", skip.Reason,
				"cameras", have, "want", want)
			plan.Skipped = append(plan.Skipped, skip)
			continue
		}

		n := byCamera[want[0]]
		consistent := true
		for _, c := range want {
			if byCamera[c] != n {
				consistent = false
				break
			}
		}
		if !consistent {
			skip := &IncompleteGroupError{Key: seq.String(), Reason: "annotations size inconsistent"}
			log.Warn("skipping sequence", "sequence", seq.String(), "reason", skip.Reason)
			plan.Skipped = append(plan.Skipped, skip)
			continue
		}
		if n == 0 {
			skip := &IncompleteGroupError{Key: seq.String(), Reason: "annotations are empty"}
			log.Warn("skipping sequence", "sequence", seq.String(), "reason", skip.Reason)
			plan.Skipped = append(plan.Skipped, skip)
			continue
		}

		path := filepath.Join(folder, LocalizationName(seq))
		if a, err := ReadArtifact(path, LocalizationsKey); err == nil {
			if len(a.Results) == n {
				log.Info("sequence already localized", "sequence", seq.String(), "created_at", a.CreatedAt)
				plan.Done++
				continue
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn("unreadable localization file, localizing again", "file", path, "error", err)
		}

		plan.add(PlannedGroup{Key: seq.String(), Expected: n, Sequence: seq})
	}
	return plan, nil
}
