package dataset

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

func drain(src orchestrator.Source) []orchestrator.WorkItem {
	var items []orchestrator.WorkItem
	for {
		it, ok := src.Next()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}

func TestVideoFrameSource(t *testing.T) {
	for _, prefetch := range []int{0, 2} {
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			f := newTestFolder(t)
			f.video("p001g01c00", 3)
			f.video("p001g01c01", 2)
			plan, _ := Plan2D(f.dir, f.lib.Open, Filter{}, nil)

			src := NewVideoFrameSource(plan, f.lib.Open, VideoSourceOptions{Prefetch: prefetch})
			defer src.Close()

			items := drain(src)
			if len(items) != 5 {
				t.Fatalf("items = %d, want 5", len(items))
			}
			want := []struct {
				group string
				item  int
			}{{"p001g01c00", 0}, {"p001g01c00", 1}, {"p001g01c00", 2}, {"p001g01c01", 0}, {"p001g01c01", 1}}
			for i, w := range want {
				if items[i].GroupKey != w.group || items[i].ItemKey != w.item {
					t.Errorf("item %d = %s/%d, want %s/%d", i, items[i].GroupKey, items[i].ItemKey, w.group, w.item)
				}
				if p := items[i].Payload; len(p) < 2 || p[0] != 0xFF || p[1] != 0xD8 {
					t.Errorf("item %d payload is not a JPEG", i)
				}
			}

			if _, ok := src.Next(); ok {
				t.Error("exhausted source must stay exhausted")
			}
			if n, ok := src.ExpectedCount("p001g01c00"); !ok || n != 3 {
				t.Errorf("ExpectedCount() = %d, %v", n, ok)
			}
		})
	}
}

func TestVideoFrameSource_AbandonsBrokenVideo(t *testing.T) {
	f := newTestFolder(t)
	f.video("p001g01c00", 4).FailAt(2)
	f.video("p001g01c01", 2)
	plan, _ := Plan2D(f.dir, f.lib.Open, Filter{}, nil)

	src := NewVideoFrameSource(plan, f.lib.Open, VideoSourceOptions{})
	defer src.Close()

	counts := map[string]int{}
	for _, it := range drain(src) {
		counts[it.GroupKey]++
	}
	if counts["p001g01c00"] != 2 || counts["p001g01c01"] != 2 {
		t.Errorf("items per group = %v", counts)
	}
}

func TestVideoFrameSource_CloseWhilePrefetching(t *testing.T) {
	f := newTestFolder(t)
	f.video("p001g01c00", 50)
	plan, _ := Plan2D(f.dir, f.lib.Open, Filter{}, nil)

	src := NewVideoFrameSource(plan, f.lib.Open, VideoSourceOptions{Prefetch: 1})
	if _, ok := src.Next(); !ok {
		t.Fatal("expected a first item")
	}
	src.Close()
}

func TestAnnotationsSource(t *testing.T) {
	f := newTestFolder(t)
	cameras := []int{2, 0, 1}
	for _, c := range cameras {
		f.annotations(fmt.Sprintf("p001g01c%02d", c), 3)
		f.annotations(fmt.Sprintf("p001g02c%02d", c), 2)
	}
	plan, err := Plan3D(f.dir, cameras, Filter{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := NewAnnotationsSource(plan, f.dir, cameras, nil)
	items := drain(src)
	if len(items) != 5 {
		t.Fatalf("items = %d, want 5", len(items))
	}
	if items[3].GroupKey != "p001g02" || items[3].ItemKey != 0 {
		t.Errorf("item 3 = %s/%d", items[3].GroupKey, items[3].ItemKey)
	}

	var body struct {
		List []struct {
			FrameID int `json:"frame_id"`
			Pos     int `json:"pos"`
		} `json:"list"`
	}
	if err := json.Unmarshal(items[1].Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(body.List) != 3 {
		t.Fatalf("list has %d views, want 3", len(body.List))
	}
	for i, v := range body.List {
		if v.FrameID != cameras[i] {
			t.Errorf("view %d frame_id = %d, want camera %d", i, v.FrameID, cameras[i])
		}
		if v.Pos != 1 {
			t.Errorf("view %d comes from position %d, want 1", i, v.Pos)
		}
	}
}
