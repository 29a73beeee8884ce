// Package detector provides the skeleton annotation types exchanged with the
// detection service, and a simulated detector/localizer service used to
// exercise the request pipelines without the real models.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Vertex is a 2-D (image) or 3-D (world) position.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PointAnnotation is one skeleton keypoint.
type PointAnnotation struct {
	ID       int     `json:"id"`
	Position Vertex  `json:"position"`
	Score    float64 `json:"score"`
}

// ObjectAnnotation is a single detected skeleton.
type ObjectAnnotation struct {
	Label     string            `json:"label"`
	ID        int64             `json:"id"`
	Score     float64           `json:"score"`
	Keypoints []PointAnnotation `json:"keypoints"`
}

// Resolution is the size of the annotated image.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ObjectAnnotations is the reply of both the detector and the localizer.
// FrameID names the camera the annotations refer to; 3-D localizations use
// the world frame.
type ObjectAnnotations struct {
	Objects    []ObjectAnnotation `json:"objects"`
	Resolution Resolution         `json:"resolution"`
	FrameID    int                `json:"frame_id"`
}

// LocalizeRequest is the body of a 3-D request: one 2-D annotation per
// camera, in camera order.
type LocalizeRequest struct {
	List []ObjectAnnotations `json:"list"`
}

var errNotAnnotations = errors.New("reply is not an ObjectAnnotations document")

// Decode validates a reply body and re-encodes it with every field present,
// so persisted annotations have a stable shape. It satisfies
// orchestrator.Decoder.
func Decode(body []byte) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotAnnotations, err)
	}
	if doc == nil {
		return nil, errNotAnnotations
	}

	var a ObjectAnnotations
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", errNotAnnotations, err)
	}
	if a.Objects == nil {
		a.Objects = []ObjectAnnotation{}
	}
	for i := range a.Objects {
		if a.Objects[i].Keypoints == nil {
			a.Objects[i].Keypoints = []PointAnnotation{}
		}
	}
	return json.Marshal(a)
}
