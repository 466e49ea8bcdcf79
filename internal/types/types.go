package types

// VectorLen is the length of a face encoding produced by the detector.
const VectorLen = 128

// Box is a face bounding box in pixel coordinates: top, right, bottom, left.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Width returns the horizontal extent of the box.
func (b Box) Width() int { return b.Right - b.Left }

// Height returns the vertical extent of the box.
func (b Box) Height() int { return b.Bottom - b.Top }

// Area is used to pick the dominant face when several are returned.
func (b Box) Area() int {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// Face is one (box, vector) pair returned by the detection/encoding capability.
type Face struct {
	Box Box       `json:"box"`
	Vec []float64 `json:"vec"`
}

// Verdict is the per-face outcome of the decision loop. It is never persisted.
type Verdict struct {
	Name     string  `json:"name,omitempty"` // empty when the face is unknown
	Known    bool    `json:"known"`
	Distance float64 `json:"distance"`
	Granted  bool    `json:"granted"`
	Box      Box     `json:"box"`
}

// Label is what gets drawn or logged next to the face.
func (v Verdict) Label() string {
	if !v.Known {
		return "Unknown"
	}
	return v.Name
}
