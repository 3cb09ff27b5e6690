package gesture

import "math"

// FaceMesh landmark indices used by the built-in metrics.
const (
	meshSize = 468

	lmNoseTip         = 1
	lmForehead        = 10
	lmUpperLip        = 13
	lmLowerLip        = 14
	lmRightEyeOuter   = 33
	lmMouthRight      = 61
	lmChin            = 152
	lmRightFaceEdge   = 234
	lmLeftEyeOuter    = 263
	lmMouthLeft       = 291
	lmLeftFaceEdge    = 454
	lmRightEyeInner   = 133
	lmLeftEyeInner    = 362
	lmRightIrisCenter = 468
	lmLeftIrisCenter  = 473
)

// Point is a landmark in normalized image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Face is one detected face: 468 FaceMesh landmarks, or 478 when the
// detector refines irises.
type Face struct {
	Landmarks []Point `json:"landmarks"`
}

func (f *Face) valid() bool {
	return f != nil && len(f.Landmarks) >= meshSize
}

func (f *Face) hasIrises() bool {
	return f != nil && len(f.Landmarks) > lmLeftIrisCenter
}

func (f *Face) at(i int) Point {
	return f.Landmarks[i]
}

func distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// ratio places v between lo and hi; 0.5 is centred.
func ratio(v, lo, hi float64) (float64, bool) {
	span := hi - lo
	if math.Abs(span) < 1e-9 {
		return 0, false
	}
	return (v - lo) / span, true
}

// headAngles returns yaw and pitch as offsets from a centred pose, each
// roughly in -1..1.
func headAngles(f *Face) (yaw, pitch float64, ok bool) {
	nose := f.at(lmNoseTip)
	yr, ok := ratio(nose.X, f.at(lmRightFaceEdge).X, f.at(lmLeftFaceEdge).X)
	if !ok {
		return 0, 0, false
	}
	pr, ok := ratio(nose.Y, f.at(lmForehead).Y, f.at(lmChin).Y)
	if !ok {
		return 0, 0, false
	}
	return 2 * (yr - 0.5), 2 * (pr - 0.5), true
}
