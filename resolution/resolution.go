// Package resolution picks the output size for a generation call.
package resolution

import "math"

// Size is a width/height pair in pixels.
type Size struct {
	Width  int
	Height int
}

// Aspect returns width/height.
func (s Size) Aspect() float64 {
	return float64(s.Width) / float64(s.Height)
}

// Negotiate returns the output size. A requested dimension that is present
// and positive is used as-is; otherwise the native dimension passes through.
// No rounding to model-friendly multiples is done here.
func Negotiate(nativeWidth, nativeHeight int, reqWidth, reqHeight *int) Size {
	out := Size{Width: nativeWidth, Height: nativeHeight}
	if reqWidth != nil && *reqWidth > 0 {
		out.Width = *reqWidth
	}
	if reqHeight != nil && *reqHeight > 0 {
		out.Height = *reqHeight
	}
	return out
}

// PreferredBuckets are the resolutions the Kontext model was trained on, in
// the priority order used to break ties.
var PreferredBuckets = []Size{
	{672, 1568}, {688, 1504}, {720, 1456}, {752, 1392}, {800, 1328}, {832, 1248},
	{880, 1184}, {944, 1104}, {1024, 1024}, {1104, 944}, {1184, 880}, {1248, 832},
	{1328, 800}, {1392, 752}, {1456, 720}, {1504, 688}, {1568, 672},
}

// SnapToBucket returns the bucket that can hold the source without
// downscaling and whose aspect ratio is closest to it. When no bucket is
// large enough in both dimensions, the source size is returned with ok=false.
//
// Clients call this before submitting a job; Negotiate never does.
func SnapToBucket(width, height int) (Size, bool) {
	src := Size{Width: width, Height: height}
	if width <= 0 || height <= 0 {
		return src, false
	}

	best, found := Size{}, false
	bestDelta := math.Inf(1)
	for _, b := range PreferredBuckets {
		if b.Width < width || b.Height < height {
			continue
		}
		if d := math.Abs(src.Aspect() - b.Aspect()); d < bestDelta {
			best, bestDelta, found = b, d, true
		}
	}
	if !found {
		return src, false
	}
	return best, true
}
