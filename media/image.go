package media

import "math"

// Blend linearly mixes two images: a*(1-v) + b*v. When the layouts differ or
// one side is missing, the other image is returned unchanged.
func Blend(a, b *Image, v float64) *Image {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Info != b.Info:
		if v < 0.5 {
			return a
		}
		return b
	}
	v = math.Max(0, math.Min(1, v))
	out := NewImage(a.Info)
	for i := range out.Data {
		mixed := float64(a.Data[i])*(1-v) + float64(b.Data[i])*v
		out.Data[i] = uint8(math.Round(mixed))
	}
	return out
}
