package detection

import "sort"

// Postprocessor defines a function that filters/modifies an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewLabelFilter returns a function that keeps only detections whose label is
// in the given allowlist. A nil or empty allowlist keeps everything.
func NewLabelFilter(labels []string) Postprocessor {
	if len(labels) == 0 {
		return func(in []Detection) []Detection { return in }
	}
	allowed := make(map[string]bool, len(labels))
	for _, l := range labels {
		allowed[l] = true
	}
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if allowed[d.Label()] {
				out = append(out, d)
			}
		}
		return out
	}
}

// NewNMSFilter returns a greedy non-max suppression postprocessor. Candidates
// are visited in order of descending confidence (stable for equal scores), and
// a box is kept only if its IoU against every already-kept box of the same
// class stays at or below the threshold. Different classes never suppress
// each other. The filter is deterministic for identical input ordering and
// idempotent on its own output.
func NewNMSFilter(iouThreshold float64) Postprocessor {
	return func(in []Detection) []Detection {
		sorted := make([]Detection, len(in))
		copy(sorted, in)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Score() > sorted[j].Score()
		})
		kept := make([]Detection, 0, len(sorted))
		for _, d := range sorted {
			suppressed := false
			for _, k := range kept {
				if k.Class() != d.Class() {
					continue
				}
				if IoU(k.BoundingBox(), d.BoundingBox()) > iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				kept = append(kept, d)
			}
		}
		return kept
	}
}
