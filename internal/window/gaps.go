package window

import "time"

// DetectGaps splits [lastEnd, nextStart) into granularity-sized intervals,
// the last one clipped at nextStart. It returns nil when lastEnd is not
// before nextStart or g is not positive.
func DetectGaps(lastEnd, nextStart time.Time, g time.Duration) []Window {
	if g <= 0 || !lastEnd.Before(nextStart) {
		return nil
	}

	gaps := make([]Window, 0, int(nextStart.Sub(lastEnd)/g)+1)
	for cur := lastEnd; cur.Before(nextStart); {
		end := cur.Add(g)
		if end.After(nextStart) {
			end = nextStart
		}
		gaps = append(gaps, Window{Start: cur, End: end})
		cur = end
	}
	return gaps
}
