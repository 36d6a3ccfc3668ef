package failuredetector

import (
	"math"
	"time"
)

// phiFactor converts t/mean into -log10 of the exponential survival function.
var phiFactor = 1.0 / math.Log(10.0)

// arrivalWindow is a bounded ring of heartbeat inter-arrival intervals, in
// seconds, with running sums for mean and variance.
type arrivalWindow struct {
	intervals []float64
	head      int
	count     int
	sum       float64
	sumSq     float64
	last      time.Time
}

func newArrivalWindow(size int, first time.Time, initial time.Duration) *arrivalWindow {
	w := &arrivalWindow{
		intervals: make([]float64, size),
		last:      first,
	}
	w.add(initial.Seconds())
	return w
}

func (w *arrivalWindow) add(interval float64) {
	if w.count == len(w.intervals) {
		old := w.intervals[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.intervals[w.head] = interval
	w.head = (w.head + 1) % len(w.intervals)
	w.sum += interval
	w.sumSq += interval * interval
}

func (w *arrivalWindow) mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *arrivalWindow) stdDev() float64 {
	if w.count < 2 {
		return 0
	}
	m := w.mean()
	v := w.sumSq/float64(w.count) - m*m
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// phi is the suspicion level for a silence lasting since w.last until now.
func (w *arrivalWindow) phi(now time.Time, dist Distribution, minStdDev time.Duration) float64 {
	m := w.mean()
	if m <= 0 {
		return 0
	}
	t := now.Sub(w.last).Seconds()
	if t <= 0 {
		return 0
	}

	switch dist {
	case Normal:
		sd := math.Max(w.stdDev(), minStdDev.Seconds())
		// P(next arrival later than t) = 1 - CDF(t)
		p := 0.5 * math.Erfc((t-m)/(sd*math.Sqrt2))
		if p <= 0 {
			return math.Inf(1)
		}
		return -math.Log10(p)
	default:
		return phiFactor * t / m
	}
}
