package failuredetector

import "time"

// EndpointHealth is the published view of one endpoint's arrival window.
type EndpointHealth struct {
	Phi          float64
	Alive        bool
	Samples      int
	MeanInterval time.Duration
	LastArrival  time.Time
}

// Snapshot is an immutable copy of the detector state, safe to share.
type Snapshot struct {
	Taken     time.Time
	Endpoints map[string]EndpointHealth
}

// Publish rebuilds the snapshot as of now and records per-endpoint phi
// gauges. Must be called by the owning goroutine.
func (d *Detector) Publish(now time.Time) {
	s := &Snapshot{
		Taken:     now,
		Endpoints: make(map[string]EndpointHealth, len(d.windows)),
	}
	for ep, w := range d.windows {
		phi := w.phi(now, d.cfg.Distribution, d.cfg.MinStdDev)
		s.Endpoints[ep] = EndpointHealth{
			Phi:          phi,
			Alive:        !d.convicted[ep],
			Samples:      w.count,
			MeanInterval: time.Duration(w.mean() * float64(time.Second)),
			LastArrival:  w.last,
		}
		d.scope.Tagged(map[string]string{"endpoint": ep}).Gauge("phi").Update(phi)
	}
	d.snapshot.Store(s)
}

// Snapshot returns the last published snapshot. Safe for concurrent use.
func (d *Detector) Snapshot() *Snapshot {
	return d.snapshot.Load()
}
