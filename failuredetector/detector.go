// Package failuredetector implements a phi-accrual failure detector.
//
// The detector turns heartbeat arrival times into a continuous suspicion level
// (phi) per endpoint instead of a fixed timeout, so each endpoint is judged
// against its own observed jitter. A Detector is owned by a single goroutine
// (the gossiper's); other goroutines read the published Snapshot.
package failuredetector

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
)

// Distribution selects the inter-arrival model used to compute phi.
type Distribution int

const (
	// Exponential: phi = t/mean / ln(10).
	Exponential Distribution = iota
	// Normal: phi = -log10(1 - CDF(t)) with the window's mean and deviation.
	Normal
)

const (
	DefaultConvictThreshold = 8.0
	DefaultWindowSize       = 1000
	DefaultInitialInterval  = 2 * time.Second
	DefaultMinStdDev        = 100 * time.Millisecond
)

type Config struct {
	// Self is never tracked.
	Self             string
	ConvictThreshold float64
	WindowSize       int
	// InitialInterval seeds a fresh window; typically twice the gossip interval.
	InitialInterval time.Duration
	// Intervals longer than MaxInterval are not recorded. Defaults to
	// InitialInterval.
	MaxInterval  time.Duration
	Distribution Distribution
	MinStdDev    time.Duration
	Log          logrus.FieldLogger
	Scope        tally.Scope
}

// Listener is notified on alive->dead (alive=false) and dead->alive
// transitions. It runs on the goroutine that owns the detector.
type Listener func(endpoint string, alive bool, phi float64)

type Detector struct {
	cfg       Config
	windows   map[string]*arrivalWindow
	convicted map[string]bool
	listeners []Listener
	log       logrus.FieldLogger
	scope     tally.Scope
	snapshot  atomic.Pointer[Snapshot]
}

func New(cfg Config) *Detector {
	if cfg.ConvictThreshold <= 0 {
		cfg.ConvictThreshold = DefaultConvictThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.MinStdDev <= 0 {
		cfg.MinStdDev = DefaultMinStdDev
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Scope == nil {
		cfg.Scope = tally.NoopScope
	}

	d := &Detector{
		cfg:       cfg,
		windows:   make(map[string]*arrivalWindow),
		convicted: make(map[string]bool),
		log:       cfg.Log,
		scope:     cfg.Scope.SubScope("failure_detector"),
	}
	d.snapshot.Store(&Snapshot{Endpoints: map[string]EndpointHealth{}})
	return d
}

func (d *Detector) ConvictThreshold() float64 {
	return d.cfg.ConvictThreshold
}

func (d *Detector) RegisterListener(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Report records a heartbeat arrival. Arrivals that do not move forward in
// time are ignored. A report for a convicted endpoint resets its history and
// revives it.
func (d *Detector) Report(endpoint string, at time.Time) {
	if endpoint == d.cfg.Self {
		return
	}

	w, ok := d.windows[endpoint]
	if ok && !at.After(w.last) {
		d.log.Debugf("ignoring heartbeat for %s at %v, not after previous arrival %v", endpoint, at, w.last)
		return
	}
	if !ok || d.convicted[endpoint] {
		d.windows[endpoint] = newArrivalWindow(d.cfg.WindowSize, at, d.cfg.InitialInterval)
		if d.convicted[endpoint] {
			delete(d.convicted, endpoint)
			d.scope.Counter("revivals").Inc(1)
			d.notify(endpoint, true, 0)
		}
		return
	}

	interval := at.Sub(w.last)
	if interval <= d.cfg.MaxInterval {
		w.add(interval.Seconds())
	} else {
		d.log.Debugf("ignoring interval of %v for %s", interval, endpoint)
	}
	w.last = at
}

// Phi returns the current suspicion level, 0 when there is no history.
func (d *Detector) Phi(endpoint string, now time.Time) float64 {
	w, ok := d.windows[endpoint]
	if !ok {
		return 0
	}
	return w.phi(now, d.cfg.Distribution, d.cfg.MinStdDev)
}

// Interpret evaluates phi and convicts the endpoint when it exceeds the
// threshold. It reports the phi value and the resulting judgment.
func (d *Detector) Interpret(endpoint string, now time.Time) (float64, bool) {
	if endpoint == d.cfg.Self {
		return 0, true
	}
	phi := d.Phi(endpoint, now)
	if d.convicted[endpoint] {
		return phi, false
	}
	if phi > d.cfg.ConvictThreshold {
		d.log.Debugf("convicting %s with phi %.2f", endpoint, phi)
		d.convict(endpoint, phi)
		return phi, false
	}
	return phi, true
}

// ForceConvict marks the endpoint dead regardless of phi, e.g. after it
// announced its own shutdown.
func (d *Detector) ForceConvict(endpoint string) {
	if endpoint == d.cfg.Self || d.convicted[endpoint] {
		return
	}
	d.convict(endpoint, 0)
}

func (d *Detector) convict(endpoint string, phi float64) {
	d.convicted[endpoint] = true
	d.scope.Counter("convictions").Inc(1)
	d.notify(endpoint, false, phi)
}

// IsAlive is true until the endpoint is convicted. Unknown endpoints are
// considered alive.
func (d *Detector) IsAlive(endpoint string) bool {
	return !d.convicted[endpoint]
}

// Remove forgets everything about an endpoint.
func (d *Detector) Remove(endpoint string) {
	delete(d.windows, endpoint)
	delete(d.convicted, endpoint)
}

func (d *Detector) notify(endpoint string, alive bool, phi float64) {
	for _, l := range d.listeners {
		l(endpoint, alive, phi)
	}
}
