package node

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/adamgarcia4/goLearning/gms/gossip"
)

// UsageFunc reports the bytes used under path.
type UsageFunc func(path string) (uint64, error)

// DiskUsage is the default UsageFunc: bytes used on the filesystem holding
// path.
func DiskUsage(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Used, nil
}

type localStateUpdater interface {
	UpdateLocalApplicationState(ctx context.Context, key gossip.AppStateKey, value string) error
}

// LoadReporter publishes the LOAD application state. A value is only
// re-announced when it changed, so an idle node does not bump versions.
type LoadReporter struct {
	states   localStateUpdater
	path     string
	interval time.Duration
	usage    UsageFunc
	log      logrus.FieldLogger

	last     string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewLoadReporter(states localStateUpdater, path string, interval time.Duration, usage UsageFunc, log logrus.FieldLogger) *LoadReporter {
	if usage == nil {
		usage = DiskUsage
	}
	return &LoadReporter{
		states:   states,
		path:     path,
		interval: interval,
		usage:    usage,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start reports once and then every interval in the background.
func (r *LoadReporter) Start() {
	go r.run()
}

func (r *LoadReporter) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.report(context.Background()); err != nil {
			r.log.WithFields(logrus.Fields{
				"path":  r.path,
				"error": err,
			}).Warn("Could not report load")
		}
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

func (r *LoadReporter) report(ctx context.Context) error {
	used, err := r.usage(r.path)
	if err != nil {
		return err
	}
	value := strconv.FormatUint(used, 10)
	if value == r.last {
		return nil
	}
	if err := r.states.UpdateLocalApplicationState(ctx, gossip.AppLoad, value); err != nil {
		return err
	}
	r.last = value
	return nil
}

// Stop must follow Start; it may be called more than once.
func (r *LoadReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}
