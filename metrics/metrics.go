// Package metrics builds the tally scope shared by the transport, the failure
// detector and the gossiper, optionally exported to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
)

const reportInterval = 1 * time.Second

type Registry struct {
	scope    tally.Scope
	closer   io.Closer
	reporter promreporter.Reporter
	log      logrus.FieldLogger
	srv      *http.Server
}

// NewRegistry creates a Prometheus-backed registry. A single process should
// create at most one, since the reporter registers with the default
// Prometheus registerer.
func NewRegistry(prefix string, tags map[string]string, log logrus.FieldLogger) *Registry {
	r := promreporter.NewReporter(promreporter.Options{})

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         prefix,
		Tags:           tags,
		CachedReporter: r,
		Separator:      promreporter.DefaultSeparator,
	}, reportInterval)

	return &Registry{
		scope:    scope,
		closer:   closer,
		reporter: r,
		log:      log,
	}
}

// NewNoop returns a registry whose scope discards everything.
func NewNoop() *Registry {
	return &Registry{scope: tally.NoopScope}
}

func (r *Registry) Scope() tally.Scope {
	return r.scope
}

// Serve exposes /metrics on the given port in a background goroutine.
// Binding is done synchronously so a port conflict is reported to the caller.
func (r *Registry) Serve(port int) error {
	if r.reporter == nil {
		return errors.New("metrics registry has no reporter")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.reporter.HTTPHandler())
	r.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", r.srv.Addr)
	if err != nil {
		return fmt.Errorf("unable to serve metrics: %w", err)
	}
	r.log.Infof("Serving 0.0.0.0:%d/metrics", port)
	go func() {
		if err := r.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warnf("metrics server stopped: %v", err)
		}
	}()
	return nil
}

// Close stops the HTTP endpoint, if any, and flushes the root scope.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	if r.srv != nil {
		err = r.srv.Shutdown(ctx)
	}
	if r.closer != nil {
		if cerr := r.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
