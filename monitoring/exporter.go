package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics over HTTP on /metrics.
type Exporter struct {
	metrics *Metrics

	started sync.Once
	stopped sync.Once

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewExporter creates an exporter for the metrics.
func NewExporter(metrics *Metrics) *Exporter {
	return &Exporter{metrics: metrics}
}

// Start listens on addr and serves the metrics until Stop is called.
func (e *Exporter) Start(addr string) error {
	var startErr error
	e.started.Do(func() {
		e.listener, startErr = net.Listen("tcp", addr)
		if startErr != nil {
			return
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.metrics.Registry(), promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			e.listener.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(e.listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return startErr
}

// Addr returns the address the exporter listens on, or nil before Start.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	var err error
	e.stopped.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return err
}
