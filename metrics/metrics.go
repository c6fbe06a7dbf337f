// Package metrics exposes Prometheus metrics for the settlement engine on a
// dedicated listener, kept separate from the service API so scrapes never
// compete with operator traffic.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Pipeline counters. Registered once at package load; every component
// increments them directly.
var (
	IntentsSubmitted     = metrics.NewCounter("darkbatch_intents_submitted_total")
	IntentsExpired       = metrics.NewCounter("darkbatch_intents_expired_total")
	BatchesFinalized     = metrics.NewCounter("darkbatch_batches_finalized_total")
	BatchesProcessed     = metrics.NewCounter("darkbatch_batches_processed_total")
	DecodeTypeMismatches = metrics.NewCounter("darkbatch_decode_type_mismatches_total")
	DecryptRetries       = metrics.NewCounter("darkbatch_decrypt_retries_total")
	AttestationsRecorded = metrics.NewCounter("darkbatch_attestations_recorded_total")
	SettlementsPublished = metrics.NewCounter("darkbatch_settlements_published_total")
	SettlementRejections = metrics.NewCounter("darkbatch_settlement_rejections_total")
)

// MetricsServer serves the scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given listen address. An empty
// address returns a server whose ListenAndServe is a no-op, so callers do
// not need to special-case disabled metrics.
func New(appName, listenAddr string) (*MetricsServer, error) {
	if listenAddr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App-Name", appName)
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving scrapes until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	if err := m.srv.ListenAndServe(); err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the scrape listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
