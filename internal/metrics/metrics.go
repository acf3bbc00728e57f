package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Go-routine-4595/devicesink/usecase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	namespace = "devicesink"
	subsystem = "persister"
)

func counter(name, help string, v interface{ Load() uint64 }) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(v.Load()) },
	)
}

// Register exposes the persister counters on reg.
func Register(reg prometheus.Registerer, s *usecase.Stats) error {
	collectors := []prometheus.Collector{
		counter("messages_received_total", "Total number of messages delivered by the broker.", &s.Received),
		counter("messages_persisted_total", "Total number of messages written to the output directory.", &s.Persisted),
		counter("messages_rejected_total", "Total number of malformed or unsafe messages.", &s.Rejected),
		counter("write_failures_total", "Total number of failed file writes.", &s.Failed),
		counter("mirror_uploads_total", "Total number of artifacts mirrored to object storage.", &s.Mirrored),
		counter("mirror_failures_total", "Total number of failed mirror uploads.", &s.MirrorFailed),
		counter("notify_failures_total", "Total number of confirmation records that could not be published.", &s.NotifyFailed),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
