// Package metrics holds the prometheus collectors for playback, reporting and
// downloads, and an optional /metrics listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReportsTotal counts play-state reports by kind (start, progress, stopped) and result.
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mbplay_reports_total",
		Help: "Play-state reports sent to the media server by kind and result",
	}, []string{"kind", "result"})

	// StreamResolutionsTotal counts stream negotiations by play method and result.
	StreamResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mbplay_stream_resolutions_total",
		Help: "Stream resolutions by play method and result",
	}, []string{"play_method", "result"})

	// DownloadTransfersTotal counts finished transfers by final status.
	DownloadTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mbplay_download_transfers_total",
		Help: "Download transfers by final status",
	}, []string{"status"})

	// DownloadBytesTotal counts bytes written by download transfers.
	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbplay_download_bytes_total",
		Help: "Bytes written by download transfers",
	})

	// ActiveSessions is the number of open playback sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mbplay_active_sessions",
		Help: "Open playback sessions",
	})
)

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// IncReport records a play-state report outcome.
func IncReport(kind string, ok bool) {
	ReportsTotal.WithLabelValues(kind, result(ok)).Inc()
}

// IncResolution records a stream resolution outcome. playMethod is empty on failure.
func IncResolution(playMethod string, ok bool) {
	if playMethod == "" {
		playMethod = "none"
	}
	StreamResolutionsTotal.WithLabelValues(playMethod, result(ok)).Inc()
}

// IncTransfer records a finished download transfer.
func IncTransfer(status string) {
	DownloadTransfersTotal.WithLabelValues(status).Inc()
}

// AddDownloadBytes adds n written bytes.
func AddDownloadBytes(n int) {
	if n > 0 {
		DownloadBytesTotal.Add(float64(n))
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
