package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartMetricsServer 暴露 /metrics 与 /healthz，随 ctx 取消优雅退出。
// /healthz 只回答"进程活着"；节点与存储的可达性在主 API 的 /health 里。
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger) error {
	log := logger.With("component", "metrics")
	hostname, _ := os.Hostname()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","hostname":%q,"pid":%d}`, hostname, os.Getpid())
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("Metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", "error", err)
	}
	log.Info("Metrics server stopped")
	return nil
}
