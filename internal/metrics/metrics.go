package metrics

import (
	"log/slog"
	"time"

	"paylink-service/internal/config"

	"github.com/VictoriaMetrics/metrics"
)

// Setup starts pushing the default metrics set when a push URL is configured.
// The same set is always served on /metrics.
func Setup(cfg config.Metrics, logger *slog.Logger) {
	if cfg.URL == "" {
		return
	}

	err := metrics.InitPush(cfg.URL, time.Duration(cfg.IntervalMs)*time.Millisecond, cfg.CommonLabels, true)
	if err != nil {
		logger.Error("Error initializing metrics push", "error", err)
	}
}
