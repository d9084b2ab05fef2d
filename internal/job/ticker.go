package job

import (
	"context"
	"log/slog"
	"time"
)

// Ticker drives Service.TickAll on a fixed interval, the cron-style trigger
// for jobs nobody is polling.
type Ticker struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewTicker(service *Service, interval time.Duration, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (t *Ticker) Run(ctx context.Context) {
	t.logger.Info("ticker: starting", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("ticker: stopping")
			return
		case <-ticker.C:
			n, err := t.service.TickAll(ctx)
			if err != nil && ctx.Err() == nil {
				t.logger.Error("ticker: tick all", "err", err)
				continue
			}
			if n > 0 {
				t.logger.Debug("ticker: advanced jobs", "count", n)
			}
		}
	}
}
