/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/poetran/internal/job"
	"github.com/valpere/poetran/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background ticker",
	Long: `Serve the thread and job API:

  POST /threads                                  create a thread
  GET  /threads/{threadId}                       read a thread
  POST /jobs                                     initialise a job
  GET  /jobs/{threadId}[?advance=true]           job status
  POST /jobs/{threadId}/advance                  run one tick
  POST /jobs/{threadId}/stanzas/{index}/requeue  requeue a stanza
  GET  /health                                   liveness and storage check

Unless --tick-interval is 0, every open job is also ticked periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if n, err := a.store.PurgeExpired(ctx); err != nil {
			a.logger.Warn("purge expired entries failed", "err", err)
		} else if n > 0 {
			a.logger.Info("purged expired entries", "count", n)
		}

		handler := server.NewServer(a.store, a.service, a.detector,
			server.WithLogger(a.logger),
			server.WithPinger(a.store),
		)
		httpSrv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      cfg.Scheduler.TickBudget + 30*time.Second,
		}

		var wg sync.WaitGroup
		errCh := make(chan error, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("http server starting", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		if cfg.Server.TickInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job.NewTicker(a.service, cfg.Server.TickInterval, a.logger).Run(ctx)
			}()
		}

		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received, stopping...")
		case err := <-errCh:
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			_ = httpSrv.Shutdown(shutdownCtx)
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("server stopped")
			return nil
		case <-shutdownCtx.Done():
			a.logger.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("addr", "", "Listen address")
	f.Duration("tick-interval", 0, "Background tick interval (0 disables)")
	_ = v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = v.BindPFlag("server.tick_interval", f.Lookup("tick-interval"))
}
