package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/espalier"
	httpAdapter "github.com/aretw0/espalier/pkg/adapters/http"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/service"
	"github.com/aretw0/espalier/pkg/session"
	"github.com/aretw0/espalier/pkg/throttle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// inspector serves stored runs, live events and metrics.
type inspector struct {
	registry *prometheus.Registry
	metrics  *observability.Metrics
	api      *httpAdapter.Server
	srv      *http.Server
}

func newInspector(a *app, addr string) *inspector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api := httpAdapter.NewServer(session.NewManager(a.store, session.WithLogger(a.logger)),
		httpAdapter.WithVersion(espalier.Version),
		httpAdapter.WithMetrics(reg),
		httpAdapter.WithLogger(a.logger),
	)
	return &inspector{
		registry: reg,
		metrics:  observability.NewMetrics(reg),
		api:      api,
		srv:      &http.Server{Addr: addr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second},
	}
}

// hooks feeds both the metrics and the event stream.
func (i *inspector) hooks() domain.LifecycleHooks {
	return i.metrics.Hooks().Merge(i.api.Hooks())
}

// watch exports the limiter statistics of clients.
func (i *inspector) watch(clients ...*service.Client) {
	limiters := make([]*throttle.Limiter, 0, len(clients))
	for _, c := range clients {
		limiters = append(limiters, c.Limiter())
	}
	i.registry.MustRegister(observability.NewLimiterCollector(limiters...))
}

// start serves in the background. Listener errors are sent on the channel.
func (i *inspector) start(a *app) <-chan error {
	errs := make(chan error, 1)
	go func() {
		a.logger.Info("Inspector listening", "addr", i.srv.Addr)
		if err := i.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	return errs
}

func (i *inspector) shutdown(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := i.srv.Shutdown(ctx); err != nil {
		a.logger.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
		_ = i.srv.Close()
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored runs over HTTP",
	Long: `Starts a read-only HTTP API over the snapshot store:
/runs, /runs/{id}, /runs/{id}/snapshots, /events (SSE) and /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		addr := a.cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		insp := newInspector(a, addr)
		serverErrors := insp.start(a)
		fmt.Printf("Serving runs from the %s store on %s\n", a.cfg.Store.Kind, addr)

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		case sig := <-shutdown:
			fmt.Printf("\nShutting down... Signal: %v\n", sig)
			insp.shutdown(a)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (default from config, :8080)")
}
