package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/EgorLis/hassclient/internal/hassclient"
)

func watchCmd(a *app) *cobra.Command {
	var (
		eventType   string
		trigger     string
		count       int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream events as JSON lines",
		Long: `Subscribe to hub events and print one JSON object per event until
interrupted. With --metrics-addr the connection metrics are served at /metrics.`,
		Example: `  hassctl watch --event state_changed
  hassctl watch --trigger '{"platform":"state","entity_id":"binary_sensor.door"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType != "" && trigger != "" {
				return errors.New("--event and --trigger are mutually exclusive")
			}
			var trig map[string]any
			if trigger != "" {
				if err := json.Unmarshal([]byte(trigger), &trig); err != nil {
					return fmt.Errorf("--trigger: %w", err)
				}
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.settings.MetricsAddr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reg := prometheus.NewRegistry()
			conn, err := a.connect(ctx, hassclient.WithMetrics(hassclient.NewMetrics(reg)))
			if err != nil {
				return err
			}
			defer conn.Close()

			var sub *hassclient.Subscription
			if trig != nil {
				sub, err = conn.SubscribeTrigger(ctx, trig)
			} else {
				sub, err = conn.SubscribeEvents(ctx, eventType)
			}
			if err != nil {
				return err
			}
			a.logger.Info("watching", "subscription", sub.ID(), "event", eventType)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				enc := json.NewEncoder(cmd.OutOrStdout())
				n := 0
				for ev, err := range sub.Events(gctx) {
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
					if err := enc.Encode(ev); err != nil {
						return err
					}
					n++
					if count > 0 && n >= count {
						return nil
					}
				}
				return nil
			})

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           metricsHandler(reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					a.logger.Info("serving metrics", "addr", metricsAddr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
					defer stop()
					return srv.Shutdown(shutdownCtx)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&eventType, "event", "e", "", "event type to watch; all events when empty")
	cmd.Flags().StringVarP(&trigger, "trigger", "t", "", "automation trigger as JSON")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many events")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
