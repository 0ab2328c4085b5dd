package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tiercore "github.com/btt-go/btt-tiercore"
)

func lookupCmd(env func() *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup [bin]",
		Short: "Resolve a BIN through the cache tiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := env()
			core, err := rt.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			res, err := core.Lookup.Lookup(ctx, args[0])
			if errors.Is(err, tiercore.ErrNotFound) {
				return printJSON(map[string]any{"bin": args[0], "found": false, "source": res.Source})
			}
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"bin": args[0], "found": true, "source": res.Source, "record": res.Value})
		},
	}
}

func sweepCmd(env func() *runtime) *cobra.Command {
	var watch bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired uniqueness reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := env()
			core, err := rt.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if !watch {
				n, err := core.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Swept %d expired reservations\n", n)
				return nil
			}

			if metricsAddr != "" {
				srv := metricsServer(rt, metricsAddr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						rt.logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				defer shutdown(srv)
			}

			if err := core.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep sweeping at the configured interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address while watching")
	return cmd
}

func bloomCmd(env func() *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bloom",
		Short: "Bloom filter maintenance",
	}

	var batch int
	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the generated-fingerprint filter from the database and save a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := env()
			core, err := rt.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			res, err := tiercore.RebuildTakenFilter(ctx, core.Taken, core.Store, batch, rt.logger)
			if err != nil {
				return err
			}
			// 快照在 close 时保存
			return printJSON(res)
		},
	}
	rebuild.Flags().IntVarP(&batch, "batch", "b", 1000, "Fingerprints per batch")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show filter sizes and estimated false-positive rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := env()
			core, err := rt.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			out := map[string]any{}
			for name, bf := range map[string]*tiercore.BloomFilter{
				tiercore.SnapshotMissing: core.Missing,
				tiercore.SnapshotTaken:   core.Taken,
			} {
				out[name] = map[string]any{
					"capacity":          bf.Capacity(),
					"error_rate":        bf.ErrorRate(),
					"items":             bf.Count(),
					"estimated_fp_rate": bf.EstimatedFalsePositiveRate(),
				}
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(rebuild, stats)
	return cmd
}

func serveMetricsCmd(env func() *runtime) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt := env()
			if _, err := rt.open(ctx); err != nil {
				return err
			}
			defer rt.close(ctx)

			srv := metricsServer(rt, addr)
			go func() {
				<-ctx.Done()
				shutdown(srv)
			}()
			rt.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9464", "Listen address")
	return cmd
}

func metricsServer(rt *runtime, addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"lookup": rt.core.Lookup.Stats(),
		})
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
