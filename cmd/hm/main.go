// Command hm is the Hardware Manager daemon: it loads a configuration
// file, starts the client and peer listeners, and runs the reactor
// until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/anshulthakur/hwmanager/internal/hmconfig"
	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmmetrics"
	"github.com/anshulthakur/hwmanager/internal/hmruntime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	metricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hm: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hm",
	Short: "Hardware Manager: cluster membership, health and notification service",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the XML configuration file (required)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve Prometheus metrics on")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	hmlog.SetLevel(debug)
	log := hmlog.New("hm")

	cfg, err := hmconfig.Load(configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	hmmetrics.Register(reg)
	go serveMetrics(metricsAddr, reg, log)

	rt, err := hmruntime.New(cfg, log)
	if err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log hmlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("metrics server stopped: %v", err)
	}
}
