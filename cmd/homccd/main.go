// homccd is the server daemon: it accepts compile jobs over TCP, mirrors
// each client's working tree into a sandboxed instance directory, executes
// the compiler and streams the object files back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/celonis/homcc/pkg/config"
	"github.com/celonis/homcc/pkg/logging"
	"github.com/celonis/homcc/pkg/server"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "homccd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		address      string
		port         int
		limit        int
		logLevel     string
		verbose      bool
		maxCacheSize string
	)

	cmd := &cobra.Command{
		Use:          "homccd",
		Short:        "homcc server daemon",
		Long:         "homccd executes compilation jobs dispatched by homcc clients.",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(nil)
			if err != nil {
				return err
			}

			// flags win over environment and file values
			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Address = address
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("limit") {
				cfg.Limit = limit
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("verbose") {
				cfg.Verbose = verbose
			}
			if flags.Changed("max-dependency-cache-size") {
				size, err := units.RAMInBytes(maxCacheSize)
				if err != nil {
					return fmt.Errorf("invalid max dependency cache size %q: %w", maxCacheSize, err)
				}
				cfg.MaxDependencyCacheSize = size
			}

			log, err := logging.New(cfg.LogLevel, cfg.Verbose)
			if err != nil {
				return err
			}

			return serve(cmd.Context(), log, cfg)
		},
	}

	cmd.Flags().StringVar(&address, "address", config.DefaultServerAddress, "address to listen on")
	cmd.Flags().IntVar(&port, "port", config.DefaultServerPort, "TCP port to listen on")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of concurrent compilation jobs (0 derives it from the CPU count)")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARNING, ERROR)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
	cmd.Flags().StringVar(&maxCacheSize, "max-dependency-cache-size", "", "dependency cache budget, e.g. 500M or 10G")

	return cmd
}

func serve(ctx context.Context, log logging.Logger, cfg config.Server) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	daemon, err := server.New(log, cfg, "")
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return daemon.ListenAndServe(ctx, cfg)
	})
	if cfg.MetricsAddress != "" {
		group.Go(func() error {
			return daemon.Tracker().Serve(ctx, logging.WithComponent(log, "metrics"), cfg.MetricsAddress)
		})
	}

	return group.Wait()
}
