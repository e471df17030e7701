package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/resolver"
	"github.com/shortontech/iptrace/pkg/config"
)

func newRootCmd() *cobra.Command {
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:          "iptrace",
		Short:        "iptrace records the public IP addresses a visitor is seen with",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			cfg = config.Load()
			cfg.ConfigureLogging()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "print this host's public IP using the lookup service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd.Context(), cmd, cfg)
		},
	}

	var ips *string
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "feed a sequence of IPs through the tracker and print the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cfg, splitIPs(*ips))
		},
	}
	ips = simulateCmd.Flags().String(
		"ips", "203.0.113.5,203.0.113.5,198.51.100.7", "comma separated addresses to observe in order")

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "probe /healthz of a running server, for container health checks",
		Args:  cobra.NoArgs,
	}
	host := healthCmd.Flags().String("host", "127.0.0.1", "server host")
	port := healthCmd.Flags().String("port", "8080", "server port")
	healthCmd.RunE = func(_ *cobra.Command, _ []string) error {
		return performHealthCheck(*host, *port)
	}

	rootCmd.AddCommand(serveCmd, resolveCmd, simulateCmd, healthCmd)
	return rootCmd
}

// serve runs until SIGINT or SIGTERM.
func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, cfg)
}

func runResolve(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r := resolver.New(resolver.Options{
		LookupURL:     cfg.LookupURL,
		LookupTimeout: cfg.LookupTimeout,
	})
	info := r.Lookup(ctx)
	if info.IP == history.UnknownIP {
		return fmt.Errorf("lookup via %s failed", cfg.LookupURL)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", info.IP, info.Source)
	return nil
}

func splitIPs(s string) []string {
	var out []string
	for _, ip := range strings.Split(s, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			out = append(out, ip)
		}
	}
	return out
}

