// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command forge-conformance serves the conformance Forge service on a local
// TCP port and prints "PORT:<n>" once it is listening.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Query-farm/forge-go/conformance"
	"github.com/Query-farm/forge-go/forge"
)

type serveOptions struct {
	Addr               string
	APIKey             string
	Delay              time.Duration
	ResultURLThreshold int
	ServerVersion      string
	BackendUnavailable bool
	Verbose            bool
}

func newRootCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:          "forge-conformance",
		Short:        "Serve an in-process Forge service for client testing",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Addr, "addr", "127.0.0.1:0", "listen address")
	f.StringVar(&opts.APIKey, "api-key", "", "required API key (empty accepts any)")
	f.DurationVar(&opts.Delay, "delay", 0, "how long each call stays open")
	f.IntVar(&opts.ResultURLThreshold, "result-url-threshold", 0, "serve results above this many bytes from a result_url (0 inlines)")
	f.StringVar(&opts.ServerVersion, "server-version", forge.Version, "api_semver reported by /about/about")
	f.BoolVar(&opts.BackendUnavailable, "backend-unavailable", false, "schedule immediate-mode calls instead of running them")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "log every request")
	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	svc := conformance.NewService(
		conformance.WithAPIKey(opts.APIKey),
		conformance.WithCompletionDelay(opts.Delay),
		conformance.WithResultURLThreshold(opts.ResultURLThreshold),
		conformance.WithServerVersion(opts.ServerVersion),
		conformance.WithBackendUnavailable(opts.BackendUnavailable),
		conformance.WithLogger(logger),
	)
	conformance.RegisterMethods(svc)

	listener, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}
	fmt.Printf("PORT:%d\n", listener.Addr().(*net.TCPAddr).Port)
	_ = os.Stdout.Sync()

	srv := &http.Server{Handler: svc, ReadHeaderTimeout: 10 * time.Second}

	// Shut down on SIGTERM/SIGINT so coverage data is flushed when built
	// with -cover.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
