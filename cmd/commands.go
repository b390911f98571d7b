package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go-flow-proxy/internal/config"
	"go-flow-proxy/internal/fakeremote"
	"go-flow-proxy/internal/metrics"
	"go-flow-proxy/internal/models"
	"go-flow-proxy/internal/proxy"
	"go-flow-proxy/internal/remote"
	"go-flow-proxy/internal/server"
	"go-flow-proxy/internal/worker"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:           "flow-proxy",
		Short:         "Run Windmill flows synchronously over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				SetupLogger(slog.LevelDebug)
			}
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.AddCommand(newServeCmd(), newRunCmd(), newFakeRemoteCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, &configError{err: err}
	}
	return cfg, nil
}

func newProxy(cfg *config.Config) (*proxy.Proxy, *remote.Client) {
	client := remote.NewClient(cfg.WindmillURL, cfg.Workspace, cfg.Token, cfg.HTTPTimeout)
	p := proxy.New(client, client.StatusLookup(), proxy.Options{
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		Metrics:      metrics.Default(),
	})
	return p, client
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the proxy HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, client := newProxy(cfg)
			pool := worker.NewWorkerPool(p, cfg.WorkerCount)
			srv := server.New(p, pool, client, server.Options{MaxInFlight: cfg.MaxInFlight})

			slog.Info("Proxy listening",
				"addr", cfg.ListenAddr,
				"windmill", cfg.WindmillURL,
				"workspace", cfg.Workspace,
				"pollBudget", cfg.PollBudget(),
			)
			return listen(cmd.Context(), cfg.ListenAddr, srv.Routes(), cfg.PollBudget())
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		argsJSON string
		script   bool
	)
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Submit one job, wait for it, and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req := models.JobRequest{Path: args[0], Kind: models.KindFlow}
			if script {
				req.Kind = models.KindScript
			}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}

			p, _ := newProxy(cfg)
			out, err := p.RunJob(cmd.Context(), req)
			if err != nil {
				var perr *proxy.Error
				if errors.As(err, &perr) && len(perr.Details) > 0 {
					fmt.Fprintf(os.Stderr, "details: %s\n", perr.Details)
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
			return err
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "job arguments as a JSON object")
	cmd.Flags().BoolVar(&script, "script", false, "run a script instead of a flow")
	return cmd
}

func newFakeRemoteCmd() *cobra.Command {
	var (
		addr string
		opts fakeremote.Options
	)
	cmd := &cobra.Command{
		Use:   "fake-remote",
		Short: "Serve a simulated Windmill job API for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.FailRate < 0 || opts.FailRate > 1 {
				return &configError{err: fmt.Errorf("fail rate must be within [0,1], got %v", opts.FailRate)}
			}
			fake := fakeremote.New(opts)
			slog.Info("Fake remote listening", "addr", addr, "workspace", opts.Workspace, "completeAfter", opts.CompleteAfter)
			return listen(cmd.Context(), addr, fake.Handler(), 0)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "blueprint", "workspace id to accept")
	cmd.Flags().StringVar(&opts.Token, "token", "", "required bearer token")
	cmd.Flags().IntVar(&opts.CompleteAfter, "complete-after", 3, "completed-endpoint reads before a job finishes")
	cmd.Flags().Float32Var(&opts.FailRate, "fail-rate", 0, "probability a job fails")
	return cmd
}

// listen serves h until ctx ends, then drains for up to drain (plus a small margin).
func listen(ctx context.Context, addr string, h http.Handler, drain time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Context cancelled, draining in-flight requests", "drain", drain)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		slog.Info("Server stopped")
		return nil
	}
}
