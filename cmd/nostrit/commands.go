package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Kodylow/Nostrit/internal/app"
	"github.com/Kodylow/Nostrit/internal/config"
	"github.com/Kodylow/Nostrit/internal/job"
	"github.com/Kodylow/Nostrit/internal/platform/privacylog"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	relays     []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "nostrit",
		Short:         "Job marketplace client over relay pubsub",
		Long:          "nostrit submits signed job requests to a set of relays, streams service-provider results back, and settles the winning result over lightning.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml")
	rootCmd.PersistentFlags().StringArrayVar(&opts.relays, "relay", nil, "relay URL; repeat to replace the configured relay set")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(opts),
		newSubmitCmd(opts),
		newJobsCmd(opts),
		newZapCmd(opts),
		newIdentityCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nostrit version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relays and stream job results until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadEnvironment(opts)
			reg := prometheus.NewRegistry()
			svc, err := app.New(cfg, reg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := svc.Start(ctx); err != nil {
				return err
			}
			if svc.Degraded(ctx) {
				logger.Warn("no signer available, running read-only")
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server stopped", "error", err)
					}
				}()
				defer srv.Close()
			}

			logger.Info("nostrit running", "relays", len(cfg.Relays))
			<-ctx.Done()
			logger.Info("nostrit stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		jobType string
		bidMsat int64
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <content>",
		Short: "Submit a job request and optionally wait for results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadEnvironment(opts)
			svc, err := app.New(cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := svc.Start(ctx); err != nil {
				return err
			}
			waitForConnection(ctx, svc, cfg.Network.DialTimeout)

			snap, err := svc.SubmitJob(ctx, job.SubmitRequest{
				Content: strings.Join(args, " "),
				JobType: jobType,
				BidMsat: bidMsat,
			})
			if err != nil {
				printJSON(cmd, snap)
				return err
			}
			printJSON(cmd, snap)

			if wait <= 0 {
				return nil
			}
			logger.Info("waiting for results", "job", snap.ID, "timeout", wait)
			deadline := time.NewTimer(wait)
			defer deadline.Stop()
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-deadline.C:
					return nil
				case <-ticker.C:
					current, err := svc.Job(snap.ID)
					if err != nil {
						return err
					}
					if len(current.Results) > seen {
						seen = len(current.Results)
						printJSON(cmd, current.Results)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type tag (default from config)")
	cmd.Flags().Int64Var(&bidMsat, "bid", 0, "bid in millisatoshis (default from config)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep running this long to collect results")
	return cmd
}

func newJobsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List known jobs and their results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadEnvironment(opts)
			svc, err := app.New(cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.Start(cmd.Context()); err != nil {
				return err
			}
			printJSON(cmd, svc.Jobs())
			return nil
		},
	}
}

func newZapCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zap <job-id> <result-event-id>",
		Short: "Pay the invoice attached to a job result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := loadEnvironment(opts)
			svc, err := app.New(cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := svc.Start(ctx); err != nil {
				return err
			}
			if err := svc.EnableWallet(ctx); err != nil {
				return err
			}
			result, err := svc.Settle(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			printJSON(cmd, result)
			return nil
		},
	}
	return cmd
}

func newIdentityCmd(opts *rootOptions) *cobra.Command {
	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect and manage the signing identity",
	}

	identityCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active public key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			info, err := svc.Identity(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd, info)
			return nil
		},
	})

	identityCmd.AddCommand(&cobra.Command{
		Use:   "roll",
		Short: "Replace the identity with a fresh keypair, discarding job state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			info, err := svc.RollKey()
			if err != nil {
				return err
			}
			printJSON(cmd, info)
			return nil
		},
	})

	identityCmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the local private key in nsec form",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := buildService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			nsec, err := svc.ExportKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), nsec)
			return nil
		},
	})

	identityCmd.AddCommand(&cobra.Command{
		Use:   "import <key-material>",
		Short: "Import a private key (hex, nsec, or mnemonic phrase)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildService(opts)
			if err != nil {
				return err
			}
			defer svc.Close()
			info, err := svc.ImportKey(strings.Join(args, " "))
			if err != nil {
				return err
			}
			printJSON(cmd, info)
			return nil
		},
	})

	return identityCmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show relay connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := loadEnvironment(opts)
			svc, err := app.New(cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Network.DialTimeout+2*time.Second)
			defer cancel()
			if err := svc.Start(ctx); err != nil {
				return err
			}
			waitForConnection(ctx, svc, cfg.Network.DialTimeout)
			printJSON(cmd, svc.NetworkStatus())
			return nil
		},
	}
}

func buildService(opts *rootOptions) (*app.Service, error) {
	cfg, logger := loadEnvironment(opts)
	return app.New(cfg, prometheus.NewRegistry(), logger)
}

func loadEnvironment(opts *rootOptions) (config.Config, *slog.Logger) {
	cfg := config.LoadFromPath(opts.configPath)
	if len(opts.relays) > 0 {
		cfg.Relays = opts.relays
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger
}

func waitForConnection(ctx context.Context, svc *app.Service, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if svc.NetworkStatus().ConnectedAny || ctx.Err() != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func printJSON(cmd *cobra.Command, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}
