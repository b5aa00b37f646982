// Package main は finintel コマンドのエントリーポイントです。
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourusername/finintel-client/internal/config"
	"github.com/yourusername/finintel-client/internal/jobs"
	"github.com/yourusername/finintel-client/internal/uploader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app はサブコマンド間で共有する設定とロガーです。
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var serviceURL string

	root := &cobra.Command{
		Use:          "finintel",
		Short:        "Upload financial documents to the analysis service and follow their jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if serviceURL != "" {
				cfg.JobServiceURL = serviceURL
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			a.logger = newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&serviceURL, "service-url", "", "job service base URL (overrides JOB_SERVICE_URL)")

	root.AddCommand(
		newSubmitCommand(a),
		newStatusCommand(a),
		newResultCommand(a),
		newWebCommand(a),
	)
	return root
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) client() (*jobs.Client, error) {
	return jobs.NewClient(jobs.ClientOptions{
		BaseURL:        a.cfg.JobServiceURL,
		RequestTimeout: a.cfg.RequestTimeout,
		Retry: jobs.RetryPolicy{
			MaxAttempts:     a.cfg.RetryMaxAttempts,
			InitialInterval: a.cfg.RetryInitialInterval,
			MaxInterval:     a.cfg.RetryMaxInterval,
		},
		Logger: a.logger,
	})
}

func (a *app) pollerOptions() jobs.PollerOptions {
	failures := make([]jobs.Status, 0, len(a.cfg.TerminalFailureStatuses))
	for _, s := range a.cfg.TerminalFailureStatuses {
		failures = append(failures, jobs.Status(s))
	}
	return jobs.PollerOptions{
		Interval:             a.cfg.PollInterval,
		MaxAttempts:          a.cfg.PollMaxAttempts,
		Timeout:              a.cfg.PollTimeout,
		MaxConsecutiveErrors: a.cfg.PollMaxConsecutiveErrors,
		FailureStatuses:      failures,
		Logger:               a.logger,
	}
}

func (a *app) controller() (*uploader.Controller, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}
	return uploader.NewController(client, a.pollerOptions(), a.logger), nil
}
