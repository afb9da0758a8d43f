package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"votedispatch/internal/awsutil"
	"votedispatch/internal/domain"
	sqsqueue "votedispatch/internal/queue/sqs"
	"votedispatch/internal/store"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := fromCommand(cmd)
			if err := e.store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			e.logger.Info("schema up to date", "driver", e.cfg.Store.Driver)
			return nil
		},
	}
}

func statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [channel...]",
		Short: "Show queue depth and rate limit state per channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			channels, err := parseChannels(args)
			if err != nil {
				return err
			}
			limiter, err := fromCommand(cmd).limiter()
			if err != nil {
				return err
			}
			out := make([]any, 0, len(channels))
			for _, ch := range channels {
				s, err := limiter.Stats(cmd.Context(), ch)
				if err != nil {
					return fmt.Errorf("stats %s: %w", ch, err)
				}
				out = append(out, s)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func metricsCommand() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "metrics <channel>",
		Short: "Show hourly dispatch metrics for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := domain.ParseChannel(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", err, args[0])
			}
			limiter, err := fromCommand(cmd).limiter()
			if err != nil {
				return err
			}
			samples, err := limiter.Metrics(cmd.Context(), ch, hours)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOUR\tSENT\tSUCCEEDED\tFAILED\tTHROTTLED\tTHROTTLE DELAY\tSUCCESS RATE")
			for _, s := range samples {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%.1f%%\n",
					s.Hour.Format(time.RFC3339), s.Sent, s.Succeeded, s.Failed, s.Throttled, s.ThrottleDelay, s.SuccessRate*100)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "number of hours to show, newest last")
	return cmd
}

func failuresCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect terminal submission and dispatch failures",
	}
	cmd.AddCommand(failuresListCommand())
	cmd.AddCommand(failuresTailCommand())
	return cmd
}

func failuresListCommand() *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded failures, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := fromCommand(cmd).store.ListFailures(cmd.Context(), time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OCCURRED\tKIND\tREFERENCE\tCHANNEL\tATTEMPTS\tREASON")
			for _, f := range out {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					f.OccurredAt.Format(time.RFC3339), f.Kind, f.Reference, f.Channel, f.Attempts, f.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func failuresTailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow failure reports on the operations queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := fromCommand(cmd)
			if e.cfg.FailuresQueueURL == "" {
				return errors.New("FAILURES_QUEUE_URL is not set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := awsutil.NewSQSClient(ctx, e.cfg.AWSRegion, e.cfg.LocalstackEndpoint)
			if err != nil {
				return fmt.Errorf("sqs client: %w", err)
			}
			consumer := &sqsqueue.Consumer{
				SQS:               client,
				QueueURL:          e.cfg.FailuresQueueURL,
				WaitTimeSeconds:   e.cfg.SQSWaitTime,
				MaxMessages:       e.cfg.SQSMaxMsgs,
				VisibilityTimeout: e.cfg.SQSVizTimeout,
				Logger:            e.logger,
			}
			err = consumer.Poll(ctx, func(_ context.Context, f store.Failure) error {
				return printJSON(cmd.OutOrStdout(), f)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
