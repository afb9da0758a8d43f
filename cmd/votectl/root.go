package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"votedispatch/internal/bootstrap"
	"votedispatch/internal/config"
	"votedispatch/internal/domain"
	"votedispatch/internal/logging"
	"votedispatch/internal/ratelimit"
	"votedispatch/internal/store"
)

const programName = "votectl"

var globalFlags = struct {
	debug bool
}{}

// env is what every subcommand needs; opened in PersistentPreRunE.
type env struct {
	cfg    config.CtlConfig
	logger *slog.Logger
	store  store.Store
	rdb    redis.UniversalClient
}

type envKey struct{}

func fromCommand(cmd *cobra.Command) *env {
	e, _ := cmd.Context().Value(envKey{}).(*env)
	return e
}

func (e *env) limiter() (*ratelimit.Service, error) {
	return bootstrap.Limiter(e.cfg.RateLimit, e.rdb, e.cfg.Redis.Prefix, e.cfg.AppEnv, e.store, e.logger)
}

func (e *env) close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Operate the vote dispatch store and queues",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := ""
		if globalFlags.debug {
			level = "debug"
		}
		logger := logging.New(cmd.ErrOrStderr(), programName, cfg.LogFormat, level)

		st, err := bootstrap.OpenStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		e := &env{cfg: cfg, logger: logger, store: st, rdb: bootstrap.RedisClient(cfg.Redis)}
		cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, e))
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, _ []string) {
		if e := fromCommand(cmd); e != nil {
			e.close()
		}
	}

	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(statsCommand())
	rootCmd.AddCommand(metricsCommand())
	rootCmd.AddCommand(failuresCommand())
	return rootCmd
}

// loadConfig wraps config.LoadCtl, which panics on a malformed environment.
func loadConfig() (cfg config.CtlConfig, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load config: %v", r)
		}
	}()
	return config.LoadCtl(), nil
}

func parseChannels(args []string) ([]domain.Channel, error) {
	if len(args) == 0 {
		return domain.Channels, nil
	}
	out := make([]domain.Channel, 0, len(args))
	for _, a := range args {
		ch, err := domain.ParseChannel(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, a)
		}
		out = append(out, ch)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
