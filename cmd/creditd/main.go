package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/promptledger/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const flagConfig = "config"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

// runtime carries the resolved configuration from PersistentPreRunE to the subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	state := &runtime{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Prompt marketplace credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional config file (yaml, json or toml)")
	flags.String(config.KeyDatabaseURL, "", "postgres:// or sqlite:// connection string")
	flags.String(config.KeyLedgerStore, "", "ledger store implementation: gorm or pgx")
	flags.String(config.KeyHTTPListenAddr, "", "HTTP listen address")
	flags.String(config.KeyGRPCListenAddr, "", "gRPC listen address")
	flags.String(config.KeyAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(config.KeyPriceTable, "", "path to the model price table yaml")
	flags.String(config.KeyRedisAddr, "", "redis address for job leases; empty uses an in-process lease")
	flags.Bool("development", false, "human readable debug logging")

	cmd.AddCommand(
		newServeCommand(state),
		newMigrateCommand(state),
		newSweepCommand(state),
		newProcessReferralsCommand(state),
		newAutomationBonusCommand(state),
		newGrantCommand(state),
		newBalanceCommand(state),
		newFlowCommand(state),
		newReferCommand(state),
		newTokenCommand(state),
	)
	return cmd
}

func (state *runtime) load(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	v, err := config.NewViper(configPath)
	if err != nil {
		return err
	}
	if err := bindChangedFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	development, err := cmd.Flags().GetBool("development")
	if err != nil {
		return err
	}
	logger, err := newLogger(development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	state.cfg = cfg
	state.logger = logger
	return nil
}

// bindChangedFlags binds only flags set on the command line so unset flags do not mask env or file values.
func bindChangedFlags(cmd *cobra.Command, v *viper.Viper) error {
	for _, key := range []string{
		config.KeyDatabaseURL,
		config.KeyLedgerStore,
		config.KeyHTTPListenAddr,
		config.KeyGRPCListenAddr,
		config.KeyAllowedOrigins,
		config.KeyPriceTable,
		config.KeyRedisAddr,
	} {
		flag := cmd.Flags().Lookup(key)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newServeCommand(state *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC server and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			app, err := newApplication(ctx, state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.db.prepareSchema(ctx); err != nil {
				return err
			}
			return runServer(ctx, app)
		},
	}
}
