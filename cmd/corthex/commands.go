package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"corthex/internal/app"
	"corthex/internal/chain"
	"corthex/internal/config"
	"corthex/internal/logger"
	"corthex/internal/scheduler"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/corthex.yaml"

type rootOptions struct {
	configPath string
	envFile    string

	cfg     *config.Config
	closeFn func()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "corthex",
		Short:         "CORTHEX HQ batch chain orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.closeFn != nil {
				opts.closeFn()
			}
		},
	}
	defaultPath := os.Getenv("CORTHEX_CONFIG")
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultPath, "configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with API keys (ignored when missing)")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, newVerifyCmd(opts), newQuantCmd(opts), newChainCmd(opts))
	return root
}

func (o *rootOptions) load() error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	closeFn, err := setupLogging(cfg.App)
	if err != nil {
		closeFn()
		return fmt.Errorf("setup logging: %w", err)
	}
	o.cfg, o.closeFn = cfg, closeFn
	logger.Infof("config loaded env=%s path=%s", cfg.App.Env, o.configPath)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var verifyEvery string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, batch poller and verification scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifyEvery != "" {
				d, ok := scheduler.ParseIntervalDuration(verifyEvery)
				if !ok {
					return fmt.Errorf("invalid --verify-every %q (use e.g. 30m, 6h, 1d)", verifyEvery)
				}
				opts.cfg.Learning.VerifyInterval = d
			}
			a, err := app.NewApp(opts.cfg)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&verifyEvery, "verify-every", "", "override learning.verify_interval")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Grade due predictions once and run the learning passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			res, err := a.Verify(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newQuantCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "quant TICKER",
		Short: "Print the indicator consensus score for a ticker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			score, err := a.Quant(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, score)
			}
			fmt.Fprint(cmd.OutOrStdout(), score.PromptBlock(opts.cfg.Trading.AnchorTolerance))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full score as JSON")
	return cmd
}

func newChainCmd(opts *rootOptions) *cobra.Command {
	var (
		mode           string
		department     string
		skipDelegation bool
		timeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:   `chain "COMMAND"`,
		Short: "Run one command through the chain and print the delivered report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			c, err := a.RunChain(ctx, strings.Join(args, " "), chain.StartOptions{
				Mode:           chain.Mode(mode),
				Department:     department,
				SkipDelegation: skipDelegation,
			})
			if err != nil {
				if c.ID != "" {
					return fmt.Errorf("chain %s: %w", c.ID, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, $%.4f)\n\n%s\n", c.ID, c.Status, c.TotalCostUSD, c.Report())
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(chain.ModeSingle), "single or broadcast")
	cmd.Flags().StringVar(&department, "department", "", "pin the command to a department")
	cmd.Flags().BoolVar(&skipDelegation, "skip-delegation", false, "send the command straight to synthesis")
	cmd.Flags().DurationVar(&timeout, "timeout", 26*time.Hour, "give up waiting after this long")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
