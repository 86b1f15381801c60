// Bumper is a self-hosted replacement for the vendor cloud that robot
// vacuums and their companion apps talk to.
//
// It serves the conf HTTPS API used for login and authcode exchange, an MQTT
// listener for bots and apps, and a legacy XMPP listener. In debug mode it
// also serves an administrative web API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nerrad567/bumper-core/internal/auth"
	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
	"github.com/nerrad567/bumper-core/internal/server"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options carries the flags shared by every command.
type options struct {
	configPath string
	listen     string
	dbPath     string
	debug      bool
}

// newRootCmd builds the command tree. Running the root command serves.
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bumper",
		Short:         "Self-hosted vendor cloud for robot vacuums",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	root.SetOut(out)
	addFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run every listener until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, opts)
			},
		},
		newAdminTokenCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "bumper %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv("BUMPER_CONFIG"), "path to a YAML or TOML config file")
	fs.StringVar(&opts.listen, "listen", "", "address every listener binds to unless overridden per listener")
	fs.StringVar(&opts.dbPath, "db", "", "path to the SQLite store")
	fs.BoolVar(&opts.debug, "debug", false, "enable the admin listener and debug logging")
}

// loadConfig reads the config file and environment, then applies the
// command-line overrides, which win over both.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if fs.Changed("listen") {
		cfg.Server.Listen = opts.listen
	}
	if fs.Changed("db") {
		cfg.Database.Path = opts.dbPath
	}
	if fs.Changed("debug") {
		cfg.Server.Debug = opts.debug
	}
	if cfg.Server.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)
	return serve(cmd.Context(), cfg, log)
}

// serve runs the orchestrator until ctx is cancelled or a task fails.
//
// Parameters:
//   - ctx: Cancelled on SIGINT or SIGTERM
//   - cfg: Validated configuration
//   - log: Root logger
//
// Returns:
//   - error: nil on a signalled shutdown, otherwise the startup or task failure
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	srv, err := server.New(cfg, log, server.WithVersion(version))
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-srv.Done():
		log.Error("a task stopped unexpectedly")
	}

	// Shutdown applies its own grace period.
	if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, server.ErrNotRunning) {
		return err
	}
	return nil
}

func newAdminTokenCmd(opts *options) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the admin API",
		Long: `Mint a signed bearer token for the admin API.

The token is signed with admin.jwt_secret (or BUMPER_ADMIN_JWT_SECRET) and
expires after admin.token_ttl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return errors.New("admin.jwt_secret is not set")
			}

			token, err := auth.GenerateAdminToken(subject, cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "subject recorded in the token")
	return cmd
}
