// Package statestore implements the statestore command line: the backend
// server and administrative commands against a configured backend.
package statestore

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/louisbranch/formstate/internal/platform/logging"
)

type options struct {
	envFiles   []string
	configFile string
	logLevel   string
	backend    string
	dbPath     string
	restURL    string
	secret     string

	cfg    Config
	logger *slog.Logger
}

// Execute builds the root command, runs it with args and returns any error.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCommand(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// NewRootCommand constructs the statestore command tree. Logs go to logOut.
func NewRootCommand(logOut io.Writer) *cobra.Command {
	if logOut == nil {
		logOut = os.Stderr
	}
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "statestore",
		Short:         "Bounded two-tier form state store",
		Long:          "statestore runs the persisted-state backend and administers entries persisted by form state stores.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(opts.envFiles, opts.configFile)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if flags.Changed("backend") {
				cfg.Backend = opts.backend
			}
			if flags.Changed("db") {
				cfg.DBPath = opts.dbPath
			}
			if flags.Changed("rest-url") {
				cfg.RESTURL = opts.restURL
			}
			if flags.Changed("secret") {
				cfg.Secret = opts.secret
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logging.NewLogger(logOut, logging.ParseLevel(cfg.LogLevel))
			opts.logger.Debug("configuration loaded", "backend", cfg.Backend, "collection", cfg.Collection)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringArrayVar(&opts.envFiles, "env-file", []string{".env"}, "Load variables from this .env file (repeatable, missing files are skipped)")
	pf.StringVarP(&opts.configFile, "config", "c", "", "YAML file of FORMSTATE_* settings")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.backend, "backend", BackendSQLite, "Backend kind (sqlite, rest, memory)")
	pf.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	pf.StringVar(&opts.restURL, "rest-url", "", "REST backend base URL")
	pf.StringVar(&opts.secret, "secret", "", "Encryption secret for persisted values")

	cmd.AddCommand(
		newServeCommand(opts),
		newGetCommand(opts),
		newInspectCommand(opts),
		newExpireSessionCommand(opts),
		newExpireSessionsCommand(opts),
		newPurgeCommand(opts),
		newHealthCommand(opts),
	)
	return cmd
}
