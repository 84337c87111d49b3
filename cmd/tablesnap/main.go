// Command tablesnap dumps, restores and repairs databases from the shell.
//
// Configuration comes from the same environment variables as the server.
// Logs go to stderr so that dumps can be piped from stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/tablesnap/internal/config"
	"github.com/JonMunkholm/tablesnap/internal/core"
	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/store"
	"github.com/JonMunkholm/tablesnap/internal/store/driver"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if core.IsUserFacing(err) {
			fmt.Fprintln(os.Stderr, "error:", core.FormatUserError(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		if errors.Is(err, errPartial) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app holds what the subcommands share. The store is opened lazily so that
// commands like version run without a database.
type app struct {
	envFile  string
	driver   string
	dsn      string
	dir      string
	logLevel string

	cfg     *config.Config
	store   store.Store
	service *core.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "tablesnap",
		Short: "Snapshot, restore and repair database tables",
		Long: `tablesnap writes every table of a database into a line-oriented JSON
snapshot and restores it later, in bounded invocations that can be resumed
with a continuation token. It also repairs nested-set trees whose left and
right bounds no longer match their materialized paths.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&a.envFile, "env-file", ".env", "load environment variables from this file if it exists")
	f.StringVar(&a.driver, "driver", "", "database driver: postgres, sqlite or memory (overrides DB_DRIVER)")
	f.StringVar(&a.dsn, "dsn", "", "database URL or SQLite DSN (overrides DATABASE_URL)")
	f.StringVar(&a.dir, "dir", "", "snapshot directory (overrides SNAPSHOT_DIR)")
	f.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	cmd.AddCommand(
		newTablesCmd(a),
		newDumpCmd(a),
		newRestoreCmd(a),
		newResumeCmd(a),
		newRepairCmd(a),
		newSnapshotsCmd(a),
		newVersionCmd(a),
	)
	return cmd
}

// loadConfig reads the environment once, with flags taking precedence.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && cmd.Flags().Changed("env-file") {
			return nil, fmt.Errorf("load %s: %w", a.envFile, err)
		}
	}
	overrides := map[string]string{
		"driver":    "DB_DRIVER",
		"dsn":       "DATABASE_URL",
		"dir":       "SNAPSHOT_DIR",
		"log-level": "LOG_LEVEL",
	}
	for flag, env := range overrides {
		if fl := cmd.Flags().Lookup(flag); fl != nil && fl.Changed {
			if err := os.Setenv(env, fl.Value.String()); err != nil {
				return nil, err
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.SetupWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	a.cfg = cfg
	return cfg, nil
}

// open connects to the database and builds the service. Restores from the
// CLI may read snapshot files anywhere on disk.
func (a *app) open(cmd *cobra.Command) (*core.Service, error) {
	if a.service != nil {
		return a.service, nil
	}
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := driver.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, err
	}
	svc, err := core.NewService(st, cfg, core.WithExternalFiles())
	if err != nil {
		st.Close()
		return nil, err
	}
	a.store = st
	a.service = svc
	return svc, nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	a.service = nil
	return err
}
