/*
main.go - Application entry point

PURPOSE:
  The freightsla binary: HTTP server, one-shot ingestion, reports and
  profile inspection, all over the same configuration.

COMMANDS:
  serve                     HTTP API, alert scheduler, optional inbox watcher
  ingest <files...>         Ingest exports (--dry-run maps without writing)
  report                    Summary, stage durations and alerts (--as-of)
  delete <key>              Delete one record
  profile                   Print the effective ingestion profile as YAML

CONFIGURATION:
  Environment first (see config/config.go), then global flags:
    --db-driver   sqlite | mysql | memory
    --db          SQLite path or MySQL DSN
    --profile     YAML profile path
    --log-level   debug | info | warn | error
    --log-format  json | text
    --workers     row normalization workers

EXAMPLES:
  freightsla ingest --db ./data/freightsla.db exports/cte-2024-03.csv
  freightsla report --as-of 2024-03-31 --format text
  FREIGHTSLA_INBOX_DIR=/srv/inbox freightsla serve --port 3000

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - commands.go: ingest, report, delete, profile
*/
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/freight-sla/config"
	"github.com/warp/freight-sla/factory"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/record/memory"
	"github.com/warp/freight-sla/store/gormstore"
	"github.com/warp/freight-sla/store/sqlite"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		log.SetFlags(0)
		log.Fatal(err)
	}
}

// app carries what every command needs once flags are resolved.
type app struct {
	cfg     config.Config
	logger  *logrus.Logger
	profile *factory.Profile
	out     io.Writer
}

type globalFlags struct {
	driver, dsn, profile, level, format string
	workers                             int
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	var gf globalFlags

	root := &cobra.Command{
		Use:           "freightsla",
		Short:         "Freight document ingestion and SLA analytics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd, gf)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&gf.driver, "db-driver", "", "record store: sqlite, mysql or memory")
	pf.StringVar(&gf.dsn, "db", "", "SQLite path or MySQL DSN")
	pf.StringVar(&gf.profile, "profile", "", "ingestion profile YAML (default: built-in)")
	pf.StringVar(&gf.level, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&gf.format, "log-format", "", "json or text")
	pf.IntVar(&gf.workers, "workers", 0, "row normalization workers")

	root.AddCommand(
		newServeCmd(a),
		newIngestCmd(a),
		newReportCmd(a),
		newDeleteCmd(a),
		newProfileCmd(a),
	)
	return root
}

// init loads configuration, applies flag overrides and builds the logger
// and profile.
func (a *app) init(cmd *cobra.Command, gf globalFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.DB.Driver = gf.driver
	}
	if flags.Changed("db") {
		cfg.DB.DSN = gf.dsn
	}
	if flags.Changed("profile") {
		cfg.ProfilePath = gf.profile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = gf.level
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = gf.format
	}
	if flags.Changed("workers") {
		cfg.Workers = gf.workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	a.profile, err = factory.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	return nil
}

// openStore opens the configured record store. The returned close function
// is never nil.
func (a *app) openStore() (record.Store, func() error, error) {
	switch a.cfg.DB.Driver {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "mysql":
		s, err := gormstore.OpenMySQL(a.cfg.DB.DSN, gormstore.Options{Logger: a.logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(a.cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s.Close, nil
	}
}
