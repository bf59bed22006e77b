// Package cmd wires the command line surface: the one-shot backup command
// and the scheduled daemon mode.
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/hashmap-kz/pgbasebackup/config"
	"github.com/hashmap-kz/pgbasebackup/internal/basebackup"
	"github.com/hashmap-kz/pgbasebackup/internal/core/logger"
	"github.com/hashmap-kz/pgbasebackup/internal/pg"
	"github.com/hashmap-kz/pgbasebackup/internal/supervisor"
)

var Version = "dev"

func App() *cli.Command {
	logLevelFlag := &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level: trace/debug/info/warn/error",
		Value:   "info",
		Sources: cli.EnvVars("PGBB_LOG_LEVEL"),
	}
	logFormatFlag := &cli.StringFlag{
		Name:    "log-format",
		Usage:   "Log format: text/json",
		Value:   "text",
		Sources: cli.EnvVars("PGBB_LOG_FORMAT"),
	}

	app := &cli.Command{
		Name:    "pgbasebackup",
		Usage:   "Physical PostgreSQL base backups over the replication protocol",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Take a base backup of a running cluster",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "pgdata",
						Aliases: []string{"D"},
						Usage:   "Receive base backup into directory",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"F"},
						Usage:   "Output format: plain (default) or tar",
					},
					&cli.StringFlag{
						Name:    "wal-method",
						Aliases: []string{"X"},
						Usage:   "Include WAL using the method: none, fetch or stream (default)",
					},
					&cli.StringFlag{
						Name:  "target",
						Usage: "Backup target: blackhole or server:PATH (instead of -D)",
					},
					&cli.StringSliceFlag{
						Name:    "tablespace-mapping",
						Aliases: []string{"T"},
						Usage:   "Relocate tablespace in OLDDIR to NEWDIR (repeatable)",
					},
					&cli.StringFlag{
						Name:    "compress",
						Aliases: []string{"Z"},
						Usage:   "Compress tar output: METHOD[:LEVEL] (gzip, zstd, lz4)",
					},
					&cli.StringFlag{
						Name:    "slot",
						Aliases: []string{"S"},
						Usage:   "Replication slot to use",
					},
					&cli.BoolFlag{
						Name:    "create-slot",
						Aliases: []string{"C"},
						Usage:   "Create the replication slot named with --slot",
					},
					&cli.BoolFlag{
						Name:  "no-slot",
						Usage: "Stream WAL without a replication slot",
					},
					&cli.BoolFlag{
						Name:  "no-verify-checksums",
						Usage: "Skip page checksum verification",
					},
					&cli.BoolFlag{
						Name:    "write-recovery-conf",
						Aliases: []string{"R"},
						Usage:   "Write configuration for replication",
					},
					&cli.BoolFlag{
						Name:  "no-manifest",
						Usage: "Suppress generation of the backup manifest",
					},
					&cli.StringFlag{
						Name:  "waldir",
						Usage: "Location for the write-ahead log directory (plain format only)",
					},
					&cli.BoolFlag{
						Name:  "no-clean",
						Usage: "Do not clean up after errors",
					},
					&cli.StringFlag{
						Name:    "label",
						Aliases: []string{"l"},
						Usage:   "Set backup label",
					},
					&cli.StringFlag{
						Name:    "max-rate",
						Aliases: []string{"r"},
						Usage:   "Maximum transfer rate per second, e.g. 100M or 512k",
					},
					&cli.StringFlag{
						Name:    "dbname",
						Aliases: []string{"d"},
						Usage:   "Connection string (PG* env vars otherwise)",
					},
					logLevelFlag,
					logFormatFlag,
				},
				Action: runBackup,
			},
			{
				Name:  "daemon",
				Usage: "Run scheduled backups with retention",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to config file",
						Sources: cli.EnvVars("PGBB_CONFIG_PATH"),
					},
				},
				Action: runDaemon,
			},
		},
	}
	return app
}

func runBackup(ctx context.Context, c *cli.Command) error {
	logger.Init(&logger.Opts{
		Level:  c.String("log-level"),
		Format: c.String("log-format"),
	})

	maxRate, err := parseMaxRate(c.String("max-rate"))
	if err != nil {
		return &basebackup.UsageError{Violations: []basebackup.Violation{
			{Flag: "--max-rate", Message: err.Error()},
		}}
	}

	cfg := &basebackup.Config{
		Destination:        c.String("pgdata"),
		Format:             basebackup.Format(c.String("format")),
		WALMethod:          basebackup.WALMethod(c.String("wal-method")),
		Target:             c.String("target"),
		FormatExplicit:     c.IsSet("format"),
		Compression:        c.String("compress"),
		TablespaceMappings: c.StringSlice("tablespace-mapping"),
		Slot:               c.String("slot"),
		CreateSlot:         c.Bool("create-slot"),
		NoSlot:             c.Bool("no-slot"),
		NoVerifyChecksums:  c.Bool("no-verify-checksums"),
		WriteRecoveryConf:  c.Bool("write-recovery-conf"),
		NoManifest:         c.Bool("no-manifest"),
		NoClean:            c.Bool("no-clean"),
		WALDir:             c.String("waldir"),
		Label:              c.String("label"),
		MaxRate:            maxRate,
	}

	connString := c.String("dbname")
	if connString == "" {
		checkPgEnvsAreSet()
	}

	src, err := pg.Connect(ctx, pg.ConnectOptions{ConnString: connString})
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close(context.Background())
	}()

	sess, err := basebackup.NewSession(cfg, src)
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

func runDaemon(ctx context.Context, c *cli.Command) error {
	var cfg *config.Config
	if path := c.String("config"); path != "" {
		cfg = config.MustLoad(path)
	} else {
		cfg = config.MustEnvconfig()
	}

	logger.Init(&logger.Opts{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	checkPgEnvsAreSet()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return supervisor.New(cfg).Run(ctx)
}

// parseMaxRate parses a bytes-per-second limit with an optional k/M suffix.
func parseMaxRate(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1024
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transfer rate %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("transfer rate must be positive")
	}
	return n * mult, nil
}

func checkPgEnvsAreSet() {
	var emptyEnvs []string
	for _, name := range []string{"PGHOST", "PGPORT", "PGUSER"} {
		if os.Getenv(name) == "" {
			emptyEnvs = append(emptyEnvs, name)
		}
	}

	if os.Getenv("PGPASSWORD") == "" && os.Getenv("PGPASSFILE") == "" {
		emptyEnvs = append(emptyEnvs, "PGPASSWORD or PGPASSFILE")
	}

	if len(emptyEnvs) > 0 {
		log.Fatalf("[FATAL] required env vars are empty: [%s]", strings.Join(emptyEnvs, " "))
	}

	if os.Getenv("PGPASSFILE") != "" {
		if _, err := os.Stat(os.Getenv("PGPASSFILE")); os.IsNotExist(err) {
			log.Fatalf("[FATAL] PGPASSFILE does not exist: %s", os.Getenv("PGPASSFILE"))
		}
	}
}
