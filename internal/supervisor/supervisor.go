// Package supervisor runs scheduled base backups: a cron loop that takes
// one tar-format backup per tick into a timestamped subdirectory, applies
// the retention policy, and serves health and metrics endpoints.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/hashmap-kz/pgbasebackup/config"
	"github.com/hashmap-kz/pgbasebackup/internal/basebackup"
	"github.com/hashmap-kz/pgbasebackup/internal/pg"
)

const backupDirLayout = "20060102150405"

type Supervisor struct {
	l   *slog.Logger
	cfg *config.Config

	// serialize runs: a tick that fires while a backup is in flight is skipped
	running chan struct{}
}

func New(cfg *config.Config) *Supervisor {
	return &Supervisor{
		l:       slog.With(slog.String("component", "backup-supervisor")),
		cfg:     cfg,
		running: make(chan struct{}, 1),
	}
}

// Run blocks until ctx is canceled.
func (u *Supervisor) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(u.cfg.Backup.Cron, func() {
		select {
		case u.running <- struct{}{}:
			defer func() { <-u.running }()
		default:
			u.l.Warn("previous backup still running, skipping tick")
			return
		}

		u.l.Info("starting scheduled backup")
		if err := u.runOnce(ctx); err != nil {
			u.l.Error("scheduled backup failed", slog.Any("err", err))
			return
		}
		u.l.Info("scheduled backup completed")

		if err := u.applyRetention(); err != nil {
			u.l.Error("retention sweep failed", slog.Any("err", err))
		}
	})
	if err != nil {
		return fmt.Errorf("register cron %q: %w", u.cfg.Backup.Cron, err)
	}
	c.Start()

	srv := u.startHTTP()

	<-ctx.Done()
	<-c.Stop().Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		u.l.Error("error during HTTP server shutdown", slog.Any("err", err))
	}
	return nil
}

func (u *Supervisor) startHTTP() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", u.cfg.Main.ListenPort),
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		u.l.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			u.l.Error("HTTP server error", slog.Any("err", err))
		}
	}()
	return srv
}

// runOnce takes one tar-format backup into <directory>/<timestamp>/.
func (u *Supervisor) runOnce(ctx context.Context) error {
	dest := filepath.Join(u.cfg.Main.Directory, time.Now().Format(backupDirLayout))

	src, err := pg.Connect(ctx, pg.ConnectOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(context.Background()); cerr != nil {
			u.l.Warn("close source", slog.Any("err", cerr))
		}
	}()

	sess, err := basebackup.NewSession(&basebackup.Config{
		Destination: dest,
		Format:      basebackup.FormatTar,
		WALMethod:   basebackup.WALMethod(u.cfg.Backup.WALMethod),
		Compression: u.cfg.Backup.Compression,
		MaxRate:     u.cfg.Backup.MaxRate,
		Label:       u.cfg.Backup.Label,
	}, src)
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

// applyRetention removes timestamped backup directories older than the
// configured keep period.
func (u *Supervisor) applyRetention() error {
	keep, err := u.cfg.RetainPeriod()
	if err != nil {
		return err
	}
	if keep == 0 {
		return nil
	}

	entries, err := os.ReadDir(u.cfg.Main.Directory)
	if err != nil {
		return fmt.Errorf("read backups directory: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}

	for _, dir := range filterBackupsToDelete(dirs, keep, time.Time{}) {
		p := filepath.Join(u.cfg.Main.Directory, dir)
		u.l.Info("removing expired backup", slog.String("dir", p))
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
