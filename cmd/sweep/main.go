// Command sweep runs every sweep pass once and exits. It is meant for an
// external timer such as a Kubernetes CronJob; exit status 1 means at least
// one pass failed.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samims/concierge/internal/app"
	"github.com/samims/concierge/internal/config"
	"github.com/samims/concierge/internal/logger"
	"github.com/samims/concierge/internal/scheduler"
)

func main() {
	only := flag.String("only", "", "run a single sweep by heartbeat name")
	timeout := flag.Duration("timeout", 10*time.Minute, "upper bound for the whole run")
	flag.Parse()

	l := logger.NewLogger()
	slog.SetDefault(l)

	os.Exit(run(l, *only, *timeout))
}

func run(l *slog.Logger, only string, timeout time.Duration) int {
	cfg, err := config.LoadConfig()
	if err != nil {
		l.Error("Failed to load config", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, l)
	defer a.Close()
	if err != nil {
		l.Error("Failed to build application", slog.Any("error", err))
		return 1
	}

	jobs, ok := selectJobs(a.Jobs(), only)
	if !ok {
		l.Error("Unknown sweep", slog.String("name", only))
		return 2
	}

	if err := scheduler.New(l, jobs...).RunAll(ctx); err != nil {
		l.Error("Sweep run failed", slog.Any("error", err))
		return 1
	}
	l.Info("Sweep run finished", slog.Int("jobs", len(jobs)))
	return 0
}

// selectJobs keeps every job when only is empty, otherwise the one named.
func selectJobs(all []scheduler.Job, only string) ([]scheduler.Job, bool) {
	if only == "" {
		return all, true
	}
	for _, job := range all {
		if job.Name == only {
			return []scheduler.Job{job}, true
		}
	}
	return nil, false
}
