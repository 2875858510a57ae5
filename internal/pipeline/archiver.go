package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Archiver snapshots settled markets to cold storage on a cron schedule.
type Archiver struct {
	blob   domain.Archiver
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob domain.Archiver, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:   blob,
		now:    time.Now,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run performs one snapshot.
func (a *Archiver) Run(ctx context.Context) error {
	at := a.now().UTC().Truncate(time.Minute)
	n, err := a.blob.ArchiveSettlements(ctx, at)
	if err != nil {
		return fmt.Errorf("archive settlements at %s: %w", at.Format(time.RFC3339), err)
	}
	a.logger.InfoContext(ctx, "archive run complete",
		slog.Time("at", at),
		slog.Int64("settlements", n),
	)
	return nil
}

// RunCron runs the archiver on a standard five-field cron expression
// ("minute hour dom month dow", UTC) until ctx is cancelled.
func (a *Archiver) RunCron(ctx context.Context, spec string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		if err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("archiver cron stopped")
	return ctx.Err()
}

// ValidateCron reports whether spec parses as a five-field cron expression.
func ValidateCron(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("cron expression %q: %w", spec, err)
	}
	return nil
}
