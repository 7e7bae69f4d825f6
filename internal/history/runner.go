package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/justapithecus/sluice/sluice"
)

// Runner runs one export. *sluice.Exporter satisfies it.
type Runner interface {
	Run(ctx context.Context, req sluice.ExportRequest) (sluice.ExportResult, error)
}

// RecordingRunner records every export it runs in a Store.
// Ledger failures are logged and never fail the export.
type RecordingRunner struct {
	next   Runner
	store  *Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecordingRunner wraps next so its exports are recorded in store.
func NewRecordingRunner(next Runner, store *Store, logger *slog.Logger) *RecordingRunner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RecordingRunner{next: next, store: store, logger: logger, now: time.Now}
}

// Run implements Runner.
func (r *RecordingRunner) Run(ctx context.Context, req sluice.ExportRequest) (sluice.ExportResult, error) {
	started := r.now()
	result, err := r.next.Run(ctx, req)

	entry := Entry{
		Name:       result.Name,
		Format:     string(req.Format),
		Query:      req.Query,
		Locator:    result.Locator,
		Outcome:    sluice.Outcome(err),
		NumFound:   result.TotalRecords,
		Records:    result.RecordCount,
		Bytes:      result.ByteCount,
		Pages:      result.Pages,
		StartedAt:  started,
		FinishedAt: r.now(),
	}
	if err != nil {
		entry.Error = err.Error()
		var se *sluice.StageError
		if errors.As(err, &se) {
			entry.Name = se.Name
			entry.Pages = se.Pages
		}
	}

	if _, recErr := r.store.Record(context.WithoutCancel(ctx), entry); recErr != nil {
		r.logger.Warn("failed to record export", "name", entry.Name, "error", recErr)
	}
	return result, err
}
