package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projectlens/mirrorsync/internal/mirror"
	"github.com/projectlens/mirrorsync/internal/upstream"
	"go.uber.org/zap"
)

const defaultPageTimeout = 30 * time.Second

var (
	errMissingUpstream    = errors.New("upstream client is required")
	errMissingMirrorStore = errors.New("mirror store is required")
	errMissingTenantID    = errors.New("tenant identifier is required")

	noOpLogger = zap.NewNop()
)

// WorkerConfig bundles the dependencies of a sync worker.
type WorkerConfig struct {
	Upstream    upstream.Client
	Mirror      *mirror.Store
	PageTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Worker drives one refresh cycle: paginate the upstream baseline feed and
// upsert each page into the mirror, so partial progress survives a failure
// mid-cycle. It holds no scheduling state; the Scheduler owns when and how
// often cycles run.
type Worker struct {
	upstream    upstream.Client
	mirror      *mirror.Store
	pageTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewWorker validates configuration and constructs a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Upstream == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingUpstream)
	}
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("syncer: %w", errMissingMirrorStore)
	}

	pageTimeout := cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = defaultPageTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Worker{
		upstream:    cfg.Upstream,
		mirror:      cfg.Mirror,
		pageTimeout: pageTimeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

// RunOnce performs one full sync cycle for the tenant and records it as a
// SyncRun. A failed page fails the cycle; records already upserted keep
// their refreshed state and the rest retain their previous version until
// the next successful cycle.
func (w *Worker) RunOnce(ctx context.Context, tenantID string) (mirror.SyncRun, error) {
	if tenantID == "" {
		return mirror.SyncRun{}, fmt.Errorf("syncer: %w", errMissingTenantID)
	}

	run, err := w.mirror.BeginRun(ctx, tenantID)
	if err != nil {
		return mirror.SyncRun{}, err
	}

	processed, cycleErr := w.refresh(ctx, tenantID)
	if finishErr := w.mirror.FinishRun(ctx, run.RunID, processed, cycleErr); finishErr != nil {
		w.logger.Error("failed to record sync run outcome",
			zap.String("tenant_id", tenantID),
			zap.String("run_id", run.RunID),
			zap.Error(finishErr))
	}

	run.RecordsProcessed = processed
	if cycleErr != nil {
		run.Status = mirror.RunStatusFailed
		run.Error = cycleErr.Error()
		w.logger.Warn("sync cycle failed",
			zap.String("tenant_id", tenantID),
			zap.String("run_id", run.RunID),
			zap.Int64("records_processed", processed),
			zap.Error(cycleErr))
		return run, cycleErr
	}

	run.Status = mirror.RunStatusSucceeded
	w.logger.Info("sync cycle completed",
		zap.String("tenant_id", tenantID),
		zap.String("run_id", run.RunID),
		zap.Int64("records_processed", processed))
	return run, nil
}

func (w *Worker) refresh(ctx context.Context, tenantID string) (int64, error) {
	var processed int64
	cursor := ""
	for {
		pageCtx, cancel := context.WithTimeout(ctx, w.pageTimeout)
		page, err := w.upstream.FetchPage(pageCtx, tenantID, cursor)
		cancel()
		if err != nil {
			return processed, fmt.Errorf("fetch page (cursor %q): %w", cursor, err)
		}

		records := make([]mirror.UpstreamRecord, 0, len(page.Records))
		for _, record := range page.Records {
			records = append(records, mirror.UpstreamRecord{
				RecordID: record.ID,
				Payload:  record.Payload,
				Version:  record.Version,
			})
		}

		applied, err := w.mirror.UpsertBatch(ctx, tenantID, records, w.clock())
		if err != nil {
			return processed, fmt.Errorf("upsert page (cursor %q): %w", cursor, err)
		}
		processed += int64(applied)

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := w.mirror.RecomputeSummaries(ctx, tenantID); err != nil {
		return processed, fmt.Errorf("recompute summaries: %w", err)
	}
	return processed, nil
}
