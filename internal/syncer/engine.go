// Package syncer pulls system-of-record deltas into the warehouse.
//
// Each table is read in full for records modified after its watermark,
// upserted in chunks keyed on stable_external_id, and only then has its
// watermark advanced to the time captured before the read. Tables run
// leaves first so children can resolve parents with bounded lookups.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/And03-11/animal-rescue-dashboard/internal/airtable"
	"github.com/And03-11/animal-rescue-dashboard/internal/domain"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/apperr"
	"github.com/And03-11/animal-rescue-dashboard/internal/pkg/logger"
	"github.com/And03-11/animal-rescue-dashboard/internal/warehouse"
	"github.com/cenkalti/backoff/v4"
)

// Source reads whole table batches from the system of record.
type Source interface {
	FetchAll(ctx context.Context, table string, opts airtable.FetchOptions) ([]airtable.Record, error)
}

// Sink is the warehouse surface the engine writes through.
type Sink interface {
	UpsertBatch(ctx context.Context, spec warehouse.UpsertSpec) (int, error)
	ResolveIDs(ctx context.Context, table string, externalIDs []string) (map[string]int64, error)
	QueryAll(ctx context.Context, query string, args ...interface{}) ([]warehouse.Record, error)
	Execute(ctx context.Context, query string, args ...interface{}) (int64, error)
}

// Options tunes a sync run.
type Options struct {
	// ChunkSize is the upsert chunk; defaults to warehouse.ChunkIncremental,
	// or warehouse.ChunkHistorical in bootstrap mode.
	ChunkSize int
	// Bootstrap ignores stored watermarks and re-reads every table.
	Bootstrap bool
	// MaxReadRetries bounds the whole-batch read retries.
	MaxReadRetries int
	// Location is the display timezone used for date-only SOR fields.
	Location *time.Location
}

// Engine runs sync passes. It is safe to reuse across runs but not to run
// concurrently with itself; the scheduler guarantees that.
type Engine struct {
	sor    Source
	wh     Sink
	marks  Watermarks
	opts   Options
	tables []tableSpec
	log    *logger.Logger

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewEngine creates a sync engine.
func NewEngine(sor Source, wh Sink, marks Watermarks, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = warehouse.ChunkIncremental
		if opts.Bootstrap {
			opts.ChunkSize = warehouse.ChunkHistorical
		}
	}
	if opts.MaxReadRetries < 0 {
		opts.MaxReadRetries = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Engine{
		sor:    sor,
		wh:     wh,
		marks:  marks,
		opts:   opts,
		tables: tableSpecs(),
		log:    logger.With("component", "syncer"),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run syncs every table in order. A failing table is reported and the run
// moves on; tables that already advanced keep their watermarks.
func (e *Engine) Run(ctx context.Context) *Report {
	report := &Report{Bootstrap: e.opts.Bootstrap, StartedAt: e.now().UTC()}
	for _, spec := range e.tables {
		if ctx.Err() != nil {
			report.Tables = append(report.Tables, TableReport{Table: spec.name, Err: ctx.Err(), Error: ctx.Err().Error()})
			continue
		}
		report.Tables = append(report.Tables, e.runSpec(ctx, spec))
	}
	report.FinishedAt = e.now().UTC()

	e.log.Info("sync run finished",
		"bootstrap", e.opts.Bootstrap,
		"writes", report.Writes(),
		"failed", report.Failed(),
		"duration", report.FinishedAt.Sub(report.StartedAt).String())
	return report
}

// RunTable syncs a single table by its warehouse name.
func (e *Engine) RunTable(ctx context.Context, table string) (TableReport, error) {
	for _, spec := range e.tables {
		if spec.name == table {
			tr := e.runSpec(ctx, spec)
			return tr, tr.Err
		}
	}
	return TableReport{}, apperr.Validation("unknown sync table %q", table)
}

func (e *Engine) runSpec(ctx context.Context, spec tableSpec) TableReport {
	start := e.now()
	tr := TableReport{Table: spec.name}
	log := e.log.With("table", spec.name)

	err := e.syncTable(ctx, spec, &tr)
	tr.Duration = e.now().Sub(start).String()
	if err != nil {
		tr.Err = err
		tr.Error = err.Error()
		if errors.Is(err, apperr.ErrFatal) {
			log.Error("sync table aborted", "error", err)
		} else {
			log.Warn("sync table failed, watermark unchanged", "error", err)
		}
		return tr
	}
	log.Info("sync table done",
		"fetched", tr.Fetched, "upserted", tr.Upserted,
		"skipped", tr.Skipped, "unresolved", tr.Unresolved)
	return tr
}

func (e *Engine) syncTable(ctx context.Context, spec tableSpec, tr *TableReport) error {
	// Captured before the read so rows modified mid-read are picked up by
	// the next run.
	capture := e.now().UTC()

	opts := airtable.FetchOptions{Fields: spec.fields}
	if !e.opts.Bootstrap {
		mark, err := e.marks.Get(ctx, spec.name)
		if err != nil {
			return err
		}
		if mark != nil {
			opts.Filter = airtable.ModifiedAfter(*mark)
		}
	}

	records, err := e.fetch(ctx, spec, opts)
	if err != nil {
		return err
	}
	tr.Fetched = len(records)

	if len(records) > 0 {
		b, err := spec.build(ctx, e, records)
		if err != nil {
			return fmt.Errorf("build %s rows: %w", spec.name, err)
		}
		tr.Skipped = b.skipped
		tr.Unresolved = b.unresolved

		n, err := e.wh.UpsertBatch(ctx, warehouse.UpsertSpec{
			Table:                  spec.name,
			Columns:                spec.columns,
			Rows:                   b.rows,
			ConflictColumn:         warehouse.ConflictColumn,
			ChunkSize:              e.opts.ChunkSize,
			RetryConflictsAsUpdate: true,
		})
		tr.Upserted = n
		if err != nil {
			return err
		}
		if spec.after != nil {
			if err := spec.after(ctx, e, records); err != nil {
				return fmt.Errorf("post-process %s: %w", spec.name, err)
			}
		}
	}

	if err := e.marks.Advance(ctx, spec.name, capture); err != nil {
		return err
	}
	tr.Watermark = &capture
	return nil
}

// fetch reads the whole batch, retrying transient failures with
// exponential backoff. Partial reads are discarded.
func (e *Engine) fetch(ctx context.Context, spec tableSpec, opts airtable.FetchOptions) ([]airtable.Record, error) {
	var records []airtable.Record
	op := func() error {
		recs, err := e.sor.FetchAll(ctx, spec.sorTable, opts)
		if err != nil {
			if !apperr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		records = recs
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), uint64(e.opts.MaxReadRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		e.log.Warn("sor read failed, retrying", "table", spec.name, "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("read %s: %w", spec.sorTable, err)
	}
	return records, nil
}

// Tables lists the warehouse tables in sync order.
func Tables() []string {
	return append([]string(nil), domain.SyncOrder...)
}
