// Package pipeline runs the batch ETL from raw access-log CSV to the
// dimensional warehouse: stage, validate, resolve dimensions, write facts.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/clock/system"
	"github.com/JakeFAU/weblog-dwh/internal/dimension"
	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/export"
	"github.com/JakeFAU/weblog-dwh/internal/fact"
	"github.com/JakeFAU/weblog-dwh/internal/id/uuid"
	"github.com/JakeFAU/weblog-dwh/internal/metrics"
	"github.com/JakeFAU/weblog-dwh/internal/quality"
	"github.com/JakeFAU/weblog-dwh/internal/staging"
)

// Stage names used in logs and the stage duration histogram.
const (
	StageParse    = "parse"
	StageLoad     = "load"
	StageValidate = "validate"
	StageResolve  = "resolve"
	StageFacts    = "facts"
	StageExport   = "export"
)

const tracerName = "github.com/JakeFAU/weblog-dwh/internal/pipeline"

// Run statuses for the run counter.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Report summarizes one run. Accepted plus Rejected always equals Staged.
type Report struct {
	RunID      string                `json:"run_id"`
	Staged     int                   `json:"staged"`
	Accepted   int                   `json:"accepted"`
	Rejected   int                   `json:"rejected"`
	ByIssue    map[etl.IssueType]int `json:"by_issue"`
	Dimensions etl.DimensionCounts   `json:"dimensions"`
	Cache      dimension.Stats       `json:"cache"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Pipeline owns a warehouse and runs the stages against it in sequence.
// Runs must not overlap; callers serialize them.
type Pipeline struct {
	warehouse etl.Warehouse
	clock     etl.Clock
	ids       etl.IDGenerator
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the wall clock used for report timestamps.
func WithClock(c etl.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithIDGenerator overrides the run ID generator.
func WithIDGenerator(g etl.IDGenerator) Option {
	return func(p *Pipeline) { p.ids = g }
}

// WithTracerProvider sets where stage spans are recorded. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// New constructs a Pipeline over warehouse.
func New(warehouse etl.Warehouse, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	p := &Pipeline{
		warehouse: warehouse,
		clock:     system.New(),
		ids:       uuid.New(),
		tracer:    otel.Tracer(tracerName),
		logger:    logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Warehouse returns the warehouse handle the pipeline writes to.
func (p *Pipeline) Warehouse() etl.Warehouse {
	return p.warehouse
}

// Run rebuilds the warehouse from raw. Structural input errors are returned
// before the warehouse is touched. Row-level problems become rejections and
// never fail the run; store errors and cancellation abort it, leaving the
// warehouse marked incomplete until the next successful run.
func (p *Pipeline) Run(ctx context.Context, raw io.Reader) (report Report, err error) {
	runID, err := p.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	report = Report{RunID: runID, ByIssue: make(map[etl.IssueType]int), StartedAt: p.clock.Now()}
	logger := p.logger.With(zap.String("run_id", runID))
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("staged", report.Staged),
			attribute.Int("accepted", report.Accepted),
			attribute.Int("rejected", report.Rejected),
		)
		endSpan(span, err)
		span.End()
		if err != nil {
			metrics.ObserveRun(RunFailed)
			logger.Error("run failed", zap.Error(err))
			return
		}
		metrics.ObserveRun(RunSucceeded)
	}()

	var records []etl.StagingRecord
	if err = p.timed(ctx, logger, StageParse, func(context.Context) error {
		var perr error
		records, perr = staging.Parse(raw)
		return perr
	}); err != nil {
		return report, fmt.Errorf("parse input: %w", err)
	}

	var staged []etl.StagingRecord
	if err = p.timed(ctx, logger, StageLoad, func(ctx context.Context) error {
		if rerr := p.warehouse.Reset(ctx); rerr != nil {
			return fmt.Errorf("reset warehouse: %w", rerr)
		}
		if lerr := staging.NewLoader(p.warehouse, logger).Load(ctx, records); lerr != nil {
			return lerr
		}
		var serr error
		staged, serr = p.warehouse.StagingRecords(ctx)
		if serr != nil {
			return fmt.Errorf("read staging: %w", serr)
		}
		return nil
	}); err != nil {
		return report, err
	}
	report.Staged = len(staged)

	var valid []etl.ValidRecord
	if err = p.timed(ctx, logger, StageValidate, func(ctx context.Context) error {
		var rejected []etl.RejectionRecord
		valid, rejected = quality.NewValidator(logger).ValidateAll(staged)
		for _, rej := range rejected {
			if rerr := p.reject(ctx, &report, rej); rerr != nil {
				return rerr
			}
		}
		return nil
	}); err != nil {
		return report, err
	}

	resolver := dimension.NewResolver(p.warehouse, logger)
	resolved := make([]etl.ResolvedRecord, 0, len(valid))
	if err = p.timed(ctx, logger, StageResolve, func(ctx context.Context) error {
		for _, rec := range valid {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			res, rerr := resolver.Resolve(ctx, rec)
			if rerr != nil {
				logger.Warn("dimension resolution failed",
					zap.Int64("row_id", rec.StagingRowID),
					zap.Error(rerr),
				)
				if jerr := p.reject(ctx, &report, etl.RejectionRecord{
					StagingRowID: rec.StagingRowID,
					IssueType:    etl.IssueDimensionResolutionFailed,
					Detail:       rerr.Error(),
				}); jerr != nil {
					return jerr
				}
				continue
			}
			resolved = append(resolved, res)
		}
		return nil
	}); err != nil {
		return report, err
	}

	if err = p.timed(ctx, logger, StageFacts, func(ctx context.Context) error {
		facts, werr := fact.NewWriter(p.warehouse, logger).WriteAll(ctx, resolved)
		report.Accepted = len(facts)
		return werr
	}); err != nil {
		return report, err
	}

	if err = p.warehouse.MarkComplete(ctx); err != nil {
		return report, fmt.Errorf("mark warehouse complete: %w", err)
	}

	report.Dimensions = resolver.Counts()
	report.Cache = resolver.Stats()
	report.FinishedAt = p.clock.Now()

	metrics.ObserveRows(metrics.OutcomeStaged, report.Staged)
	metrics.ObserveRows(metrics.OutcomeAccepted, report.Accepted)
	metrics.ObserveRows(metrics.OutcomeRejected, report.Rejected)
	metrics.SetDimensionRows("time", report.Dimensions.Time)
	metrics.SetDimensionRows("url", report.Dimensions.URL)
	metrics.SetDimensionRows("status", report.Dimensions.Status)

	logger.Info("run complete",
		zap.Int("staged", report.Staged),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Int("time_rows", report.Dimensions.Time),
		zap.Int("url_rows", report.Dimensions.URL),
		zap.Int("status_rows", report.Dimensions.Status),
	)
	return report, nil
}

// Export returns the flat dataset for the current warehouse contents. It
// fails with etl.ErrWarehouseIncomplete after a run that did not finish.
func (p *Pipeline) Export(ctx context.Context) ([]etl.ExportRow, error) {
	var rows []etl.ExportRow
	err := p.timed(ctx, p.logger, StageExport, func(ctx context.Context) error {
		if cerr := p.ensureComplete(ctx); cerr != nil {
			return cerr
		}
		var eerr error
		rows, eerr = export.Rows(ctx, p.warehouse)
		return eerr
	})
	if err != nil {
		return nil, fmt.Errorf("export warehouse: %w", err)
	}
	return rows, nil
}

// Rejections returns every rejection recorded by the last run. Like Export
// it refuses to read an incomplete warehouse.
func (p *Pipeline) Rejections(ctx context.Context) ([]etl.RejectionRecord, error) {
	if err := p.ensureComplete(ctx); err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	rejections, err := p.warehouse.Rejections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	return rejections, nil
}

// Complete reports whether the warehouse holds a finished run.
func (p *Pipeline) Complete(ctx context.Context) (bool, error) {
	complete, err := p.warehouse.Complete(ctx)
	if err != nil {
		return false, fmt.Errorf("read run state: %w", err)
	}
	return complete, nil
}

func (p *Pipeline) ensureComplete(ctx context.Context) error {
	complete, err := p.Complete(ctx)
	if err != nil {
		return err
	}
	if !complete {
		return etl.ErrWarehouseIncomplete
	}
	return nil
}

func (p *Pipeline) reject(ctx context.Context, report *Report, rej etl.RejectionRecord) error {
	if err := p.warehouse.InsertRejection(ctx, rej); err != nil {
		return fmt.Errorf("insert rejection for row %d: %w", rej.StagingRowID, err)
	}
	report.Rejected++
	report.ByIssue[rej.IssueType]++
	metrics.ObserveRejection(string(rej.IssueType))
	return nil
}

func (p *Pipeline) timed(ctx context.Context, logger *zap.Logger, stage string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+stage)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	metrics.ObserveStage(stage, elapsed)
	endSpan(span, err)
	logger.Debug("stage finished", zap.String("stage", stage), zap.Duration("elapsed", elapsed), zap.Error(err))
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
