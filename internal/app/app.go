// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI and the HTTP API.
package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/weblog-dwh/internal/config"
	"github.com/JakeFAU/weblog-dwh/internal/etl"
	"github.com/JakeFAU/weblog-dwh/internal/export"
	"github.com/JakeFAU/weblog-dwh/internal/hash/sha256"
	"github.com/JakeFAU/weblog-dwh/internal/pipeline"
	"github.com/JakeFAU/weblog-dwh/internal/publisher/memory"
	"github.com/JakeFAU/weblog-dwh/internal/publisher/pubsub"
	"github.com/JakeFAU/weblog-dwh/internal/storage/gcs"
	"github.com/JakeFAU/weblog-dwh/internal/storage/local"
	memstore "github.com/JakeFAU/weblog-dwh/internal/storage/memory"
	"github.com/JakeFAU/weblog-dwh/internal/storage/postgres"
	"github.com/JakeFAU/weblog-dwh/internal/storage/sqlite"
	"github.com/JakeFAU/weblog-dwh/internal/telemetry"
)

const csvContentType = "text/csv; charset=utf-8"

// RunCompleted is the event published after a successful run.
type RunCompleted struct {
	RunID        string    `json:"run_id"`
	Staged       int       `json:"staged"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	ExportURI    string    `json:"export_uri"`
	ExportSHA256 string    `json:"export_sha256"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RunResult is a pipeline report plus where its artifacts went.
type RunResult struct {
	pipeline.Report
	ExportURI     string `json:"export_uri"`
	ExportSHA256  string `json:"export_sha256"`
	RejectionsURI string `json:"rejections_uri,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
}

// App holds the shared, long-lived services. Runs are serialized so a
// partially built warehouse is never exported.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Warehouse etl.Warehouse
	Blobs     etl.BlobStore
	Publisher etl.Publisher
	Pipeline  *pipeline.Pipeline

	closers []func() error

	runMu  sync.Mutex
	mu     sync.RWMutex
	latest *RunResult
}

// New builds every service named by cfg and fails fast if any cannot be
// initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	wh, err := openWarehouse(ctx, cfg.Warehouse, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize warehouse: %w", err)
	}
	a.Warehouse = wh
	a.closers = append(a.closers, wh.Close)

	if err := a.openBlobs(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize export sink: %w", err)
	}
	if err := a.openPublisher(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize publisher: %w", err)
	}

	var opts []pipeline.Option
	if cfg.Tracing.Enabled() {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
		opts = append(opts, pipeline.WithTracerProvider(tp))
	}

	a.Pipeline = pipeline.New(wh, logger, opts...)
	logger.Info("application services initialized",
		zap.String("warehouse", cfg.Warehouse.Backend),
		zap.String("export", cfg.Export.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("tracing", cfg.Tracing.Exporter),
	)
	return a, nil
}

func openWarehouse(ctx context.Context, cfg config.WarehouseConfig, logger *zap.Logger) (etl.Warehouse, error) {
	switch cfg.Backend {
	case config.WarehouseMemory:
		return memstore.NewWarehouse(), nil
	case config.WarehouseSQLite:
		wh, err := sqlite.Open(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return wh, nil
	case config.WarehousePostgres:
		wh, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		return wh, nil
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", cfg.Backend)
	}
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.Config.Export.Backend {
	case config.ExportMemory:
		a.Blobs = memstore.NewBlobStore()
	case config.ExportLocal:
		store, err := local.New(local.Config{BaseDir: a.Config.Export.Local.BaseDir})
		if err != nil {
			return err
		}
		a.Blobs = store
	case config.ExportGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.Config.Export.GCS.Bucket}, a.Logger)
		if err != nil {
			return err
		}
		a.Blobs = store
		a.closers = append(a.closers, store.Close)
	default:
		return fmt.Errorf("unknown export backend %q", a.Config.Export.Backend)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	switch a.Config.Publisher.Backend {
	case config.PublisherNone, "":
	case config.PublisherMemory:
		a.Publisher = memory.New()
	case config.PublisherPubSub:
		pub, err := pubsub.Open(ctx, a.Config.Publisher.PubSub.ProjectID, a.Logger)
		if err != nil {
			return err
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
	default:
		return fmt.Errorf("unknown publisher backend %q", a.Config.Publisher.Backend)
	}
	return nil
}

// Run executes the pipeline over raw, writes the export artifacts and
// publishes the run-completed event. A failed publish is logged and does not
// fail the run.
func (a *App) Run(ctx context.Context, raw io.Reader) (RunResult, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	report, err := a.Pipeline.Run(ctx, raw)
	if err != nil {
		a.forgetLatestIfIncomplete(ctx)
		return RunResult{Report: report}, err
	}
	result := RunResult{Report: report}

	result.ExportURI, result.ExportSHA256, err = a.writeExport(ctx)
	if err != nil {
		return result, err
	}
	if name := a.Config.Export.RejectionsObjectName; name != "" {
		result.RejectionsURI, err = a.writeRejections(ctx, a.Config.Export.ObjectPath(name))
		if err != nil {
			return result, err
		}
	}

	if a.Publisher != nil {
		event := RunCompleted{
			RunID:        report.RunID,
			Staged:       report.Staged,
			Accepted:     report.Accepted,
			Rejected:     report.Rejected,
			ExportURI:    result.ExportURI,
			ExportSHA256: result.ExportSHA256,
			FinishedAt:   report.FinishedAt,
		}
		id, perr := a.Publisher.Publish(ctx, a.Config.Publisher.Topic, event)
		if perr != nil {
			a.Logger.Warn("publish run event failed", zap.String("run_id", report.RunID), zap.Error(perr))
		} else {
			result.MessageID = id
		}
	}

	a.mu.Lock()
	a.latest = &result
	a.mu.Unlock()
	return result, nil
}

// forgetLatestIfIncomplete drops the remembered run once a failed run has
// reset the warehouse it described.
func (a *App) forgetLatestIfIncomplete(ctx context.Context) {
	complete, err := a.Pipeline.Complete(context.WithoutCancel(ctx))
	if err != nil {
		a.Logger.Warn("read run state failed", zap.Error(err))
	}
	if complete && err == nil {
		return
	}
	a.mu.Lock()
	a.latest = nil
	a.mu.Unlock()
}

// Latest returns the most recent successful run whose data the warehouse
// still holds, if any.
func (a *App) Latest() (RunResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return RunResult{}, false
	}
	return *a.latest, true
}

// WriteExport renders the current warehouse export as CSV to w.
func (a *App) WriteExport(ctx context.Context, w io.Writer) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	rows, err := a.Pipeline.Export(ctx)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, rows)
}

// Rejections lists the rejections of the last run held by the warehouse.
func (a *App) Rejections(ctx context.Context) ([]etl.RejectionRecord, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.Pipeline.Rejections(ctx)
}

func (a *App) writeExport(ctx context.Context) (string, string, error) {
	rows, err := a.Pipeline.Export(ctx)
	if err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	digest := sha256.NewWriter(&buf)
	if err := export.WriteCSV(digest, rows); err != nil {
		return "", "", fmt.Errorf("render export: %w", err)
	}
	uri, err := a.Blobs.PutObject(ctx, a.Config.Export.ObjectPath(a.Config.Export.ObjectName), csvContentType, &buf)
	if err != nil {
		return "", "", fmt.Errorf("write export: %w", err)
	}
	a.Logger.Info("export written",
		zap.String("uri", uri),
		zap.Int("rows", len(rows)),
		zap.Int64("bytes", digest.Size()),
		zap.String("sha256", digest.Sum()),
	)
	return uri, digest.Sum(), nil
}

func (a *App) writeRejections(ctx context.Context, path string) (string, error) {
	rejections, err := a.Pipeline.Rejections(ctx)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := export.WriteRejectionsCSV(&buf, rejections); err != nil {
		return "", fmt.Errorf("render rejections: %w", err)
	}
	uri, err := a.Blobs.PutObject(ctx, path, csvContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write rejections: %w", err)
	}
	return uri, nil
}

// Close releases every service in reverse order of creation and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
