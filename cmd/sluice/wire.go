package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/sluice/internal/config"
	"github.com/justapithecus/sluice/internal/history"
	"github.com/justapithecus/sluice/internal/logging"
	"github.com/justapithecus/sluice/internal/metrics"
	"github.com/justapithecus/sluice/sluice"
	s3dest "github.com/justapithecus/sluice/sluice/s3"
	"github.com/justapithecus/sluice/sluice/solr"
)

// app holds the components built from configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	exporter *swappableExporter

	// history is nil when the ledger is disabled.
	history *history.Store

	// runner is the exporter, wrapped to record into history when enabled.
	runner history.Runner
}

// loadApp reads configuration and wires the exporter.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(nil)
	exporter, err := buildExporter(ctx, cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: collector, exporter: &swappableExporter{}}
	a.exporter.Store(exporter)
	a.runner = a.exporter

	if cfg.History.Path != "" {
		store, err := history.Open(history.Config{Path: cfg.History.Path}, logger)
		if err != nil {
			return nil, err
		}
		a.history = store
		a.runner = history.NewRecordingRunner(a.exporter, store, logger)
	}
	return a, nil
}

// Close releases the history ledger.
func (a *app) Close() error {
	if a.history == nil {
		return nil
	}
	return a.history.Close()
}

// reload rebuilds the exporter from cfg. Logging, server and schedule
// settings keep their startup values.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	exporter, err := buildExporter(ctx, cfg, a.logger, a.metrics)
	if err != nil {
		a.logger.Error("exporter rebuild failed; keeping previous settings", "error", err)
		return
	}
	a.exporter.Store(exporter)
	a.logger.Info("exporter settings reloaded")
}

// buildExporter wires the searcher, destination and options from cfg.
func buildExporter(ctx context.Context, cfg *config.Config, logger *slog.Logger, observer sluice.Observer) (*sluice.Exporter, error) {
	searcher, err := solr.New(solr.Config{
		BaseURL:  cfg.Solr.URL,
		Username: cfg.Solr.Username,
		Password: cfg.Solr.Password,
		Timeout:  cfg.Solr.Timeout,
	})
	if err != nil {
		return nil, err
	}

	dest, err := newDestination(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	comp, err := sluice.NewCompressor(cfg.Export.Compression)
	if err != nil {
		return nil, err
	}

	exporter, err := sluice.NewExporter(searcher, dest,
		sluice.WithPageSize(cfg.Export.PageSize),
		sluice.WithPagination(sluice.PaginationStrategy(cfg.Export.Pagination)),
		sluice.WithMaxChunkSize(cfg.Export.MaxChunkSize),
		sluice.WithCellCap(cfg.Export.CellCap),
		sluice.WithHoldLimit(cfg.Export.HoldLimit),
		sluice.WithXMLRoot(cfg.Export.XMLRoot),
		sluice.WithRawXMLField(cfg.Export.RawXMLField),
		sluice.WithDefaultSort(cfg.Export.DefaultSort),
		sluice.WithNamePrefix(cfg.Export.NamePrefix),
		sluice.WithAbortOnFailure(cfg.Export.AbortOnFailure),
		sluice.WithCompressor(comp),
		sluice.WithLogger(logger),
		sluice.WithObserver(observer),
	)
	if err != nil {
		return nil, err
	}

	logger.Debug("exporter configured",
		"backend", cfg.Storage.Backend,
		"pagination", cfg.Export.Pagination,
		"page_size", cfg.Export.PageSize,
		"max_chunk_size", exporter.MaxChunkSize(),
		"compression", comp.Name(),
	)
	return exporter, nil
}

// newDestination builds the configured storage backend.
func newDestination(ctx context.Context, cfg config.StorageConfig) (sluice.Destination, error) {
	switch cfg.Backend {
	case config.BackendS3:
		client, err := s3dest.NewClient(ctx, s3dest.ClientConfig{
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		destCfg := s3dest.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix}
		if cfg.PresignExpiry > 0 {
			destCfg.Presigner = awss3.NewPresignClient(client)
			destCfg.PresignExpiry = cfg.PresignExpiry
		}
		return s3dest.New(client, destCfg)
	case config.BackendFS:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		return sluice.NewFSDestination(cfg.Path)
	case config.BackendMemory:
		return sluice.NewMemoryDestination(0), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// swappableExporter runs exports on the most recently stored exporter.
// Exports already running keep the exporter they started with.
type swappableExporter struct {
	current atomic.Pointer[sluice.Exporter]
}

func (s *swappableExporter) Store(e *sluice.Exporter) {
	s.current.Store(e)
}

func (s *swappableExporter) Run(ctx context.Context, req sluice.ExportRequest) (sluice.ExportResult, error) {
	return s.current.Load().Run(ctx, req)
}
