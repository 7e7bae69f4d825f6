package sluice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultSort is applied to requests without a sort hint, giving pagination
// a stable order.
const DefaultSort = "id desc"

// Observer receives pipeline events. Implementations must be safe for
// concurrent use; events of one export arrive from two goroutines.
type Observer interface {
	// PageFetched is called after a page's records were encoded.
	PageFetched(format Format, records int)

	// ChunkCommitted is called after the destination acknowledged a chunk.
	ChunkCommitted(format Format, size int)

	// ExportFinished is called once per Run, with a nil err on success.
	ExportFinished(format Format, result ExportResult, err error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PageFetched(Format, int)                                    {}
func (nopObserver) ChunkCommitted(Format, int)                                 {}
func (nopObserver) ExportFinished(Format, ExportResult, error, time.Duration) {}

// -----------------------------------------------------------------------------
// Exporter Configuration
// -----------------------------------------------------------------------------

// exporterConfig holds the resolved configuration for an exporter.
type exporterConfig struct {
	pageSize    int
	strategy    PaginationStrategy
	maxChunk    int
	cellCap     int
	holdLimit   int
	xmlRoot     XMLRoot
	rawField    string
	defaultSort string
	namePrefix  string
	abortOnFail bool
	compressor  Compressor
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time
	newID       func() string
}

// Option configures exporter construction.
type Option func(*exporterConfig)

// WithPageSize sets the number of records per page.
// Default: DefaultPageSize.
func WithPageSize(n int) Option {
	return func(c *exporterConfig) { c.pageSize = n }
}

// WithPagination selects offset or cursor pagination.
// Default: PaginateOffset.
func WithPagination(s PaginationStrategy) Option {
	return func(c *exporterConfig) { c.strategy = s }
}

// WithMaxChunkSize sets the largest write issued to the destination.
// Default: DefaultMaxChunkSize, clamped to the destination's bounds.
func WithMaxChunkSize(n int) Option {
	return func(c *exporterConfig) { c.maxChunk = n }
}

// WithCellCap sets the Excel CSV per-cell character cap.
// Default: DefaultCellCap.
func WithCellCap(n int) Option {
	return func(c *exporterConfig) { c.cellCap = n }
}

// WithHoldLimit bounds the bytes held for an unterminated quoted cell.
// Default: DefaultHoldLimit.
func WithHoldLimit(n int) Option {
	return func(c *exporterConfig) { c.holdLimit = n }
}

// WithXMLRoot sets the root element wrapping XML exports.
// Default: DefaultXMLRoot.
func WithXMLRoot(root XMLRoot) Option {
	return func(c *exporterConfig) { c.xmlRoot = root }
}

// WithRawXMLField sets the document field holding XML fragments.
// Default: DefaultRawXMLField.
func WithRawXMLField(field string) Option {
	return func(c *exporterConfig) { c.rawField = field }
}

// WithDefaultSort sets the sort applied when a request has no sort hint.
// Default: DefaultSort.
func WithDefaultSort(sort string) Option {
	return func(c *exporterConfig) { c.defaultSort = sort }
}

// WithNamePrefix prepends a path prefix to generated object names.
func WithNamePrefix(prefix string) Option {
	return func(c *exporterConfig) { c.namePrefix = prefix }
}

// WithAbortOnFailure discards the partial object of a failed export when
// the destination's handle implements Aborter. Default: partial objects are
// left in place.
func WithAbortOnFailure(abort bool) Option {
	return func(c *exporterConfig) { c.abortOnFail = abort }
}

// WithCompressor compresses the assembled stream.
// Default: NewNoOpCompressor().
func WithCompressor(comp Compressor) Option {
	return func(c *exporterConfig) { c.compressor = comp }
}

// WithLogger sets the logger. Default: a logger that discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *exporterConfig) { c.logger = l }
}

// WithObserver sets the pipeline observer. Default: none.
func WithObserver(o Observer) Option {
	return func(c *exporterConfig) { c.observer = o }
}

// WithClock overrides the time source used for XML timestamps and timing.
func WithClock(now func() time.Time) Option {
	return func(c *exporterConfig) { c.now = now }
}

// WithIDFunc overrides the generator of object name stems.
// Default: random UUIDs.
func WithIDFunc(fn func() string) Option {
	return func(c *exporterConfig) { c.newID = fn }
}

// -----------------------------------------------------------------------------
// Exporter
// -----------------------------------------------------------------------------

// Exporter runs exports from a Searcher into a Destination.
// An Exporter holds no per-export state and may run exports concurrently.
type Exporter struct {
	searcher Searcher
	dest     Destination
	cfg      exporterConfig
}

// NewExporter creates an exporter with documented defaults.
func NewExporter(searcher Searcher, dest Destination, opts ...Option) (*Exporter, error) {
	if searcher == nil {
		return nil, errors.New("sluice: searcher is required")
	}
	if dest == nil {
		return nil, errors.New("sluice: destination is required")
	}

	cfg := exporterConfig{
		pageSize:    DefaultPageSize,
		strategy:    PaginateOffset,
		cellCap:     DefaultCellCap,
		holdLimit:   DefaultHoldLimit,
		xmlRoot:     DefaultXMLRoot,
		rawField:    DefaultRawXMLField,
		defaultSort: DefaultSort,
		compressor:  NewNoOpCompressor(),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.pageSize <= 0 {
		return nil, fmt.Errorf("sluice: page size must be positive, got %d", cfg.pageSize)
	}
	if cfg.strategy != PaginateOffset && cfg.strategy != PaginateCursor {
		return nil, fmt.Errorf("sluice: unknown pagination strategy %q", cfg.strategy)
	}
	if cfg.cellCap <= 0 {
		return nil, fmt.Errorf("sluice: cell cap must be positive, got %d", cfg.cellCap)
	}
	if cfg.xmlRoot.Name == "" {
		return nil, errors.New("sluice: xml root name must not be empty")
	}
	if cfg.rawField == "" {
		return nil, errors.New("sluice: raw xml field must not be empty")
	}
	if cfg.compressor == nil {
		return nil, errors.New("sluice: compressor must not be nil")
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.observer == nil {
		cfg.observer = nopObserver{}
	}

	if err := resolveChunkSize(&cfg, dest); err != nil {
		return nil, err
	}

	return &Exporter{searcher: searcher, dest: dest, cfg: cfg}, nil
}

// resolveChunkSize applies the default chunk size and checks it against the
// destination's bounds.
func resolveChunkSize(cfg *exporterConfig, dest Destination) error {
	bounder, bounded := dest.(ChunkBounder)
	if cfg.maxChunk == 0 {
		cfg.maxChunk = DefaultMaxChunkSize
		if bounded {
			minSize, maxSize := bounder.ChunkSizeBounds()
			cfg.maxChunk = int(min(max(int64(cfg.maxChunk), minSize), maxSize))
		}
	}
	if cfg.maxChunk <= 0 {
		return fmt.Errorf("sluice: max chunk size must be positive, got %d", cfg.maxChunk)
	}
	if bounded {
		minSize, maxSize := bounder.ChunkSizeBounds()
		if int64(cfg.maxChunk) < minSize || int64(cfg.maxChunk) > maxSize {
			return fmt.Errorf("sluice: max chunk size %d outside destination bounds [%d, %d]", cfg.maxChunk, minSize, maxSize)
		}
	}
	return nil
}

// MaxChunkSize returns the resolved chunk size.
func (e *Exporter) MaxChunkSize() int {
	return e.cfg.maxChunk
}

// Run exports the result set of req and returns once the object is
// finalized or the first error occurs.
//
// Invalid requests fail before any backend call. Any later failure stops
// further fetches and writes; the object is left unfinalized and is not
// cleaned up, though a handle holding local resources is closed. A failed
// Run returns the zero ExportResult and a *StageError wrapping one of
// ErrInvalidRequest, ErrUpstreamFetch, ErrTransformInvariant or
// ErrSinkWrite.
func (e *Exporter) Run(ctx context.Context, req ExportRequest) (ExportResult, error) {
	started := e.cfg.now()
	result, err := e.run(ctx, req)
	elapsed := e.cfg.now().Sub(started)

	e.cfg.observer.ExportFinished(req.Format, result, err, elapsed)
	if err != nil {
		var name string
		var se *StageError
		if errors.As(err, &se) {
			name = se.Name
		}
		e.cfg.logger.Error("export failed",
			"format", req.Format,
			"name", name,
			"error", err,
		)
	}
	return result, err
}

func (e *Exporter) run(ctx context.Context, req ExportRequest) (ExportResult, error) {
	req, err := e.prepare(req)
	if err != nil {
		return ExportResult{}, stageError(StageValidate, err)
	}
	log := e.cfg.logger.With("format", req.Format)

	meta, err := e.searcher.QueryMetadata(ctx, req)
	if err != nil {
		return ExportResult{}, stageError(StageMetadata, fmt.Errorf("%w: metadata query: %w", ErrUpstreamFetch, err))
	}
	if meta.TotalRecords < 0 {
		return ExportResult{}, stageError(StageMetadata, fmt.Errorf("%w: negative result count %d", ErrUpstreamFetch, meta.TotalRecords))
	}

	name := e.objectName(req.Format)
	log = log.With("name", name)
	log.Info("export started", "numFound", meta.TotalRecords, "pagination", e.cfg.strategy)

	handle, err := e.dest.CreateAppend(ctx, ObjectInfo{
		Name:               name,
		ContentType:        req.Format.ContentType(),
		ContentEncoding:    e.cfg.compressor.ContentEncoding(),
		ContentDisposition: "attachment; filename=" + baseName(name),
	})
	if err != nil {
		return failed(stageError(StageUpload, fmt.Errorf("%w: create %s: %w", ErrSinkWrite, name, err)), name, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	sink := NewChunkedSink(gctx, handle, e.cfg.maxChunk)
	sink.OnCommit(func(size int) {
		e.cfg.observer.ChunkCommitted(req.Format, size)
		log.Debug("chunk committed", "bytes", size)
	})

	asm := NewAssembler(req, e.cfg.xmlRoot, e.cfg.rawField, e.cfg.cellCap, e.cfg.holdLimit, e.cfg.now())
	framing := asm.Framing()
	fetcher := NewPageFetcher(e.searcher, req, e.cfg.strategy, e.cfg.pageSize, meta.TotalRecords)

	// Framing and the live page stream are queued before any page exists;
	// the page source stays open until the fetch loop ends.
	pr, pw := io.Pipe()
	stream := NewConcat(bytes.NewReader(framing.Header), pr, bytes.NewReader(framing.Footer))
	stream.Seal()

	g.Go(func() error {
		err := e.streamPages(gctx, log, fetcher, asm.NewPageEncoder(pw), sink, req.Format)
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := e.drain(stream, sink)
		if err != nil {
			_ = pr.CloseWithError(err)
		}
		_ = stream.Close()
		return err
	})
	if err := g.Wait(); err != nil {
		e.release(ctx, log, handle)
		return failed(err, name, fetcher.Pages())
	}

	final, err := sink.Finalize(ctx)
	if err != nil {
		e.release(ctx, log, handle)
		return failed(stageError(StageUpload, err), name, fetcher.Pages())
	}
	final.Name = name
	final.TotalRecords = meta.TotalRecords
	final.Pages = fetcher.Pages()

	if final.RecordCount != meta.TotalRecords {
		log.Warn("streamed record count differs from numFound",
			"records", final.RecordCount,
			"numFound", meta.TotalRecords,
		)
	}
	log.Info("export complete",
		"locator", final.Locator,
		"records", final.RecordCount,
		"bytes", final.ByteCount,
		"pages", final.Pages,
		"chunks", sink.Commits(),
	)
	return final, nil
}

// release discards a failed object when configured to, then closes the
// handle if it holds resources.
func (e *Exporter) release(ctx context.Context, log *slog.Logger, handle AppendHandle) {
	if a, ok := handle.(Aborter); ok && e.cfg.abortOnFail {
		if err := a.Abort(context.WithoutCancel(ctx)); err != nil {
			log.Warn("abort failed", "error", err)
		}
	}
	if c, ok := handle.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}
}

// failed records the object name and page count on err's StageError and
// returns the zero result.
func failed(err error, name string, pages int) (ExportResult, error) {
	var se *StageError
	if errors.As(err, &se) {
		se.Name = name
		se.Pages = pages
	}
	return ExportResult{}, err
}

// prepare validates req and fills exporter defaults.
func (e *Exporter) prepare(req ExportRequest) (ExportRequest, error) {
	if err := req.Validate(); err != nil {
		return req, err
	}
	if req.SortHint == "" {
		req.SortHint = e.cfg.defaultSort
	}
	req.Fields = append([]string(nil), req.Fields...)
	if req.Format == FormatXML && len(req.Fields) == 0 {
		// Only the stored fragment is needed for XML.
		req.Fields = []string{e.cfg.rawField}
	}
	return req, nil
}

// streamPages drives the fetcher and encodes every page into enc.
func (e *Exporter) streamPages(ctx context.Context, log *slog.Logger, fetcher *PageFetcher, enc PageEncoder, sink *ChunkedSink, format Format) error {
	var streamed int64
	for {
		cursor := fetcher.Cursor()
		page, ok, err := fetcher.Next(ctx)
		if err != nil {
			return stageError(StageFetch, err)
		}
		if !ok {
			break
		}

		log.Info("downloading rows",
			"start", streamed,
			"end", streamed+int64(len(page.Records)),
			"total", fetcher.Total(),
			"offset", cursor.Start,
			"cursorMark", cursor.Mark,
		)
		if err := enc.EncodePage(page.Records); err != nil {
			return classifyEncodeError(err)
		}
		streamed += int64(len(page.Records))
		sink.AddRecords(len(page.Records))
		e.cfg.observer.PageFetched(format, len(page.Records))
	}

	if err := enc.Close(); err != nil {
		return classifyEncodeError(err)
	}
	return nil
}

// drain copies the assembled stream through the compressor into the sink.
func (e *Exporter) drain(stream io.Reader, sink *ChunkedSink) error {
	w, err := e.cfg.compressor.Compress(sink)
	if err != nil {
		return stageError(StageUpload, fmt.Errorf("%w: compressor: %w", ErrSinkWrite, err))
	}
	if _, err := io.Copy(w, stream); err != nil {
		return stageError(StageUpload, err)
	}
	if err := w.Close(); err != nil {
		return stageError(StageUpload, err)
	}
	return nil
}

// classifyEncodeError attributes an error raised while encoding a page.
// Errors propagated back through the pipe already carry their stage.
func classifyEncodeError(err error) error {
	switch {
	case errors.Is(err, ErrTransformInvariant):
		return stageError(StageTransform, err)
	case errors.Is(err, ErrUpstreamFetch):
		return stageError(StageFetch, err)
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return stageError(StageFetch, fmt.Errorf("%w: encode page: %w", ErrUpstreamFetch, err))
}

// objectName builds "<prefix><id>.<ext><compression ext>".
func (e *Exporter) objectName(f Format) string {
	return e.cfg.namePrefix + e.cfg.newID() + "." + f.Extension() + e.cfg.compressor.Extension()
}

// baseName returns the last path element of an object name.
func baseName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
