// Package sluice streams large search-index result sets into append-only
// blob storage as a JSON array, CSV, XML, or spreadsheet-safe CSV.
//
// Sluice focuses on the export pipeline: paginated fetching, per-format
// framing, cell-length enforcement, and bounded-size writes. It does not
// implement the search backend, caller authentication, or bookkeeping of
// completed exports.
package sluice

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Formats
// -----------------------------------------------------------------------------

// Format identifies the rendered layout of an export.
type Format string

// Supported export formats. The set is closed.
const (
	FormatJSON     Format = "JSON"
	FormatCSV      Format = "CSV"
	FormatXML      Format = "XML"
	FormatExcelCSV Format = "EXCEL_CSV"
)

// formatAliases maps alternative spellings accepted by ParseFormat.
var formatAliases = map[string]Format{
	"XL-CSV": FormatExcelCSV,
}

// ParseFormat resolves a caller-supplied format value.
// Matching is case-insensitive. Unknown values return ErrInvalidRequest.
func ParseFormat(s string) (Format, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if alias, ok := formatAliases[upper]; ok {
		return alias, nil
	}
	f := Format(upper)
	if !f.Valid() {
		return "", fmt.Errorf("%w: format must be one of %s", ErrInvalidRequest, strings.Join(FormatNames(), ","))
	}
	return f, nil
}

// FormatNames lists the accepted format values in display order.
func FormatNames() []string {
	return []string{string(FormatXML), string(FormatJSON), string(FormatCSV), string(FormatExcelCSV)}
}

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatXML, FormatExcelCSV:
		return true
	}
	return false
}

// Extension returns the file extension (without dot) for the format.
func (f Format) Extension() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatXML:
		return "xml"
	case FormatCSV, FormatExcelCSV:
		return "csv"
	}
	return ""
}

// ContentType returns the MIME type stored alongside the exported object.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "application/xml"
	case FormatCSV:
		return "text/csv"
	case FormatExcelCSV:
		return "text/csv; charset=utf-8"
	}
	return "application/octet-stream"
}

// isCSV reports whether the format renders records as CSV rows.
func (f Format) isCSV() bool {
	return f == FormatCSV || f == FormatExcelCSV
}

// -----------------------------------------------------------------------------
// Requests and pages
// -----------------------------------------------------------------------------

// ExportRequest describes one export. It is immutable once accepted.
type ExportRequest struct {
	// Query is the backend query, relative to the backend's base URL
	// (for example, "select?q=*:*").
	Query string `json:"query"`

	// Format selects the rendered layout.
	Format Format `json:"format"`

	// SortHint is an optional backend sort clause. When empty the
	// exporter applies its default sort.
	SortHint string `json:"sort,omitempty"`

	// Fields optionally restricts and orders the exported fields.
	// For CSV formats it fixes the column order of the header.
	Fields []string `json:"fields,omitempty"`
}

// Validate checks the request without contacting any backend.
func (r ExportRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if r.Format == "" {
		return fmt.Errorf("%w: format is required", ErrInvalidRequest)
	}
	if !r.Format.Valid() {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, r.Format)
	}
	for _, field := range r.Fields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("%w: empty field name", ErrInvalidRequest)
		}
	}
	return nil
}

// Record is one backend document. The pipeline interprets at most one
// field of it (the raw fragment field for XML) and passes the rest through.
type Record map[string]any

// PaginationStrategy selects how pages are addressed. A strategy is fixed
// for the lifetime of one export.
type PaginationStrategy string

const (
	// PaginateOffset addresses pages by an integer start offset.
	PaginateOffset PaginationStrategy = "offset"

	// PaginateCursor addresses pages by an opaque resumption token.
	PaginateCursor PaginationStrategy = "cursor"
)

// InitialCursorMark is the token that starts a cursor-paginated scan.
const InitialCursorMark = "*"

// Cursor is pagination state. Only the field matching the export's
// strategy is meaningful.
type Cursor struct {
	Start int
	Mark  string
}

// Page is one bounded batch of records.
type Page struct {
	// Records in backend order.
	Records []Record

	// Cursor is the position to request next. For cursor pagination it is
	// the token returned by the backend.
	Cursor Cursor

	// IsLast is set by the PageFetcher when no further pages exist.
	IsLast bool
}

// PageQuery is a single paginated request against the backend.
type PageQuery struct {
	Request  ExportRequest
	Strategy PaginationStrategy
	Cursor   Cursor
	Rows     int
}

// Metadata is the result-set summary returned by a zero-row query.
type Metadata struct {
	TotalRecords int64
}

// -----------------------------------------------------------------------------
// Collaborator interfaces
// -----------------------------------------------------------------------------

// Searcher abstracts the search backend.
//
// Implementations must support both pagination strategies and must be
// safe to call repeatedly with the same cursor.
type Searcher interface {
	// QueryMetadata returns the size of the request's result set.
	QueryMetadata(ctx context.Context, req ExportRequest) (Metadata, error)

	// QueryPage returns one page of records.
	QueryPage(ctx context.Context, q PageQuery) (Page, error)
}

// ObjectInfo describes an object about to be created on a Destination.
type ObjectInfo struct {
	Name               string
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
}

// UploadChunk is one bounded write. Data is owned by the caller and must
// not be retained after Commit returns.
type UploadChunk struct {
	Offset int64
	Data   []byte
}

// Destination creates append-only objects on a storage backend.
type Destination interface {
	// CreateAppend opens a new object for sequential appends.
	// Returns ErrPathExists if the name is taken.
	CreateAppend(ctx context.Context, info ObjectInfo) (AppendHandle, error)
}

// AppendHandle is an open append-only object. A handle is owned by a
// single writer; calls are never concurrent.
//
// Handles holding local resources also implement io.Closer. The exporter
// closes a handle that was not finalized, after any abort; Close releases
// the resources and leaves committed bytes in place.
type AppendHandle interface {
	// Commit appends chunk at chunk.Offset, which always equals the number
	// of bytes already committed.
	Commit(ctx context.Context, chunk UploadChunk) error

	// Finalize completes the object and returns a caller-resolvable locator.
	Finalize(ctx context.Context) (string, error)
}

// ChunkBounder is implemented by destinations that constrain chunk sizes.
// Every chunk except the last must be at least min bytes, and no chunk may
// exceed max bytes.
type ChunkBounder interface {
	ChunkSizeBounds() (minSize, maxSize int64)
}

// Aborter is implemented by append handles that can discard an incomplete
// object. The exporter calls it only when built WithAbortOnFailure.
type Aborter interface {
	Abort(ctx context.Context) error
}

// ExportResult is returned once per successful export. A failed export
// returns the zero value; see StageError for what is known about it.
type ExportResult struct {
	// Name is the object name on the destination.
	Name string `json:"fileName"`

	// Locator resolves the written object (URL or URI).
	Locator string `json:"url"`

	// RecordCount is the number of records streamed.
	RecordCount int64 `json:"recordCount"`

	// ByteCount is the number of bytes committed to the destination.
	ByteCount int64 `json:"byteCount"`

	// TotalRecords is numFound as observed by the metadata query.
	TotalRecords int64 `json:"numFound"`

	// Pages is the number of page fetches issued.
	Pages int `json:"pages"`
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values. Every error returned by Run matches exactly one of
// the first four with errors.Is.
var (
	// ErrInvalidRequest indicates a request rejected before any backend call.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpstreamFetch indicates a failed or malformed backend response.
	ErrUpstreamFetch = errors.New("upstream fetch failure")

	// ErrTransformInvariant indicates the excel-safety machine reached an
	// impossible state.
	ErrTransformInvariant = errors.New("transform invariant violation")

	// ErrSinkWrite indicates the destination rejected a write.
	ErrSinkWrite = errors.New("sink write failure")

	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to create an existing object.
	ErrPathExists = errPathExists{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

// Stage names the pipeline stage that produced an error.
type Stage string

// Pipeline stages.
const (
	StageValidate  Stage = "validate"
	StageMetadata  Stage = "metadata"
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageUpload    Stage = "upload"
)

// StageError wraps the first error of a failed export with its stage.
// Name and Pages are set once the export has chosen an object name. Unless
// the export was built WithAbortOnFailure, Name is left on the destination
// as an unfinalized object.
type StageError struct {
	Stage Stage
	Err   error

	Name  string
	Pages int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sluice: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageError attaches a stage unless err already carries one.
func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// Outcome labels the result of an export by its error class: "success",
// "invalid_request", "upstream_fetch", "transform_invariant", "sink_write",
// or "error" for anything unclassified.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUpstreamFetch):
		return "upstream_fetch"
	case errors.Is(err, ErrTransformInvariant):
		return "transform_invariant"
	case errors.Is(err, ErrSinkWrite):
		return "sink_write"
	default:
		return "error"
	}
}
