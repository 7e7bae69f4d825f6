package sluice

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// countingObserver tallies pipeline events.
type countingObserver struct {
	mu       sync.Mutex
	records  int
	chunks   int
	bytes    int
	finished int
	lastErr  error

	lastResult ExportResult
}

func (o *countingObserver) PageFetched(_ Format, records int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records += records
}

func (o *countingObserver) ChunkCommitted(_ Format, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks++
	o.bytes += size
}

func (o *countingObserver) ExportFinished(_ Format, result ExportResult, err error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	o.lastErr = err
	o.lastResult = result
}

func fixedClock() time.Time {
	return testGenerated
}

func newTestExporter(t *testing.T, s Searcher, dest Destination, opts ...Option) *Exporter {
	t.Helper()
	opts = append([]Option{
		WithClock(fixedClock),
		WithIDFunc(func() string { return "export-1" }),
	}, opts...)
	e, err := NewExporter(s, dest, opts...)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	return e
}

func activityRecord(i int) Record {
	return Record{
		"id":       fmt.Sprintf("activity-%d", i),
		"iati_xml": fmt.Sprintf("<iati-activity><iati-identifier>activity-%d</iati-identifier></iati-activity>", i),
	}
}

func TestExporter_XML_2500RecordsAcrossPages(t *testing.T) {
	s := newFakeSearcher(2500, activityRecord)
	dest := NewMemoryDestination(0)
	e := newTestExporter(t, s, dest, WithPageSize(1000), WithMaxChunkSize(64*1024))

	result, err := e.Run(t.Context(), ExportRequest{Query: "activity/select?q=*:*", Format: FormatXML})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Name != "export-1.xml" || result.Locator != "mem://export-1.xml" {
		t.Errorf("name/locator = %q, %q", result.Name, result.Locator)
	}
	if result.RecordCount != 2500 || result.TotalRecords != 2500 || result.Pages != 3 {
		t.Errorf("result = %+v, want 2500 records over 3 pages", result)
	}

	data, info, err := dest.Get(result.Name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	body := string(data)

	if !strings.HasPrefix(body, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Errorf("object does not start with the XML prolog: %q", body[:min(len(body), 60)])
	}
	if !strings.HasSuffix(body, "</iati-activities>") {
		t.Errorf("object does not end with the closing root tag")
	}
	if n := strings.Count(body, "<iati-activity>"); n != 2500 {
		t.Errorf("fragment count = %d, want 2500", n)
	}
	for _, i := range []int{0, 999, 1000, 1999, 2000, 2499} {
		id := fmt.Sprintf("<iati-identifier>activity-%d</iati-identifier>", i)
		if strings.Count(body, id) != 1 {
			t.Errorf("fragment %d appears %d times, want once", i, strings.Count(body, id))
		}
	}
	if int64(len(data)) != result.ByteCount {
		t.Errorf("ByteCount = %d, object has %d bytes", result.ByteCount, len(data))
	}

	if info.ContentType != "application/xml" || info.ContentDisposition != "attachment; filename=export-1.xml" {
		t.Errorf("info = %+v", info)
	}
	for _, q := range s.queries {
		if len(q.Request.Fields) != 1 || q.Request.Fields[0] != DefaultRawXMLField {
			t.Errorf("page query fields = %v, want only %q", q.Request.Fields, DefaultRawXMLField)
		}
		if q.Request.SortHint != DefaultSort {
			t.Errorf("page query sort = %q, want %q", q.Request.SortHint, DefaultSort)
		}
	}
}

func TestExporter_InvalidFormat_NoBackendCalls(t *testing.T) {
	s := newFakeSearcher(10, idRecord)
	h := &recordingHandle{}
	dest := &handleDestination{handle: h}
	obs := &countingObserver{}
	e := newTestExporter(t, s, dest, WithObserver(obs))

	_, err := e.Run(t.Context(), ExportRequest{Query: "select?q=*:*", Format: "PARQUET"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("got %v, want ErrInvalidRequest", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageValidate {
		t.Errorf("stage = %v, want %q", se, StageValidate)
	}

	if meta, pages := s.calls(); meta != 0 || pages != 0 {
		t.Errorf("searcher calls = %d metadata, %d pages; want none", meta, pages)
	}
	if len(dest.infos) != 0 || len(h.chunks) != 0 || h.finalizeCalls != 0 {
		t.Errorf("destination touched: %d creates, %d commits, %d finalizes", len(dest.infos), len(h.chunks), h.finalizeCalls)
	}
	if obs.finished != 1 || !errors.Is(obs.lastErr, ErrInvalidRequest) {
		t.Errorf("observer finished = %d, err = %v", obs.finished, obs.lastErr)
	}
}

func TestExporter_MetadataFailure(t *testing.T) {
	s := newFakeSearcher(10, idRecord)
	s.metaErr = errors.New("solr down")
	dest := &handleDestination{handle: &recordingHandle{}}
	e := newTestExporter(t, s, dest)

	_, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON})
	if !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("got %v, want ErrUpstreamFetch", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageMetadata {
		t.Errorf("stage = %v, want %q", se, StageMetadata)
	}
	if len(dest.infos) != 0 {
		t.Errorf("object created after metadata failure")
	}
}

func TestExporter_FetchFailure_LeavesObjectUnfinalized(t *testing.T) {
	s := newFakeSearcher(30, idRecord)
	s.pageErr = errors.New("timeout")
	s.failOnCall = 2
	dest := NewMemoryDestination(0)
	obs := &countingObserver{}
	e := newTestExporter(t, s, dest, WithPageSize(10), WithMaxChunkSize(16), WithObserver(obs))

	result, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON})
	if !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("got %v, want ErrUpstreamFetch", err)
	}
	if result != (ExportResult{}) {
		t.Errorf("result = %+v, want the zero value on failure", result)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageFetch {
		t.Fatalf("stage = %v, want %q", se, StageFetch)
	}
	if se.Name != "export-1.json" || se.Pages != 1 {
		t.Errorf("error name/pages = %q, %d; want export-1.json after 1 page", se.Name, se.Pages)
	}
	if obs.finished != 1 || obs.lastResult != (ExportResult{}) {
		t.Errorf("observer saw %+v", obs.lastResult)
	}

	if _, pages := s.calls(); pages != 2 {
		t.Errorf("page calls = %d, want 2", pages)
	}
	if _, _, err := dest.Get(se.Name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after failure: got %v, want ErrNotFound", err)
	}
	if _, ok := dest.Partial(se.Name); !ok {
		t.Error("partial object was removed without WithAbortOnFailure")
	}
}

// retainingDestination keeps the handles created by dest.
type retainingDestination struct {
	Destination
	handles []AppendHandle
}

func (d *retainingDestination) CreateAppend(ctx context.Context, info ObjectInfo) (AppendHandle, error) {
	h, err := d.Destination.CreateAppend(ctx, info)
	if err == nil {
		d.handles = append(d.handles, h)
	}
	return h, err
}

func TestExporter_FetchFailure_ClosesFileHandle(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFSDestination(root)
	if err != nil {
		t.Fatalf("NewFSDestination failed: %v", err)
	}
	dest := &retainingDestination{Destination: fs}

	s := newFakeSearcher(30, idRecord)
	s.pageErr = errors.New("timeout")
	s.failOnCall = 2
	e := newTestExporter(t, s, dest, WithPageSize(10), WithMaxChunkSize(16))

	if _, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON}); !errors.Is(err, ErrUpstreamFetch) {
		t.Fatalf("got %v, want ErrUpstreamFetch", err)
	}
	if len(dest.handles) != 1 {
		t.Fatalf("created %d handles, want 1", len(dest.handles))
	}

	h := dest.handles[0].(*fsAppendHandle)
	if _, err := h.file.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("write to the handle's file after failure: got %v, want os.ErrClosed", err)
	}
	if _, err := os.Stat(filepath.Join(root, "export-1.json")); err != nil {
		t.Errorf("partial file removed without WithAbortOnFailure: %v", err)
	}
}

func TestExporter_FetchFailure_AbortOnFailure(t *testing.T) {
	s := newFakeSearcher(30, idRecord)
	s.pageErr = errors.New("timeout")
	s.failOnCall = 3
	dest := NewMemoryDestination(0)
	e := newTestExporter(t, s, dest, WithPageSize(10), WithAbortOnFailure(true))

	if _, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatCSV}); err == nil {
		t.Fatal("Run succeeded, want error")
	}
	if names := dest.Names(); len(names) != 0 {
		t.Errorf("Names() = %v, want the partial object aborted", names)
	}
}

func TestExporter_SinkFailure_StopsFetching(t *testing.T) {
	s := newFakeSearcher(5000, idRecord)
	h := &recordingHandle{commitErr: errors.New("append rejected"), failOnCommit: 1}
	dest := &handleDestination{handle: h}
	e := newTestExporter(t, s, dest, WithPageSize(10), WithMaxChunkSize(32))

	_, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON})
	if !errors.Is(err, ErrSinkWrite) {
		t.Fatalf("got %v, want ErrSinkWrite", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageUpload {
		t.Errorf("stage = %v, want %q", se, StageUpload)
	}

	if h.finalizeCalls != 0 {
		t.Errorf("finalizeCalls = %d, want 0", h.finalizeCalls)
	}
	if _, pages := s.calls(); pages >= 500 {
		t.Errorf("page calls = %d, fetching continued after the sink failed", pages)
	}
}

func TestExporter_ExcelCSV_EndToEnd(t *testing.T) {
	s := newFakeSearcher(3, func(i int) Record {
		return Record{"id": fmt.Sprint(i), "title": strings.Repeat("t", 40), "description": `"quoted"` + strings.Repeat("d", 40)}
	})
	dest := NewMemoryDestination(0)
	e := newTestExporter(t, s, dest, WithCellCap(12), WithPageSize(2))

	result, err := e.Run(t.Context(), ExportRequest{
		Query:  "q",
		Format: FormatExcelCSV,
		Fields: []string{"id", "title", "description"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Name != "export-1.csv" {
		t.Errorf("name = %q, want %q", result.Name, "export-1.csv")
	}

	data, info, err := dest.Get(result.Name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		t.Fatalf("object does not start with a byte order mark: % x", data[:min(len(data), 3)])
	}
	if info.ContentType != "text/csv; charset=utf-8" {
		t.Errorf("content type = %q", info.ContentType)
	}

	row := `,` + strings.Repeat("t", 12) + `,"""quoted""d"` + "\n"
	want := "\xEF\xBB\xBFid,title,description\n" + "0" + row + "1" + row + "2" + row
	if string(data) != want {
		t.Errorf("got %q\nwant %q", data, want)
	}
}

func TestExporter_ExcelCSV_TrailingBackslashKeepsRows(t *testing.T) {
	records := []Record{
		{"a": `x,y\`, "b": "1"},
		{"a": "hello", "b": "world"},
		{"a": "foo", "b": "bar"},
		{"a": "q,r", "b": "z"},
	}
	s := newFakeSearcher(len(records), func(i int) Record { return records[i] })
	dest := NewMemoryDestination(0)
	e := newTestExporter(t, s, dest, WithCellCap(8))

	result, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatExcelCSV, Fields: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	data, _, err := dest.Get(result.Name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	want := "\xEF\xBB\xBFa,b\n" + `"x,y\\",1` + "\nhello,world\nfoo,bar\n" + `"q,r",z` + "\n"
	if string(data) != want {
		t.Errorf("got %q\nwant %q", data, want)
	}

	rows, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM))).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(rows) != 5 || rows[2][0] != "hello" || rows[4][0] != "q,r" {
		t.Errorf("rows = %q, want header plus 4 records", rows)
	}
}

func TestExporter_CursorPagination_JSON(t *testing.T) {
	s := newFakeSearcher(25, idRecord)
	dest := NewMemoryDestination(0)
	obs := &countingObserver{}
	e := newTestExporter(t, s, dest, WithPageSize(10), WithPagination(PaginateCursor), WithObserver(obs))

	result, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON, SortHint: "score desc"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.RecordCount != 25 || result.Pages != 4 {
		t.Errorf("result = %+v, want 25 records over 4 pages", result)
	}

	data, _, err := dest.Get(result.Name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var doc []map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("object is not a JSON array: %v\n%s", err, data)
	}
	if len(doc) != 25 || doc[0]["id"] != "0" || doc[24]["id"] != "24" {
		t.Errorf("got %d elements: %v", len(doc), doc)
	}
	if !strings.HasPrefix(string(data), "[\n{\"id\":\"0\"},\n") {
		t.Errorf("object starts %q", data[:min(len(data), 20)])
	}
	if s.queries[0].Request.SortHint != "score desc" {
		t.Errorf("sort = %q, want the request's sort hint", s.queries[0].Request.SortHint)
	}

	if obs.records != 25 || obs.finished != 1 || obs.lastErr != nil {
		t.Errorf("observer = %+v", obs)
	}
	if int64(obs.bytes) != result.ByteCount {
		t.Errorf("observed %d committed bytes, result has %d", obs.bytes, result.ByteCount)
	}
}

func TestExporter_GzipCompression(t *testing.T) {
	s := newFakeSearcher(100, idRecord)
	dest := NewMemoryDestination(0)
	e := newTestExporter(t, s, dest, WithCompressor(NewGzipCompressor()), WithNamePrefix("downloads/"))

	result, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: FormatJSON})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Name != "downloads/export-1.json.gz" {
		t.Errorf("name = %q", result.Name)
	}

	data, info, err := dest.Get(result.Name)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if info.ContentEncoding != "gzip" || info.ContentDisposition != "attachment; filename=export-1.json.gz" {
		t.Errorf("info = %+v", info)
	}

	r, err := NewGzipCompressor().Decompress(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	var doc []Record
	if err := json.Unmarshal(plain, &doc); err != nil {
		t.Fatalf("decompressed object is not a JSON array: %v", err)
	}
	if len(doc) != 100 {
		t.Errorf("decompressed %d elements, want 100", len(doc))
	}
}

func TestExporter_EmptyResultSet(t *testing.T) {
	tests := []struct {
		format Format
		fields []string
		want   string
	}{
		{FormatJSON, nil, "[\n]\n"},
		{FormatCSV, []string{"id"}, "id\n"},
		{FormatExcelCSV, []string{"id"}, "\xEF\xBB\xBFid\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			s := newFakeSearcher(0, idRecord)
			dest := NewMemoryDestination(0)
			e := newTestExporter(t, s, dest)

			result, err := e.Run(t.Context(), ExportRequest{Query: "q", Format: tt.format, Fields: tt.fields})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			data, _, err := dest.Get(result.Name)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("got %q, want %q", data, tt.want)
			}
			if _, pages := s.calls(); pages != 0 {
				t.Errorf("page calls = %d, want 0", pages)
			}
		})
	}
}

func TestNewExporter_ChunkSizeBounds(t *testing.T) {
	s := newFakeSearcher(0, idRecord)
	dest := &boundedDestination{handleDestination{handle: &recordingHandle{}, minSize: 5 << 20, maxSize: 5 << 30}}

	e, err := NewExporter(s, dest)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	if e.MaxChunkSize() != 5<<20 {
		t.Errorf("MaxChunkSize() = %d, want the destination minimum %d", e.MaxChunkSize(), 5<<20)
	}

	if _, err := NewExporter(s, dest, WithMaxChunkSize(1024)); err == nil {
		t.Error("NewExporter accepted a chunk size below the destination minimum")
	}
}

func TestNewExporter_InvalidOptions(t *testing.T) {
	s := newFakeSearcher(0, idRecord)
	dest := NewMemoryDestination(0)

	tests := []struct {
		name string
		opt  Option
	}{
		{"page size", WithPageSize(-1)},
		{"pagination", WithPagination("random")},
		{"cell cap", WithCellCap(-5)},
		{"xml root", WithXMLRoot(XMLRoot{})},
		{"raw field", WithRawXMLField("")},
		{"compressor", WithCompressor(nil)},
		{"chunk size", WithMaxChunkSize(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewExporter(s, dest, tt.opt); err == nil {
				t.Error("NewExporter succeeded, want error")
			}
		})
	}

	if _, err := NewExporter(nil, dest); err == nil {
		t.Error("NewExporter accepted a nil searcher")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&StageError{Stage: StageValidate, Err: ErrInvalidRequest}, "invalid_request"},
		{fmt.Errorf("wrap: %w", ErrUpstreamFetch), "upstream_fetch"},
		{ErrTransformInvariant, "transform_invariant"},
		{ErrSinkWrite, "sink_write"},
		{errors.New("other"), "error"},
	}

	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"xml", FormatXML, false},
		{" JSON ", FormatJSON, false},
		{"csv", FormatCSV, false},
		{"XL-CSV", FormatExcelCSV, false},
		{"excel_csv", FormatExcelCSV, false},
		{"parquet", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("ParseFormat(%q) error = %v, want ErrInvalidRequest", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
