package sluice

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// -----------------------------------------------------------------------------
// Fake collaborators (test-only)
// -----------------------------------------------------------------------------

// fakeSearcher serves a fixed record set with either pagination strategy.
//
// Cursor tokens encode the offset of the next record; a request at the end
// returns the token it was sent, as Solr does.
type fakeSearcher struct {
	mu sync.Mutex

	records []Record

	// total overrides len(records) in metadata when non-negative.
	total int64

	metaErr    error
	pageErr    error
	failOnCall int

	metaCalls int
	pageCalls int
	queries   []PageQuery
	metaReqs  []ExportRequest
}

func newFakeSearcher(n int, gen func(i int) Record) *fakeSearcher {
	records := make([]Record, n)
	for i := range records {
		records[i] = gen(i)
	}
	return &fakeSearcher{records: records, total: -1}
}

func (s *fakeSearcher) QueryMetadata(_ context.Context, req ExportRequest) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaCalls++
	s.metaReqs = append(s.metaReqs, req)
	if s.metaErr != nil {
		return Metadata{}, s.metaErr
	}
	total := s.total
	if total < 0 {
		total = int64(len(s.records))
	}
	return Metadata{TotalRecords: total}, nil
}

func (s *fakeSearcher) QueryPage(_ context.Context, q PageQuery) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	s.queries = append(s.queries, q)
	if s.pageErr != nil && (s.failOnCall == 0 || s.failOnCall == s.pageCalls) {
		return Page{}, s.pageErr
	}

	start := q.Cursor.Start
	if q.Strategy == PaginateCursor {
		start = 0
		if q.Cursor.Mark != InitialCursorMark {
			n, err := strconv.Atoi(q.Cursor.Mark)
			if err != nil {
				return Page{}, fmt.Errorf("bad cursor %q", q.Cursor.Mark)
			}
			start = n
		}
	}

	start = min(start, len(s.records))
	end := min(start+q.Rows, len(s.records))
	page := Page{Records: append([]Record(nil), s.records[start:end]...)}
	if q.Strategy == PaginateCursor {
		page.Cursor = Cursor{Mark: strconv.Itoa(end)}
		if start == end {
			page.Cursor.Mark = q.Cursor.Mark
		}
	}
	return page, nil
}

func (s *fakeSearcher) calls() (meta, pages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaCalls, s.pageCalls
}

// recordingHandle records commits and fails on request.
type recordingHandle struct {
	mu sync.Mutex

	chunks        []UploadChunk
	failOnCommit  int
	commitErr     error
	finalizeErr   error
	finalizeCalls int
	abortCalls    int
}

func (h *recordingHandle) Commit(_ context.Context, chunk UploadChunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.commitErr != nil && len(h.chunks)+1 >= h.failOnCommit {
		return h.commitErr
	}
	h.chunks = append(h.chunks, UploadChunk{
		Offset: chunk.Offset,
		Data:   append([]byte(nil), chunk.Data...),
	})
	return nil
}

func (h *recordingHandle) Finalize(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalizeCalls++
	if h.finalizeErr != nil {
		return "", h.finalizeErr
	}
	return "test://object", nil
}

func (h *recordingHandle) Abort(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abortCalls++
	return nil
}

func (h *recordingHandle) data() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []byte
	for _, c := range h.chunks {
		out = append(out, c.Data...)
	}
	return out
}

// handleDestination hands out a single recordingHandle.
type handleDestination struct {
	handle  *recordingHandle
	infos   []ObjectInfo
	minSize int64
	maxSize int64
}

func (d *handleDestination) CreateAppend(_ context.Context, info ObjectInfo) (AppendHandle, error) {
	d.infos = append(d.infos, info)
	return d.handle, nil
}

// boundedDestination is a handleDestination with chunk size bounds.
type boundedDestination struct {
	handleDestination
}

func (d *boundedDestination) ChunkSizeBounds() (int64, int64) {
	return d.minSize, d.maxSize
}
