package sluice

import (
	"context"
	"fmt"
)

// DefaultPageSize is the number of records requested per page.
const DefaultPageSize = 1000

// -----------------------------------------------------------------------------
// PageFetcher
// -----------------------------------------------------------------------------

// PageFetcher walks a result set one page at a time.
//
// Offset pagination advances start by the page size and stops once start
// reaches the total captured before pagination began. Cursor pagination
// sends the previous token and stops when the backend returns the token it
// was just sent; a short page alone never ends the scan.
//
// Fetch failures are returned as-is (wrapped in ErrUpstreamFetch); the
// fetcher never retries.
type PageFetcher struct {
	searcher Searcher
	req      ExportRequest
	strategy PaginationStrategy
	pageSize int
	total    int64

	next     Cursor
	seen     map[string]struct{}
	pages    int
	maxPages int
	done     bool
}

// NewPageFetcher creates a fetcher for req over a result set of total
// records.
func NewPageFetcher(s Searcher, req ExportRequest, strategy PaginationStrategy, pageSize int, total int64) *PageFetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if strategy == "" {
		strategy = PaginateOffset
	}
	f := &PageFetcher{
		searcher: s,
		req:      req,
		strategy: strategy,
		pageSize: pageSize,
		total:    total,
		maxPages: int((total+int64(pageSize)-1)/int64(pageSize)) + 1,
	}
	if strategy == PaginateCursor {
		f.next = Cursor{Mark: InitialCursorMark}
		f.seen = map[string]struct{}{InitialCursorMark: {}}
	}
	return f
}

// Total returns the result-set size the fetcher paginates over.
func (f *PageFetcher) Total() int64 {
	return f.total
}

// Pages returns the number of fetches issued so far.
func (f *PageFetcher) Pages() int {
	return f.pages
}

// Cursor returns the position the next call to Next will request.
func (f *PageFetcher) Cursor() Cursor {
	return f.next
}

// Fetch issues a single page query at cursor. It does not advance the
// fetcher and is safe to repeat. The returned page's Cursor is the position
// following this page and IsLast reports whether the scan ends here.
func (f *PageFetcher) Fetch(ctx context.Context, cursor Cursor) (Page, error) {
	page, err := f.searcher.QueryPage(ctx, PageQuery{
		Request:  f.req,
		Strategy: f.strategy,
		Cursor:   cursor,
		Rows:     f.pageSize,
	})
	if err != nil {
		return Page{}, fmt.Errorf("%w: %w", ErrUpstreamFetch, err)
	}

	switch f.strategy {
	case PaginateCursor:
		if page.Cursor.Mark == "" {
			return Page{}, fmt.Errorf("%w: response carries no cursor token", ErrUpstreamFetch)
		}
		page.IsLast = page.Cursor.Mark == cursor.Mark
	default:
		page.Cursor = Cursor{Start: cursor.Start + f.pageSize}
		page.IsLast = int64(page.Cursor.Start) >= f.total
	}
	return page, nil
}

// Next fetches the page at the current position and advances.
// It returns ok=false once the scan is complete.
func (f *PageFetcher) Next(ctx context.Context) (page Page, ok bool, err error) {
	if f.done {
		return Page{}, false, nil
	}
	if f.strategy == PaginateOffset && int64(f.next.Start) >= f.total {
		f.done = true
		return Page{}, false, nil
	}
	if f.pages >= f.maxPages {
		return Page{}, false, fmt.Errorf("%w: scan exceeded %d pages for %d records", ErrUpstreamFetch, f.maxPages, f.total)
	}

	sent := f.next
	page, err = f.Fetch(ctx, sent)
	if err != nil {
		return Page{}, false, err
	}
	f.pages++

	if f.strategy == PaginateCursor && !page.IsLast {
		if _, revisited := f.seen[page.Cursor.Mark]; revisited {
			return Page{}, false, fmt.Errorf("%w: cursor token %q revisited", ErrUpstreamFetch, page.Cursor.Mark)
		}
		f.seen[page.Cursor.Mark] = struct{}{}
	}

	f.next = page.Cursor
	f.done = page.IsLast
	return page, true, nil
}
