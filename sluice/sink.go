package sluice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultMaxChunkSize is the largest single append accepted by append-blob
// style destinations (4 MiB).
const DefaultMaxChunkSize = 4 * 1024 * 1024

// ErrSinkFinalized is returned by writes after Finalize.
var ErrSinkFinalized = errors.New("sink: already finalized")

// -----------------------------------------------------------------------------
// ChunkedSink
// -----------------------------------------------------------------------------

// ChunkedSink commits a byte stream to an AppendHandle in chunks of at most
// maxChunk bytes.
//
// Bytes are buffered until a full chunk is available; every commit except
// the last carries exactly maxChunk bytes. Commits are issued sequentially
// and each is acknowledged before the next is sent. Splits fall on byte
// boundaries; the sink knows nothing about the content.
//
// A failed commit poisons the sink: the error is returned by every later
// Write and by Finalize, and the object is never finalized.
type ChunkedSink struct {
	ctx      context.Context
	handle   AppendHandle
	maxChunk int
	buf      []byte

	committed int64
	commits   int
	records   atomic.Int64
	err       error
	finalized bool

	onCommit func(size int)
}

// NewChunkedSink creates a sink writing to handle. ctx bounds every commit
// issued from Write. A non-positive maxChunk selects DefaultMaxChunkSize.
func NewChunkedSink(ctx context.Context, handle AppendHandle, maxChunk int) *ChunkedSink {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkSize
	}
	return &ChunkedSink{
		ctx:      ctx,
		handle:   handle,
		maxChunk: maxChunk,
		buf:      make([]byte, 0, maxChunk),
	}
}

// OnCommit registers a callback invoked after each acknowledged commit.
func (s *ChunkedSink) OnCommit(fn func(size int)) {
	s.onCommit = fn
}

// AddRecords adds n to the record count reported by Finalize.
// Safe to call from a goroutine other than the writer.
func (s *ChunkedSink) AddRecords(n int) {
	s.records.Add(int64(n))
}

// Committed returns the number of bytes acknowledged by the destination.
func (s *ChunkedSink) Committed() int64 {
	return s.committed
}

// Commits returns the number of chunks acknowledged by the destination.
func (s *ChunkedSink) Commits() int {
	return s.commits
}

// Write buffers p and commits every full chunk.
func (s *ChunkedSink) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.finalized {
		return 0, ErrSinkFinalized
	}

	written := 0
	for len(p) > 0 {
		// Full chunks bypass the buffer when nothing is pending.
		if len(s.buf) == 0 && len(p) >= s.maxChunk {
			if err := s.commit(s.ctx, p[:s.maxChunk]); err != nil {
				return written, err
			}
			p = p[s.maxChunk:]
			written += s.maxChunk
			continue
		}

		n := min(s.maxChunk-len(s.buf), len(p))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n

		if len(s.buf) == s.maxChunk {
			if err := s.commit(s.ctx, s.buf); err != nil {
				return written, err
			}
			s.buf = s.buf[:0]
		}
	}
	return written, nil
}

// Finalize commits any buffered tail and completes the object.
// The returned result carries the locator, byte count and record count.
func (s *ChunkedSink) Finalize(ctx context.Context) (ExportResult, error) {
	if s.err != nil {
		return ExportResult{}, s.err
	}
	if s.finalized {
		return ExportResult{}, ErrSinkFinalized
	}

	if len(s.buf) > 0 {
		if err := s.commit(ctx, s.buf); err != nil {
			return ExportResult{}, err
		}
		s.buf = s.buf[:0]
	}

	locator, err := s.handle.Finalize(ctx)
	if err != nil {
		s.err = fmt.Errorf("%w: finalize: %w", ErrSinkWrite, err)
		return ExportResult{}, s.err
	}
	s.finalized = true

	return ExportResult{
		Locator:     locator,
		RecordCount: s.records.Load(),
		ByteCount:   s.committed,
	}, nil
}

func (s *ChunkedSink) commit(ctx context.Context, data []byte) error {
	offset := s.committed
	if err := s.handle.Commit(ctx, UploadChunk{Offset: offset, Data: data}); err != nil {
		s.err = fmt.Errorf("%w: commit %d bytes at offset %d: %w", ErrSinkWrite, len(data), offset, err)
		return s.err
	}
	s.committed += int64(len(data))
	s.commits++
	if s.onCommit != nil {
		s.onCommit(len(data))
	}
	return nil
}
