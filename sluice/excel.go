package sluice

import (
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// DefaultCellCap is the maximum number of characters kept per CSV cell.
	// Spreadsheet applications reject cells above 32,767 characters.
	DefaultCellCap = 32700

	// DefaultHoldLimit bounds the bytes held back for an over-cap quoted
	// cell whose closing quote has not been seen yet.
	DefaultHoldLimit = 64 * 1024 * 1024
)

// Structural characters recognized by the excel-safety machine. They match
// the backend's CSV writer: comma separator, LF newline, backslash escape
// and double-quote encapsulator.
const (
	cellSeparator = ','
	cellNewline   = '\n'
	cellEscape    = '\\'
	cellQuote     = '"'
)

// CellState is the parse position of the excel-safety machine. It is
// carried across chunk boundaries and never shared between exports.
type CellState struct {
	InQuotes bool
	Escaped  bool
	CellLen  int
}

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// ExcelSafeTransform bounds every CSV cell to a character cap without
// breaking CSV structure.
//
// Characters are UTF-8 code points. Below the cap every character passes
// through. At or above the cap, characters are dropped except:
//   - separators and newlines outside quotes, which end the cell
//   - unescaped quote characters, so quote parity matches the input
//   - the character completing an escape pair that straddles the cap
//
// An over-cap quoted cell is held until its quote closes. If input ends
// while the quote is still open the held bytes are emitted unchanged, so an
// unterminated cell is passed through uncapped rather than given an
// invented closing quote.
//
// The same machine serves ExcelSafeString (whole input at once) and
// ExcelSafeWriter (incremental chunks); both produce identical bytes for
// the same total input.
type ExcelSafeTransform struct {
	cellCap   int
	holdLimit int
	state     CellState

	// partial holds an incomplete UTF-8 sequence from the previous chunk.
	partial []byte

	// held collects dropped bytes of an over-cap quoted cell; heldQuotes
	// counts the unescaped quotes among them.
	held       []byte
	heldQuotes int
	holding    bool

	// spilled is set once a held cell outgrows holdLimit. Quotes of the
	// rest of that cell are then emitted directly.
	spilled bool

	// escapeEmitted is set when the previous character was an escape that
	// reached the output.
	escapeEmitted bool

	finished bool
}

// NewExcelSafeTransform creates a machine with the given cell cap.
// A non-positive cap selects DefaultCellCap.
func NewExcelSafeTransform(cellCap int) *ExcelSafeTransform {
	if cellCap <= 0 {
		cellCap = DefaultCellCap
	}
	return &ExcelSafeTransform{
		cellCap:   cellCap,
		holdLimit: DefaultHoldLimit,
	}
}

// SetHoldLimit overrides DefaultHoldLimit. A non-positive limit is ignored.
func (t *ExcelSafeTransform) SetHoldLimit(n int) {
	if n > 0 {
		t.holdLimit = n
	}
}

// State returns the current parse position.
func (t *ExcelSafeTransform) State() CellState {
	return t.state
}

// Advance feeds chunk through the machine and appends the output to dst.
func (t *ExcelSafeTransform) Advance(dst, chunk []byte) ([]byte, error) {
	if t.finished {
		return dst, fmt.Errorf("%w: advance after finish", ErrTransformInvariant)
	}

	buf := chunk
	if len(t.partial) > 0 {
		buf = make([]byte, 0, len(t.partial)+len(chunk))
		buf = append(append(buf, t.partial...), chunk...)
		t.partial = t.partial[:0]
	}

	for i := 0; i < len(buf); {
		if !utf8.FullRune(buf[i:]) {
			t.partial = append(t.partial, buf[i:]...)
			break
		}
		r, size := utf8.DecodeRune(buf[i:])
		dst = t.step(dst, r, buf[i:i+size])
		i += size
	}

	if t.state.CellLen < 0 || t.state.CellLen > t.cellCap {
		return dst, fmt.Errorf("%w: cell length %d outside [0, %d]", ErrTransformInvariant, t.state.CellLen, t.cellCap)
	}
	return dst, nil
}

// Finish flushes carried state and appends the final output to dst.
// The machine rejects further input afterwards.
func (t *ExcelSafeTransform) Finish(dst []byte) ([]byte, error) {
	if t.finished {
		return dst, fmt.Errorf("%w: finish called twice", ErrTransformInvariant)
	}
	t.finished = true

	// A trailing incomplete sequence decodes byte by byte.
	for i := 0; i < len(t.partial); {
		r, size := utf8.DecodeRune(t.partial[i:])
		dst = t.step(dst, r, t.partial[i:i+size])
		i += size
	}
	t.partial = nil

	if t.holding {
		if t.state.InQuotes {
			dst = append(dst, t.held...)
			t.dropHeld()
		} else {
			dst = t.releaseHeld(dst)
		}
	}
	return dst, nil
}

func (t *ExcelSafeTransform) step(dst []byte, r rune, raw []byte) []byte {
	s := &t.state
	structural := !s.InQuotes && !s.Escaped && (r == cellSeparator || r == cellNewline)
	toggles := r == cellQuote && !s.Escaped
	escapeEmitted := false

	switch {
	case s.CellLen < t.cellCap:
		dst = append(dst, raw...)
		s.CellLen++
		escapeEmitted = r == cellEscape && !s.Escaped
	case t.escapeEmitted:
		dst = append(dst, raw...)
	case structural:
		dst = t.releaseHeld(dst)
		t.spilled = false
		dst = append(dst, raw...)
	case t.spilled:
		if toggles {
			dst = append(dst, raw...)
		}
	case t.holding || s.InQuotes || toggles:
		t.holding = true
		t.held = append(t.held, raw...)
		if toggles {
			t.heldQuotes++
		}
		if len(t.held) > t.holdLimit {
			dst = t.releaseHeld(dst)
			t.spilled = true
		}
	}
	t.escapeEmitted = escapeEmitted

	switch r {
	case cellQuote:
		if !s.Escaped {
			s.InQuotes = !s.InQuotes
		}
	case cellSeparator, cellNewline:
		if !s.InQuotes && !s.Escaped {
			s.CellLen = 0
		}
	case cellEscape:
		s.Escaped = !s.Escaped
	}
	if r != cellEscape {
		s.Escaped = false
	}
	return dst
}

// releaseHeld emits the quotes of the held span and discards the rest.
func (t *ExcelSafeTransform) releaseHeld(dst []byte) []byte {
	for range t.heldQuotes {
		dst = append(dst, cellQuote)
	}
	t.dropHeld()
	return dst
}

func (t *ExcelSafeTransform) dropHeld() {
	t.held = t.held[:0]
	t.heldQuotes = 0
	t.holding = false
}

// -----------------------------------------------------------------------------
// Call shapes
// -----------------------------------------------------------------------------

// ExcelSafeString applies the excel-safety machine to a complete string.
func ExcelSafeString(s string, cellCap int) (string, error) {
	t := NewExcelSafeTransform(cellCap)
	out, err := t.Advance(make([]byte, 0, len(s)), []byte(s))
	if err != nil {
		return "", err
	}
	out, err = t.Finish(out)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ExcelSafeWriter applies the excel-safety machine to a byte stream.
// Close must be called to flush held state; it does not close the
// underlying writer.
type ExcelSafeWriter struct {
	w   io.Writer
	t   *ExcelSafeTransform
	buf []byte
}

// NewExcelSafeWriter wraps w with an excel-safety stage.
func NewExcelSafeWriter(w io.Writer, cellCap int) *ExcelSafeWriter {
	return &ExcelSafeWriter{w: w, t: NewExcelSafeTransform(cellCap)}
}

// Transform exposes the underlying machine for configuration.
func (e *ExcelSafeWriter) Transform() *ExcelSafeTransform {
	return e.t
}

// Write transforms p and forwards the result.
func (e *ExcelSafeWriter) Write(p []byte) (int, error) {
	out, err := e.t.Advance(e.buf[:0], p)
	e.buf = out
	if err != nil {
		return 0, err
	}
	if len(out) > 0 {
		if _, err := e.w.Write(out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes the machine's carried state.
func (e *ExcelSafeWriter) Close() error {
	out, err := e.t.Finish(e.buf[:0])
	e.buf = nil
	if err != nil {
		return err
	}
	if len(out) > 0 {
		_, err = e.w.Write(out)
	}
	return err
}
