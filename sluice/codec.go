package sluice

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// jsonCodec encodes records for JSON output and renders structured CSV
// cells. HTML escaping is off so documents round-trip byte for byte.
var jsonCodec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// multiValueEscaper escapes items of a multi-valued field the way the
// backend's CSV writer does: separator and escape get a backslash prefix.
var multiValueEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`)

// backslashEscaper doubles backslashes in Excel CSV cells.
var backslashEscaper = strings.NewReplacer(`\`, `\\`)

// PageEncoder renders pages of records onto a byte stream.
//
// Encoders are pluggable per format and orthogonal to framing, compression
// and storage.
type PageEncoder interface {
	// Name returns the encoder identifier (for example, "json" or "csv").
	Name() string

	// EncodePage writes records in order.
	EncodePage(records []Record) error

	// Close flushes buffered output. It does not close the underlying writer.
	Close() error
}

// -----------------------------------------------------------------------------
// JSON Array Encoder
// -----------------------------------------------------------------------------

// jsonArrayEncoder renders records as the elements of one JSON array, one
// element per line. The brackets belong to the framing; the encoder writes
// the separators, so elements stay comma-separated across page boundaries.
type jsonArrayEncoder struct {
	w       io.Writer
	written bool
}

// NewJSONArrayEncoder creates an encoder writing array elements to w.
func NewJSONArrayEncoder(w io.Writer) PageEncoder {
	return &jsonArrayEncoder{w: w}
}

func (j *jsonArrayEncoder) Name() string {
	return "json"
}

func (j *jsonArrayEncoder) EncodePage(records []Record) error {
	for _, record := range records {
		data, err := jsonCodec.Marshal(record)
		if err != nil {
			return err
		}
		sep := ",\n"
		if !j.written {
			sep = "\n"
		}
		if _, err := io.WriteString(j.w, sep); err != nil {
			return err
		}
		if _, err := j.w.Write(data); err != nil {
			return err
		}
		j.written = true
	}
	return nil
}

func (j *jsonArrayEncoder) Close() error {
	return nil
}

// -----------------------------------------------------------------------------
// CSV Encoder
// -----------------------------------------------------------------------------

// csvEncoder renders records as RFC 4180 rows under a single header.
//
// The header is written once, before the first row. Its columns come from
// the configured field list or, if none was given, from the sorted union of
// keys in the first page. Later pages are projected onto those columns.
//
// When escapeBackslash is set every backslash in header and scalar cells is
// doubled, so a reader that treats backslash as an escape character sees
// the same cell boundaries as an RFC 4180 reader. List items carry their
// own escaping.
type csvEncoder struct {
	cw              *csv.Writer
	fields          []string
	headerDone      bool
	escapeBackslash bool
}

// NewCSVEncoder creates a CSV encoder writing to w. fields fixes the column
// order; nil derives it from the first page.
func NewCSVEncoder(w io.Writer, fields []string) PageEncoder {
	return newCSVEncoder(w, fields, false)
}

func newCSVEncoder(w io.Writer, fields []string, escapeBackslash bool) *csvEncoder {
	return &csvEncoder{
		cw:              csv.NewWriter(w),
		fields:          append([]string(nil), fields...),
		escapeBackslash: escapeBackslash,
	}
}

func (c *csvEncoder) Name() string {
	return "csv"
}

func (c *csvEncoder) EncodePage(records []Record) error {
	if !c.headerDone {
		if len(c.fields) == 0 {
			c.fields = unionKeys(records)
		}
		if err := c.writeHeader(); err != nil {
			return err
		}
	}

	row := make([]string, len(c.fields))
	for _, record := range records {
		for i, field := range c.fields {
			value := record[field]
			cell, err := formatCell(value)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			if _, list := value.([]any); c.escapeBackslash && !list {
				cell = backslashEscaper.Replace(cell)
			}
			row[i] = cell
		}
		if err := c.cw.Write(row); err != nil {
			return err
		}
	}
	c.cw.Flush()
	return c.cw.Error()
}

func (c *csvEncoder) Close() error {
	if !c.headerDone && len(c.fields) > 0 {
		if err := c.writeHeader(); err != nil {
			return err
		}
	}
	c.cw.Flush()
	return c.cw.Error()
}

func (c *csvEncoder) writeHeader() error {
	c.headerDone = true
	if len(c.fields) == 0 {
		return nil
	}
	if !c.escapeBackslash {
		return c.cw.Write(c.fields)
	}
	header := make([]string, len(c.fields))
	for i, field := range c.fields {
		header[i] = backslashEscaper.Replace(field)
	}
	return c.cw.Write(header)
}

// unionKeys returns the sorted set of keys across records.
func unionKeys(records []Record) []string {
	seen := make(map[string]struct{})
	for _, record := range records {
		for k := range record {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatCell renders a decoded field value as CSV cell text.
func formatCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			s, err := formatCell(item)
			if err != nil {
				return "", err
			}
			items[i] = multiValueEscaper.Replace(s)
		}
		return strings.Join(items, ","), nil
	default:
		return jsonCodec.MarshalToString(val)
	}
}

// -----------------------------------------------------------------------------
// Raw XML Encoder
// -----------------------------------------------------------------------------

// rawXMLEncoder writes one stored XML fragment per record, verbatim.
type rawXMLEncoder struct {
	w     io.Writer
	field string
}

// NewRawXMLEncoder creates an encoder that copies record[field] to w.
// The backend is trusted to store well-formed fragments; they are not
// re-serialized.
func NewRawXMLEncoder(w io.Writer, field string) PageEncoder {
	return &rawXMLEncoder{w: w, field: field}
}

func (x *rawXMLEncoder) Name() string {
	return "xml-raw"
}

func (x *rawXMLEncoder) EncodePage(records []Record) error {
	for i, record := range records {
		fragment, ok := rawFragment(record[x.field])
		if !ok {
			return fmt.Errorf("%w: record %d has no string field %q", ErrUpstreamFetch, i, x.field)
		}
		if _, err := io.WriteString(x.w, fragment); err != nil {
			return err
		}
	}
	return nil
}

func (x *rawXMLEncoder) Close() error {
	return nil
}

// rawFragment extracts a stored fragment, unwrapping a single-valued list.
func rawFragment(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []any:
		if len(val) == 1 {
			s, ok := val[0].(string)
			return s, ok
		}
	}
	return "", false
}

// Ensure encoders implement PageEncoder
var (
	_ PageEncoder = (*jsonArrayEncoder)(nil)
	_ PageEncoder = (*csvEncoder)(nil)
	_ PageEncoder = (*rawXMLEncoder)(nil)
)
