package sluice

import (
	"bytes"
	"encoding/xml"
	"io"
	"time"
)

// xmlProlog is the literal first line of every XML export.
const xmlProlog = `<?xml version="1.0" encoding="UTF-8"?>`

// xmlTimestampLayout renders UTC timestamps as strict ISO-8601 with
// millisecond precision.
const xmlTimestampLayout = "2006-01-02T15:04:05.000Z"

// utf8BOM lets spreadsheet applications detect UTF-8.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// XMLAttr is a static attribute of the XML root element.
type XMLAttr struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// XMLRoot configures the element wrapping XML exports.
type XMLRoot struct {
	// Name is the root element name.
	Name string `yaml:"name"`

	// Attrs are written before the generation timestamp.
	Attrs []XMLAttr `yaml:"attrs"`

	// TimestampAttr names the attribute carrying the generation time.
	TimestampAttr string `yaml:"timestamp_attr"`
}

// DefaultXMLRoot wraps activity fragments in an IATI activities document.
var DefaultXMLRoot = XMLRoot{
	Name:          "iati-activities",
	Attrs:         []XMLAttr{{Name: "version", Value: "2.03"}},
	TimestampAttr: "generated-datetime",
}

// DefaultRawXMLField is the document field holding stored XML fragments.
const DefaultRawXMLField = "iati_xml"

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

// Framing is the format-specific content around the record stream.
type Framing struct {
	Header []byte
	Footer []byte
}

// Assembler decides the framing and page encoding for one export.
type Assembler struct {
	format    Format
	fields    []string
	root      XMLRoot
	rawField  string
	cellCap   int
	holdLimit int
	generated time.Time
}

// NewAssembler creates an assembler for req. generated is the timestamp
// stamped into XML framing.
func NewAssembler(req ExportRequest, root XMLRoot, rawField string, cellCap, holdLimit int, generated time.Time) *Assembler {
	return &Assembler{
		format:    req.Format,
		fields:    req.Fields,
		root:      root,
		rawField:  rawField,
		cellCap:   cellCap,
		holdLimit: holdLimit,
		generated: generated,
	}
}

// Framing returns the header and footer for the assembler's format.
//
// JSON is wrapped in array brackets. XML gets the prolog and root element;
// the root is closed by the footer. Excel CSV starts with a UTF-8 byte order
// mark. CSV has no framing.
func (a *Assembler) Framing() Framing {
	switch a.format {
	case FormatJSON:
		return Framing{Header: []byte("["), Footer: []byte("\n]\n")}
	case FormatXML:
		return Framing{Header: a.xmlHeader(), Footer: a.xmlFooter()}
	case FormatExcelCSV:
		return Framing{Header: append([]byte(nil), utf8BOM...)}
	}
	return Framing{}
}

func (a *Assembler) xmlHeader() []byte {
	var buf bytes.Buffer
	buf.WriteString(xmlProlog)
	buf.WriteString("\n<")
	buf.WriteString(a.root.Name)
	for _, attr := range a.root.Attrs {
		writeXMLAttr(&buf, attr.Name, attr.Value)
	}
	if a.root.TimestampAttr != "" {
		writeXMLAttr(&buf, a.root.TimestampAttr, a.generated.UTC().Format(xmlTimestampLayout))
	}
	buf.WriteString(">\n")
	return buf.Bytes()
}

func (a *Assembler) xmlFooter() []byte {
	return []byte("</" + a.root.Name + ">")
}

func writeXMLAttr(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(' ')
	buf.WriteString(name)
	buf.WriteString(`="`)
	// EscapeText only fails on write errors, which bytes.Buffer never returns.
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteByte('"')
}

// NewPageEncoder returns the page stage writing record content to w.
// For Excel CSV the returned encoder runs its output through the
// excel-safety machine; closing the encoder flushes the machine.
func (a *Assembler) NewPageEncoder(w io.Writer) PageEncoder {
	switch a.format {
	case FormatXML:
		return NewRawXMLEncoder(w, a.rawField)
	case FormatCSV:
		return NewCSVEncoder(w, a.fields)
	case FormatExcelCSV:
		safe := NewExcelSafeWriter(w, a.cellCap)
		safe.Transform().SetHoldLimit(a.holdLimit)
		return &excelCSVEncoder{PageEncoder: newCSVEncoder(safe, a.fields, true), safe: safe}
	default:
		return NewJSONArrayEncoder(w)
	}
}

// excelCSVEncoder chains a CSV encoder into an excel-safety stage.
type excelCSVEncoder struct {
	PageEncoder
	safe *ExcelSafeWriter
}

func (e *excelCSVEncoder) Name() string {
	return "excel-csv"
}

func (e *excelCSVEncoder) Close() error {
	if err := e.PageEncoder.Close(); err != nil {
		return err
	}
	return e.safe.Close()
}
