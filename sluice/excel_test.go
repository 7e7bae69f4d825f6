package sluice

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExcelSafeString_LongCellBeforeSeparator(t *testing.T) {
	in := strings.Repeat("a", 40000) + ",next"

	out, err := ExcelSafeString(in, 32700)
	if err != nil {
		t.Fatalf("ExcelSafeString failed: %v", err)
	}

	want := strings.Repeat("a", 32700) + ",next"
	if out != want {
		t.Errorf("got %d bytes, want %d (7300 characters dropped, separator kept)", len(out), len(want))
	}
}

func TestExcelSafeString_Cases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		cap  int
		want string
	}{
		{
			name: "below cap passes through",
			in:   "ab,cd\nef,gh\n",
			cap:  5,
			want: "ab,cd\nef,gh\n",
		},
		{
			name: "cap resets at every separator",
			in:   "abcdef,ghijkl\nmnopqr\n",
			cap:  3,
			want: "abc,ghi\nmno\n",
		},
		{
			name: "quoted cell keeps closing quote",
			in:   `"aaaaaaaaaa",b` + "\n",
			cap:  5,
			want: `"aaaa",b` + "\n",
		},
		{
			name: "separator inside quotes is content",
			in:   `"a,b,c,d",e`,
			cap:  3,
			want: `"a,",e`,
		},
		{
			name: "doubled quotes keep parity",
			in:   `"ab""cd""ef",x`,
			cap:  3,
			want: `"ab""""",x`,
		},
		{
			name: "escape pair straddling cap is kept",
			in:   `ab\,cd,e`,
			cap:  3,
			want: `ab\,,e`,
		},
		{
			name: "escaped separator does not end cell",
			in:   `a\,bcdef,g`,
			cap:  4,
			want: `a\,b,g`,
		},
		{
			name: "multibyte characters count once",
			in:   "ééééé,ü",
			cap:  3,
			want: "ééé,ü",
		},
		{
			name: "unterminated quote is passed through",
			in:   `"abcdef`,
			cap:  3,
			want: `"abcdef`,
		},
		{
			name: "empty input",
			in:   "",
			cap:  3,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExcelSafeString(tt.in, tt.cap)
			if err != nil {
				t.Fatalf("ExcelSafeString failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExcelSafeString(%q, %d) = %q, want %q", tt.in, tt.cap, got, tt.want)
			}
		})
	}
}

func TestExcelSafeString_QuoteCountPreserved(t *testing.T) {
	inputs := []string{
		`"` + strings.Repeat("x", 100) + `",y` + "\n",
		`"a""b""c""d""e""f""g",h`,
		strings.Repeat(`"`+strings.Repeat("q", 20)+`",`, 5) + "\n",
		`plain,"quoted ` + strings.Repeat("long ", 30) + `",tail`,
	}

	for _, in := range inputs {
		out, err := ExcelSafeString(in, 7)
		if err != nil {
			t.Fatalf("ExcelSafeString failed: %v", err)
		}
		if got, want := strings.Count(out, `"`), strings.Count(in, `"`); got != want {
			t.Errorf("quote count = %d, want %d for input %q (output %q)", got, want, in, out)
		}
	}
}

func TestExcelSafeString_CellLengthBounded(t *testing.T) {
	in := strings.Repeat("abcdefghij", 50) + "," + strings.Repeat("é", 100) + "\n" + strings.Repeat("z", 9)

	out, err := ExcelSafeString(in, 25)
	if err != nil {
		t.Fatalf("ExcelSafeString failed: %v", err)
	}

	for _, line := range strings.Split(out, "\n") {
		for _, cell := range strings.Split(line, ",") {
			if n := utf8.RuneCountInString(cell); n > 25 {
				t.Errorf("cell has %d characters, want at most 25", n)
			}
		}
	}
}

func TestExcelSafeWriter_ChunkSplitsMatchWholeInput(t *testing.T) {
	in := `id,text` + "\n" +
		`1,"` + strings.Repeat("ü", 40) + `""` + strings.Repeat("b", 30) + `"` + "\n" +
		`2,` + strings.Repeat("€", 50) + `,\,` + strings.Repeat("c", 20) + "\n" +
		`3,"open`

	want, err := ExcelSafeString(in, 16)
	if err != nil {
		t.Fatalf("ExcelSafeString failed: %v", err)
	}

	for size := 1; size <= 13; size++ {
		var buf bytes.Buffer
		w := NewExcelSafeWriter(&buf, 16)
		data := []byte(in)
		for len(data) > 0 {
			n := min(size, len(data))
			if _, err := w.Write(data[:n]); err != nil {
				t.Fatalf("size %d: Write failed: %v", size, err)
			}
			data = data[n:]
		}
		if err := w.Close(); err != nil {
			t.Fatalf("size %d: Close failed: %v", size, err)
		}
		if buf.String() != want {
			t.Errorf("size %d: chunked output differs from whole-input output\n got: %q\nwant: %q", size, buf.String(), want)
		}
	}
}

func TestExcelSafeTransform_StateCarriesAcrossChunks(t *testing.T) {
	tr := NewExcelSafeTransform(10)

	out, err := tr.Advance(nil, []byte(`"ab`))
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	st := tr.State()
	if !st.InQuotes || st.CellLen != 3 {
		t.Errorf("state = %+v, want InQuotes with CellLen 3", st)
	}

	out, err = tr.Advance(out, []byte(`c",d`))
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	st = tr.State()
	if st.InQuotes || st.CellLen != 1 {
		t.Errorf("state = %+v, want closed quote with CellLen 1", st)
	}

	out, err = tr.Finish(out)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if string(out) != `"abc",d` {
		t.Errorf("output = %q, want %q", out, `"abc",d`)
	}
}

func TestExcelSafeTransform_HoldLimitSpills(t *testing.T) {
	tr := NewExcelSafeTransform(2)
	tr.SetHoldLimit(4)

	out, err := tr.Advance(nil, []byte(`"a`+strings.Repeat("X", 20)+`"`+"\n"))
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	out, err = tr.Finish(out)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if string(out) != `"a"`+"\n" {
		t.Errorf("output = %q, want %q", out, `"a"`+"\n")
	}
}

func TestExcelSafeTransform_AdvanceAfterFinish_ReturnsInvariantError(t *testing.T) {
	tr := NewExcelSafeTransform(0)
	if _, err := tr.Finish(nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	_, err := tr.Advance(nil, []byte("x"))
	if !errors.Is(err, ErrTransformInvariant) {
		t.Errorf("Advance after Finish: got %v, want ErrTransformInvariant", err)
	}

	_, err = tr.Finish(nil)
	if !errors.Is(err, ErrTransformInvariant) {
		t.Errorf("second Finish: got %v, want ErrTransformInvariant", err)
	}
}

func TestExcelSafeTransform_TrailingPartialRune(t *testing.T) {
	tr := NewExcelSafeTransform(5)

	out, err := tr.Advance(nil, []byte{'a', 0xE2, 0x82})
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if string(out) != "a" {
		t.Errorf("output before Finish = %q, want %q", out, "a")
	}

	out, err = tr.Finish(out)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if !bytes.Equal(out, []byte{'a', 0xE2, 0x82}) {
		t.Errorf("output = %v, want the incomplete sequence passed through", out)
	}
}
