package joiner

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Row is one data line of a table, keyed by normalized header name
type Row struct {
	Line   int
	Fields map[string]string
}

// Get returns the trimmed value of column
func (r Row) Get(column string) string {
	return strings.TrimSpace(r.Fields[column])
}

// Table is a parsed delimited file with a header row
type Table struct {
	Columns []string
	Rows    []Row
}

// HasColumn reports whether the header contained column
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

var ErrEmptyTable = errors.New("table has no header row")

var headerAliases = map[string]string{
	"phone_number": "phone",
	"mobile":       "phone",
	"countrycode":  "country_code",
	"batchid":      "batch_id",
	"templeid":     "temple_id",
	"canva_links":  "canva_link",
	"video_link":   "canva_link",
	"link":         "canva_link",
}

// NormalizeHeader lowercases a header and joins words with underscores, so
// "Country Code" and "country_code" name the same column
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
	if alias, ok := headerAliases[h]; ok {
		return alias
	}
	return h
}

// ParseTable reads comma, semicolon or tab separated text. The delimiter is
// picked from the header line.
func ParseTable(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read table: %w", err)
	}
	head = bytes.TrimPrefix(head, []byte("\ufeff"))
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, ErrEmptyTable
	}

	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyTable
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := &Table{Columns: make([]string, len(header))}
	for i, h := range header {
		t.Columns[i] = NormalizeHeader(h)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		row := Row{Line: line, Fields: make(map[string]string, len(t.Columns))}
		for i, col := range t.Columns {
			if i < len(record) && col != "" {
				row.Fields[col] = record[i]
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
