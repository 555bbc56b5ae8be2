package local

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is a CSV file read into memory with a case-insensitive header index.
type Table struct {
	Header []string
	Rows   [][]string

	index map[string]int
}

// ReadTable reads a CSV file with a header row. Every column in required must be present
// (matched case-insensitively).
func ReadTable(r io.Reader, required ...string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	t := &Table{Header: header, index: make(map[string]int, len(header))}
	for i, col := range header {
		key := columnKey(col)
		if _, dup := t.index[key]; !dup {
			t.index[key] = i
		}
	}
	for _, col := range required {
		if !t.Has(col) {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// Has reports whether the header contains col.
func (t *Table) Has(col string) bool {
	_, ok := t.index[columnKey(col)]
	return ok
}

// Get returns the trimmed value of col in row, or "" when the column or cell is absent.
func (t *Table) Get(row []string, col string) string {
	idx, ok := t.index[columnKey(col)]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// WriteTable writes header and rows as CSV.
func WriteTable(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if len(r) != len(header) {
			return fmt.Errorf("row has %d columns, want %d", len(r), len(header))
		}
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Appender writes rows to a CSV file one at a time, flushing after each row so a crash
// leaves every completed row on disk.
type Appender struct {
	f      *os.File
	cw     *csv.Writer
	header []string
}

// OpenAppender opens path for appending. A missing or empty file gets header written
// first; an existing file must carry the same columns.
func OpenAppender(path string, header []string) (*Appender, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	a := &Appender{f: f, cw: csv.NewWriter(f), header: header}
	if st.Size() == 0 {
		if err := a.write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		return a, nil
	}

	existing, err := csv.NewReader(f).Read()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read existing header of %s: %w", path, err)
	}
	if len(existing) > 0 {
		existing[0] = strings.TrimPrefix(existing[0], "\ufeff")
	}
	if !sameColumns(existing, header) {
		_ = f.Close()
		return nil, fmt.Errorf("%s has columns %v, want %v", path, existing, header)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

// Append writes one row and flushes it.
func (a *Appender) Append(row []string) error {
	if len(row) != len(a.header) {
		return fmt.Errorf("row has %d columns, want %d", len(row), len(a.header))
	}
	return a.write(row)
}

func (a *Appender) write(row []string) error {
	if err := a.cw.Write(row); err != nil {
		return err
	}
	a.cw.Flush()
	return a.cw.Error()
}

// Close flushes and closes the file.
func (a *Appender) Close() error {
	if a == nil || a.f == nil {
		return nil
	}
	a.cw.Flush()
	flushErr := a.cw.Error()
	closeErr := a.f.Close()
	a.f = nil
	return errors.Join(flushErr, closeErr)
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if columnKey(a[i]) != columnKey(b[i]) {
			return false
		}
	}
	return true
}

func columnKey(col string) string {
	return strings.ToLower(strings.TrimSpace(col))
}
