// Package export writes the consolidated result table to disk.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Table is the read side of the consolidated table.
type Table interface {
	Columns() []string
	Rows() [][]string
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DefaultPath returns dir/<job>_<timestamp>.csv.
func DefaultPath(dir, job string, now time.Time) string {
	name := unsafeName.ReplaceAllString(job, "_")
	if name == "" {
		name = "harvest"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s.csv", name, now.Format("20060102_150405")))
}

// WriteCSV writes the header and every row in column order as UTF-8 with a
// byte order mark.
func WriteCSV(w io.Writer, tbl Table) error {
	bw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(bw)

	if err := cw.Write(tbl.Columns()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range tbl.Rows() {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Close()
}

// WriteFile writes the table to path. The file appears only once complete.
func WriteFile(path string, tbl Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".echarvest-*.csv")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, tbl); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("finalize export file: %w", err)
	}
	return nil
}
