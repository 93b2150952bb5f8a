package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTable struct {
	cols []string
	rows [][]string
}

func (s staticTable) Columns() []string { return s.cols }
func (s staticTable) Rows() [][]string  { return s.rows }

var bom = []byte{0xEF, 0xBB, 0xBF}

func TestWriteCSV(t *testing.T) {
	tbl := staticTable{
		cols: []string{"village_name", "colA", "colB"},
		rows: [][]string{
			{"ಬೆಂಗಳೂರು", "x", ""},
			{"Alpha, Pura", "y", `say "z"`},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, tbl))

	out := buf.Bytes()
	require.True(t, bytes.HasPrefix(out, bom), "starts with a byte order mark")

	records, err := csv.NewReader(bytes.NewReader(out[len(bom):])).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, append([][]string{tbl.cols}, tbl.rows...), records)
}

func TestWriteCSV_HeaderOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, staticTable{cols: []string{"a", "b"}}))
	assert.Equal(t, append(append([]byte{}, bom...), []byte("a,b\n")...), buf.Bytes())
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.csv")

	require.NoError(t, WriteFile(path, staticTable{cols: []string{"a"}, rows: [][]string{{"1"}}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, bom...), []byte("a\n1\n")...), data)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestDefaultPath(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, filepath.Join("exports", "bangalore_hobli_499_20260304_050607.csv"), DefaultPath("exports", "bangalore_hobli_499", now))
	assert.Equal(t, filepath.Join("out", "a_b_20260304_050607.csv"), DefaultPath("out", "a/b", now))
	assert.Equal(t, filepath.Join("out", "harvest_20260304_050607.csv"), DefaultPath("out", "", now))
}
