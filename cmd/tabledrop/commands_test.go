package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dharsanguruparan/TableDrop/internal/pdf/pdftest"
)

func writeSample(t *testing.T) string {
	t.Helper()
	xs := []float64{72, 300}
	data := pdftest.Build(
		pdftest.Page{Texts: pdftest.Table(700, xs, []string{"Name", "Value"}, []string{"alpha", "1"})},
		pdftest.Page{Texts: []pdftest.Text{{X: 72, Y: 700, S: "Closing remarks"}}},
	)
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestExtractToStdout(t *testing.T) {
	out, _, err := run(t, "extract", writeSample(t))
	require.NoError(t, err)
	assert.Equal(t, "Name,Value\nalpha,1\n", out)
}

func TestExtractNoTable(t *testing.T) {
	_, _, err := run(t, "extract", "--page", "2", writeSample(t))
	assert.ErrorIs(t, err, errNoTable)
}

func TestExtractBadPage(t *testing.T) {
	_, _, err := run(t, "extract", "--page", "9", writeSample(t))
	assert.ErrorContains(t, err, "out of range")

	_, _, err = run(t, "extract", "--page", "zero", writeSample(t))
	assert.Error(t, err)
}

func TestExtractXLSXFile(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.xlsx")
	_, stderr, err := run(t, "extract", "--format", "xlsx", "--output", output, writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, stderr, "wrote 1 rows")

	f, err := excelize.OpenFile(output)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Extracted")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Name", "Value"}, {"alpha", "1"}}, rows)
}

func TestPagesInspectText(t *testing.T) {
	path := writeSample(t)

	out, _, err := run(t, "pages", path)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, _, err = run(t, "inspect", path)
	require.NoError(t, err)
	assert.Equal(t, "valid PDF, 2 pages\n", out)

	out, _, err = run(t, "text", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Closing remarks")
}

func TestMissingFile(t *testing.T) {
	_, _, err := run(t, "pages", filepath.Join(t.TempDir(), "missing.pdf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
