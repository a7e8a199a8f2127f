package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/dataset/datasettest"
)

const smallConfig = `
domains:
  e_drop: [0, 0.25]
  r_drop: [0]
  e_size: [2, 4]
  r_size: [2]
training:
  batch_size: 4
`

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer, string) {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, datasettest.Write(src, dataset.DefaultFiles(), datasettest.Balanced(12, "128")))

	path := filepath.Join(t.TempDir(), "ehrho.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallConfig), 0o644))

	var out bytes.Buffer

	c := New("test")
	c.logOut = &bytes.Buffer{}
	c.logErr = &bytes.Buffer{}
	c.rootCmd.SetOut(&out)

	return c, &out, "--config=" + path + " --source-dir=" + src
}

func TestSplitCommand(t *testing.T) {
	c, out, common := newTestCLI(t)

	err := c.execute(context.Background(), append(strings.Fields(common), "split", "--codes", "128"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "128\t12\t6\t6\t"), lines[1])
}

func TestSearchCommand(t *testing.T) {
	c, out, common := newTestCLI(t)
	output := t.TempDir()

	args := append(strings.Fields(common), "search",
		"--codes", "128",
		"--output-dir", output,
		"--initial", "2",
		"--iterations", "1",
		"--epochs", "1",
		"--workers", "2",
	)

	require.NoError(t, c.execute(context.Background(), args))

	assert.FileExists(t, filepath.Join(output, "128_best_ehr_params.csv"))
	assert.FileExists(t, filepath.Join(output, "128_trials.csv"))
	assert.FileExists(t, filepath.Join(output, "128_opt_ehr.ckpt"))
	assert.Contains(t, out.String(), "trials=3")
	assert.Contains(t, out.String(), "test_accuracy=")
}

func TestReportCommand(t *testing.T) {
	c, out, common := newTestCLI(t)
	output := t.TempDir()

	search := append(strings.Fields(common), "search",
		"--codes", "128",
		"--output-dir", output,
		"--initial", "2",
		"--iterations", "0",
		"--epochs", "1",
	)
	require.NoError(t, c.execute(context.Background(), search))

	out.Reset()

	report := append(strings.Fields(common), "report", "--codes", "128", "--output-dir", output)
	require.NoError(t, c.execute(context.Background(), report))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "code\truns\ttrials\t"), lines[0])

	fields := strings.Split(lines[1], "\t")
	require.Len(t, fields, 10)
	assert.Equal(t, []string{"128", "1", "2"}, fields[:3])
	assert.Equal(t, "2", fields[6])
	assert.Contains(t, fields[9], "e_drop=")
}

func TestReportCommandNeedsSearchOutputs(t *testing.T) {
	c, _, common := newTestCLI(t)

	err := c.execute(context.Background(), append(strings.Fields(common), "report", "--codes", "128", "--output-dir", t.TempDir()))
	assert.Error(t, err)
}

func TestSearchCommandRejectsBadFlags(t *testing.T) {
	c, _, common := newTestCLI(t)

	err := c.execute(context.Background(), append(strings.Fields(common), "search", "--initial", "0"))
	assert.Error(t, err)
	assert.Contains(t, c.logErr.(*bytes.Buffer).String(), "initial_samples")
}
