package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yajmaan/sevaflow/internal/auth"
	"github.com/yajmaan/sevaflow/internal/joiner"
	"github.com/yajmaan/sevaflow/internal/model"
	"go.uber.org/zap"
)

const (
	rosterCSV = "Name,Country Code,Phone,Batch ID,Temple ID\n" +
		"Asha,91,9876543210,B1,46\n" +
		"Meera,91,9876511111,B1,46\n" +
		"Ravi,91,9876500000,B9,46\n"
	linksCSV      = "Batch ID,Canva Link\nB1,https://canva.example/v1\n"
	templatesYAML = `templates:
  - temple_id: 46
    header: "Seva for {{name}}"
    description: "Watch {{video_link}}"
    template_name: seva_video_v1
`
)

func writeInputs(t *testing.T, roster, links, templates string) []string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"roster.csv":     roster,
		"links.csv":      links,
		"templates.yaml": templates,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return []string{
		"--roster", filepath.Join(dir, "roster.csv"),
		"--links", filepath.Join(dir, "links.csv"),
		"--templates", filepath.Join(dir, "templates.yaml"),
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	logger = zap.NewNop()

	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidate_ReportsExcludedRows(t *testing.T) {
	args := writeInputs(t, rosterCSV, linksCSV, templatesYAML)

	out, _, err := execute(t, append([]string{"validate"}, args...)...)

	require.NoError(t, err)
	assert.Contains(t, out, "2 work items, 1 rows excluded")
	assert.Contains(t, out, model.ValidationUnknownBatch)
}

func TestValidate_SchemaErrorFails(t *testing.T) {
	args := writeInputs(t, "Name,Phone\nAsha,9876543210\n", linksCSV, templatesYAML)

	_, stderr, err := execute(t, append([]string{"validate"}, args...)...)

	var schemaErr *joiner.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, stderr, model.ValidationMissingColumn)
}

func TestValidate_MissingFlag(t *testing.T) {
	_, _, err := execute(t, "validate", "--roster", "roster.csv")
	require.Error(t, err)
}

func TestRun_DryRunStopsAfterValidation(t *testing.T) {
	args := writeInputs(t, rosterCSV, linksCSV, templatesYAML)

	out, _, err := execute(t, append([]string{"run", "--dry-run"}, args...)...)

	require.NoError(t, err)
	assert.Contains(t, out, "2 work items")
	assert.NotContains(t, out, `"batchId"`)
}

func TestRun_MockProvidersCompleteBatch(t *testing.T) {
	args := writeInputs(t, rosterCSV, linksCSV, templatesYAML)

	out, _, err := execute(t, append([]string{"run", "--mock", "--concurrency", "2", "--progress-interval", "1h"}, args...)...)
	require.NoError(t, err)

	i := strings.Index(out, "\n{")
	require.GreaterOrEqual(t, i, 0, "report JSON missing from output:\n%s", out)

	var report model.BatchReport
	require.NoError(t, json.Unmarshal([]byte(out[i+1:]), &report))
	assert.Equal(t, model.BatchStatusCompleted, report.Status)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Excluded)
	assert.Equal(t, 2, report.Counts[model.RecordStatusSucceeded])
	assert.Empty(t, report.Failures)
	assert.Contains(t, out, "[completed]")
}

func TestLoadTemplates_AcceptsBareList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`- temple_id: "46"
  header: h
  description: d
  template_name: n
`), 0o600))

	templates, err := loadTemplates(path)

	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "46", templates[0].TempleID)
	assert.Equal(t, "n", templates[0].TemplateName)
}

func TestLoadTemplates_RejectsScalar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("just text\n"), 0o600))

	_, err := loadTemplates(path)
	require.Error(t, err)
}

func TestToken_SignsOperatorToken(t *testing.T) {
	out, _, err := execute(t, "token", "--operator", "op-7", "--email", "op7@temple.example",
		"--role", "seva-admin", "--secret", "s3cret", "--ttl", "1h")
	require.NoError(t, err)

	op, err := auth.ValidateOperatorToken(strings.TrimSpace(out), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "op-7", op.ID)
	assert.Equal(t, "op7@temple.example", op.Email)
	assert.Equal(t, []string{"seva-admin"}, op.Roles)

	_, err = auth.ValidateOperatorToken(strings.TrimSpace(out), "other")
	assert.Error(t, err)
}

func TestToken_RequiresOperator(t *testing.T) {
	_, _, err := execute(t, "token", "--secret", "s3cret")
	require.Error(t, err)
}
