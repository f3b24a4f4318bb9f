package fsmodel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractFrontmatterSplitsDelimiters(t *testing.T) {
	content := []byte("---\nname: review\nstatus: open\n---\nBody text here.\n")
	fm, body, err := ExtractFrontmatter(content)
	require.NoError(t, err)
	require.Contains(t, string(fm), "name: review")
	require.Equal(t, "Body text here.\n", string(body))
}

func TestExtractFrontmatterMissingDelimiter(t *testing.T) {
	_, _, err := ExtractFrontmatter([]byte("no frontmatter here"))
	require.Error(t, err)
}

func TestParseFrontmatterUnmarshalsIntoStruct(t *testing.T) {
	type fm struct {
		Name   string `yaml:"name"`
		Status string `yaml:"status"`
	}
	content := []byte("---\nname: review-1\nstatus: open\n---\nBody.\n")
	var out fm
	body, err := ParseFrontmatter(content, &out)
	require.NoError(t, err)
	require.Equal(t, "review-1", out.Name)
	require.Equal(t, "Body.\n", string(body))
}

func TestRenderFrontmatterRoundTrips(t *testing.T) {
	type fm struct {
		Name string `yaml:"name"`
	}
	rendered, err := RenderFrontmatter(fm{Name: "task-1"}, []byte("content\n"))
	require.NoError(t, err)

	var out fm
	body, err := ParseFrontmatter(rendered, &out)
	require.NoError(t, err)
	require.Equal(t, "task-1", out.Name)
	require.Equal(t, "content\n", string(body))
}

func TestWriteYAMLAndReadYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")

	record := JobRecord{JobID: "job_1", Workspace: "ws", JobKind: "execution", Status: "queued"}
	require.NoError(t, WriteYAML(path, record))

	var out JobRecord
	require.NoError(t, ReadYAML(path, &out))
	require.Equal(t, record.JobID, out.JobID)
	require.Equal(t, record.Status, out.Status)
}

func TestRenderMarkdownHTMLProducesHTML(t *testing.T) {
	html, err := RenderMarkdownHTML("## Title\n\nHello **world**.")
	require.NoError(t, err)
	require.Contains(t, html, "<h2>")
	require.Contains(t, html, "<strong>world</strong>")
}

func TestRenderDigestMarkdownIncludesIssues(t *testing.T) {
	out := RenderDigestMarkdown(ManagerDigest{
		JobID: "job_1", Status: "completed", Summary: "done",
		Issues: []string{"minor formatting drift"},
	})
	require.Contains(t, out, "job_1")
	require.Contains(t, out, "minor formatting drift")
}
