package fsmodel

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// ManagerDigest is the structured summary written to
// jobs/<job>/manager_digest.json alongside a job's final result (spec
// §4.6 terminal dispositions), plus the markdown body rendered for
// human-facing surfaces (inbox snapshot, conversation digests).
type ManagerDigest struct {
	JobID   string   `json:"job_id"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// RenderDigestMarkdown turns a digest into a markdown document, the way
// goclaw's telegram/format.go renders structured content for delivery
// surfaces. It returns markdown only; RenderMarkdownHTML converts a
// markdown document to HTML.
func RenderDigestMarkdown(d ManagerDigest) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "## Job %s (%s)\n\n%s\n", d.JobID, d.Status, d.Summary)
	if len(d.Issues) > 0 {
		b.WriteString("\n### Issues\n")
		for _, issue := range d.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	return b.String()
}

// RenderMarkdownHTML converts a markdown document (e.g. a manager
// digest, or an artifact's markdown body) to HTML for the desktop
// bootstrap snapshot.
func RenderMarkdownHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("fsmodel: render markdown: %w", err)
	}
	return buf.String(), nil
}
