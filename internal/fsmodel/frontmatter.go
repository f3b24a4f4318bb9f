// Package fsmodel reads and writes the on-disk workspace layout (spec
// §5's directory tree): run.yaml, job.yaml, artifact/task markdown with
// YAML frontmatter, company/team/agent/project config, and
// review/help-request records.
//
// Frontmatter extraction is grounded on goclaw's internal/skills/parser.go
// ParseSkillFile/extractFrontmatter (YAML between --- delimiters followed
// by markdown body), generalized from SKILL.md's fixed schema to the
// several frontmatter shapes this package needs.
package fsmodel

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExtractFrontmatter splits content into its YAML frontmatter (without
// the --- delimiters) and the remaining markdown body. It returns an
// error if content doesn't start with a frontmatter block.
func ExtractFrontmatter(content []byte) (frontmatter, body []byte, err error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, nil, fmt.Errorf("fsmodel: content does not start with frontmatter delimiter")
	}
	rest := content[3:]
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return nil, nil, fmt.Errorf("fsmodel: no closing frontmatter delimiter found")
	}
	frontmatter = bytes.TrimPrefix(rest[:idx], []byte("\n"))
	body = bytes.TrimPrefix(rest[idx+4:], []byte("\n"))
	return frontmatter, body, nil
}

// ParseFrontmatter extracts and unmarshals YAML frontmatter into dst.
func ParseFrontmatter(content []byte, dst any) (body []byte, err error) {
	fm, body, err := ExtractFrontmatter(content)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(fm, dst); err != nil {
		return nil, fmt.Errorf("fsmodel: parse frontmatter: %w", err)
	}
	return body, nil
}

// RenderFrontmatter serializes front and body back into the --- delimited
// form used on disk.
func RenderFrontmatter(front any, body []byte) ([]byte, error) {
	fm, err := yaml.Marshal(front)
	if err != nil {
		return nil, fmt.Errorf("fsmodel: render frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}
