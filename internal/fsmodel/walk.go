package fsmodel

import (
	"os"
	"path/filepath"
	"strings"
)

// WalkProjects lists the project IDs under work/projects/ (spec §6
// filesystem layout). Missing directories yield an empty list, not an
// error — a freshly-initialized workspace has no projects yet.
func WalkProjects(workspace string) ([]string, error) {
	dir := filepath.Join(workspace, "work", "projects")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func readDirMD(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}

// WalkArtifactFiles visits every artifacts/<art>.md file across every
// project, parsing its frontmatter into an ArtifactRecord (spec §4.3
// sync: "For each (project, artifact md file), upsert the artifact
// row."). A file whose frontmatter fails to parse is skipped, not fatal.
func WalkArtifactFiles(workspace string, fn func(projectID, path string, rec ArtifactRecord) error) error {
	projects, err := WalkProjects(workspace)
	if err != nil {
		return err
	}
	for _, projectID := range projects {
		dir := filepath.Join(workspace, "work", "projects", projectID, "artifacts")
		entries, err := readDirMD(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var rec ArtifactRecord
			if _, err := ParseFrontmatter(content, &rec); err != nil {
				continue
			}
			if rec.ArtifactID == "" {
				rec.ArtifactID = strings.TrimSuffix(e.Name(), ".md")
			}
			if err := fn(projectID, path, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// WalkReviewFiles visits every inbox/reviews/<id>.yaml file (spec §4.3
// sync: "For each review yaml ..., upsert the row.").
func WalkReviewFiles(workspace string, fn func(path string, rec ReviewRecord) error) error {
	dir := filepath.Join(workspace, "inbox", "reviews")
	entries, err := readDirMD(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var rec ReviewRecord
		if err := ReadYAML(path, &rec); err != nil {
			continue
		}
		if rec.ReviewID == "" {
			rec.ReviewID = strings.TrimSuffix(e.Name(), ".yaml")
		}
		if err := fn(path, rec); err != nil {
			return err
		}
	}
	return nil
}

// WalkHelpRequestFiles visits every inbox/help_requests/<id>.md file
// (spec §4.3 sync: "... help-request md, upsert the row.").
func WalkHelpRequestFiles(workspace string, fn func(path string, rec HelpRequestRecord) error) error {
	dir := filepath.Join(workspace, "inbox", "help_requests")
	entries, err := readDirMD(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec HelpRequestRecord
		if _, err := ParseFrontmatter(content, &rec); err != nil {
			continue
		}
		if rec.RequestID == "" {
			rec.RequestID = strings.TrimSuffix(e.Name(), ".md")
		}
		if err := fn(path, rec); err != nil {
			return err
		}
	}
	return nil
}

// WalkTaskFiles visits every tasks/<task>.md file across every project.
func WalkTaskFiles(workspace string, fn func(projectID, path string, rec TaskRecord) error) error {
	projects, err := WalkProjects(workspace)
	if err != nil {
		return err
	}
	for _, projectID := range projects {
		dir := filepath.Join(workspace, "work", "projects", projectID, "tasks")
		entries, err := readDirMD(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var rec TaskRecord
			if _, err := ParseFrontmatter(content, &rec); err != nil {
				continue
			}
			if rec.TaskID == "" {
				rec.TaskID = strings.TrimSuffix(e.Name(), ".md")
			}
			if err := fn(projectID, path, rec); err != nil {
				return err
			}
		}
	}
	return nil
}
