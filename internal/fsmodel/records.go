package fsmodel

import "time"

// RunRecord mirrors run.yaml (spec §5 directory tree): the durable
// record an execution engine call maintains alongside its journal.
type RunRecord struct {
	RunID       string    `yaml:"run_id"`
	Workspace   string    `yaml:"workspace"`
	Project     string    `yaml:"project"`
	JobID       string    `yaml:"job_id,omitempty"`
	Provider    string    `yaml:"provider"`
	Mode        string    `yaml:"mode"`
	Status      string    `yaml:"status"`
	WorktreeDir string    `yaml:"worktree_dir,omitempty"`
	RepoID      string    `yaml:"repo_id,omitempty"`
	HeadSHA     string    `yaml:"head_sha,omitempty"`
	Dirty       bool      `yaml:"dirty,omitempty"`
	StartedAt   time.Time `yaml:"started_at"`
	EndedAt     time.Time `yaml:"ended_at,omitempty"`
}

// JobRecord mirrors job.yaml.
type JobRecord struct {
	JobID              string    `yaml:"job_id"`
	Workspace          string    `yaml:"workspace"`
	Project            string    `yaml:"project"`
	JobKind            string    `yaml:"job_kind"`
	Goal               string    `yaml:"goal"`
	WorkerKind         string    `yaml:"worker_kind,omitempty"`
	WorkerAgentID      string    `yaml:"worker_agent_id,omitempty"`
	PermissionLevel    string    `yaml:"permission_level,omitempty"`
	Status             string    `yaml:"status"`
	CurrentAttempt     int       `yaml:"current_attempt"`
	FinalResultRelpath string    `yaml:"final_result_relpath,omitempty"`
	CreatedAt          time.Time `yaml:"created_at"`
}

// ReviewRecord mirrors one inbox/reviews/<id>.yaml file: a decided or
// pending verdict on an artifact (spec §3 index tables, §4.3 schema).
type ReviewRecord struct {
	ReviewID          string    `yaml:"review_id"`
	CreatedAt         time.Time `yaml:"created_at"`
	Decision          string    `yaml:"decision,omitempty"` // "" while pending, else approved|denied
	ActorID           string    `yaml:"actor_id,omitempty"`
	ActorRole         string    `yaml:"actor_role,omitempty"`
	SubjectKind       string    `yaml:"subject_kind,omitempty"`
	SubjectArtifactID string    `yaml:"subject_artifact_id,omitempty"`
	ProjectID         string    `yaml:"project_id,omitempty"`
	Notes             string    `yaml:"notes,omitempty"`
}

// HelpRequestRecord mirrors one inbox/help_requests/<id>.md file's
// frontmatter (spec §3 index tables, §4.3 schema).
type HelpRequestRecord struct {
	RequestID     string    `yaml:"request_id"`
	CreatedAt     time.Time `yaml:"created_at"`
	Title         string    `yaml:"title,omitempty"`
	Visibility    string    `yaml:"visibility,omitempty"`
	Requester     string    `yaml:"requester"`
	TargetManager string    `yaml:"target_manager,omitempty"`
	ProjectID     string    `yaml:"project_id,omitempty"`
	SharePackID   string    `yaml:"share_pack_id,omitempty"`
	Status        string    `yaml:"status,omitempty"` // open | resolved
	ResolvedAt    time.Time `yaml:"resolved_at,omitempty"`
}

// ArtifactRecord mirrors one artifacts/<art>.md file's frontmatter (spec
// §3 index tables, §4.3 schema, §4.8 review inbox snapshot).
type ArtifactRecord struct {
	ArtifactID    string    `yaml:"artifact_id"`
	Type          string    `yaml:"type,omitempty"`
	Title         string    `yaml:"title,omitempty"`
	Visibility    string    `yaml:"visibility,omitempty"`
	ProducedBy    string    `yaml:"produced_by,omitempty"`
	RunID         string    `yaml:"run_id,omitempty"`
	ContextPackID string    `yaml:"context_pack_id,omitempty"`
	CreatedAt     time.Time `yaml:"created_at,omitempty"`
}

// TaskRecord mirrors one tasks/<task>.md file's frontmatter (spec §4.5
// worktree isolation rule, §4.7 due/overdue signal, §4.8 PM snapshot).
type TaskRecord struct {
	TaskID                    string    `yaml:"task_id"`
	Title                     string    `yaml:"title,omitempty"`
	Status                    string    `yaml:"status,omitempty"` // todo|doing|blocked|done
	Owner                     string    `yaml:"owner,omitempty"`  // agent_id of the assigned worker, for heartbeat due/overdue scoring
	DurationDays              float64   `yaml:"duration_days,omitempty"`
	DependsOn                 []string  `yaml:"depends_on,omitempty"`
	RiskFlag                  string    `yaml:"risk_flag,omitempty"`
	DueAt                     time.Time `yaml:"due_at,omitempty"`
	RequiresWorktreeIsolation bool      `yaml:"requires_worktree_isolation,omitempty"`
	MilestoneKind             string    `yaml:"milestone_kind,omitempty"`
}

// CompanyConfig mirrors company.yaml.
type CompanyConfig struct {
	Name     string   `yaml:"name"`
	Policy   string   `yaml:"policy,omitempty"`
	Teams    []string `yaml:"teams,omitempty"`
	Projects []string `yaml:"projects,omitempty"`
}

// TeamConfig mirrors team.yaml.
type TeamConfig struct {
	Name    string   `yaml:"name"`
	Agents  []string `yaml:"agents,omitempty"`
	Manager string   `yaml:"manager,omitempty"`
}

// AgentConfig mirrors agent.yaml.
type AgentConfig struct {
	AgentID    string `yaml:"agent_id"`
	Role       string `yaml:"role"` // worker | manager
	WorkerKind string `yaml:"worker_kind,omitempty"`
	Team       string `yaml:"team,omitempty"`
}

// ProjectConfig mirrors project.yaml.
type ProjectConfig struct {
	ProjectID string `yaml:"project_id"`
	Name      string `yaml:"name"`
	RepoID    string `yaml:"repo_id,omitempty"`
}
