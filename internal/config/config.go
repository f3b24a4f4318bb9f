// Package config loads and persists the control plane's configuration.
// The load/bootstrap/selective-merge/backup-rotation shape is grounded on
// the teacher's internal/config/config.go; the schema itself is new,
// reflecting the workspace, HTTP, index, heartbeat, execution and lane
// settings named across spec §4.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	. "github.com/agentcompany/agentcompany/internal/logging"
)

// ConfigBackupCount is the number of backup versions to keep on save.
const ConfigBackupCount = 5

// LoadResult carries the loaded config and where it came from.
type LoadResult struct {
	Config       *Config
	SourcePath   string
	Bootstrapped bool // true if no config file existed and defaults were written
}

// Config is the control plane's top-level configuration (spec §4, §9).
type Config struct {
	Workspace string          `json:"workspace"` // absolute path to the workspace root
	HTTP      HTTPConfig      `json:"http"`
	Index     IndexConfig     `json:"index"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Execution ExecutionConfig `json:"execution"`
	Lanes     LaneConfig      `json:"lanes"`
}

// HTTPConfig configures the RPC/HTTP/SSE server (spec §4.9).
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // default ":8080"
}

// IndexConfig configures the SQLite index store and its sync worker
// (spec §4.3, §4.4).
type IndexConfig struct {
	DBPath        string `json:"dbPath"`        // default "<workspace>/.local/index.db"
	DebounceMs    int    `json:"debounceMs"`    // quiet period after a fsnotify burst before syncing (default 500)
	MinIntervalMs int    `json:"minIntervalMs"` // floor between syncs of the same run (default 2000)
}

// HeartbeatConfig configures the periodic wake-score triage scheduler
// (spec §4.7).
type HeartbeatConfig struct {
	Enabled            bool    `json:"enabled"`
	IntervalMinutes    int     `json:"intervalMinutes"`   // tick period, default 15
	TickCron           string  `json:"tickCron"`          // optional cron expression, overrides IntervalMinutes
	QuietHoursStart    string  `json:"quietHoursStart"`   // "HH:MM", empty = disabled
	QuietHoursEnd      string  `json:"quietHoursEnd"`     // "HH:MM"
	SuppressionMinutes int     `json:"suppressionMinutes"` // how long a worker stays suppressed after an ok report (default 60)
	MaxActionsPerTick  int     `json:"maxActionsPerTick"`  // top-K dispatch cap per tick (default 5)
	MaxActionsPerHour  int     `json:"maxActionsPerHour"`  // rolling hourly cap (default 12)
	WakeScoreThreshold float64 `json:"wakeScoreThreshold"` // minimum score to dispatch (default 0.3)
	StatePath          string  `json:"statePath"`          // default "<workspace>/.local/heartbeat/state.yaml"
}

// ExecutionConfig configures the subprocess execution engine (spec §4.5).
type ExecutionConfig struct {
	Providers             map[string]ProviderConfig `json:"providers"`
	DefaultTimeoutSeconds int                       `json:"defaultTimeoutSeconds"` // default 1800
	WorktreesDir          string                    `json:"worktreesDir"`          // default "<workspace>/.local/worktrees"
}

// ProviderConfig configures a single worker provider binary.
type ProviderConfig struct {
	BinaryPath     string         `json:"binaryPath"`
	Mode           string         `json:"mode"` // "command" or "app_server"
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty"`
	RateCard       RateCardConfig `json:"rateCard"`
}

// RateCardConfig holds per-million-token pricing used to compute cost when
// a provider does not report it directly (spec §4.5 usage/cost attach).
type RateCardConfig struct {
	InputPerMillion      float64 `json:"inputPerMillion"`
	OutputPerMillion     float64 `json:"outputPerMillion"`
	CacheReadPerMillion  float64 `json:"cacheReadPerMillion"`
	CacheWritePerMillion float64 `json:"cacheWritePerMillion"`
}

// LaneConfig configures concurrency per execution lane (spec §5).
type LaneConfig struct {
	Concurrency map[string]int `json:"concurrency"` // lane name -> max concurrent runs, e.g. "default": 3
}

// isMinimalJSON reports whether data is essentially empty (just {} or
// unparseable), in which case Load treats the file as absent.
func isMinimalJSON(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return true
	}
	return len(m) == 0
}

func defaultConfig(workspace string) *Config {
	return &Config{
		Workspace: workspace,
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Index: IndexConfig{
			DBPath:        filepath.Join(workspace, ".local", "index.db"),
			DebounceMs:    500,
			MinIntervalMs: 2000,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:            true,
			IntervalMinutes:    15,
			SuppressionMinutes: 60,
			MaxActionsPerTick:  5,
			MaxActionsPerHour:  12,
			WakeScoreThreshold: 0.3,
			StatePath:          filepath.Join(workspace, ".local", "heartbeat", "state.yaml"),
		},
		Execution: ExecutionConfig{
			Providers:             map[string]ProviderConfig{},
			DefaultTimeoutSeconds: 1800,
			WorktreesDir:          filepath.Join(workspace, ".local", "worktrees"),
		},
		Lanes: LaneConfig{
			Concurrency: map[string]int{"default": 3},
		},
	}
}

// Load reads configuration for the given workspace root. If
// "<workspace>/.local/agentcompany.json" doesn't exist or is empty,
// defaults are bootstrapped and written to it (matching the teacher's
// bootstrap-then-authoritative pattern).
func Load(workspace string) (*LoadResult, error) {
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("config: resolve workspace path: %w", err)
	}

	configPath := filepath.Join(absWorkspace, ".local", "agentcompany.json")
	data, err := os.ReadFile(configPath)
	exists := err == nil

	cfg := defaultConfig(absWorkspace)

	if !exists || isMinimalJSON(data) {
		L_info("config: bootstrap mode - writing defaults", "path", configPath)
		if err := WriteConfigWithBackup(configPath, cfg); err != nil {
			L_error("config: failed to write bootstrapped config", "path", configPath, "error", err)
		}
		return &LoadResult{Config: cfg, SourcePath: configPath, Bootstrapped: true}, nil
	}

	if err := mergeJSONConfig(cfg, data); err != nil {
		L_error("config: failed to parse agentcompany.json", "path", configPath, "error", err)
		return nil, err
	}
	L_debug("config: loaded", "path", configPath, "workspace", cfg.Workspace)

	return &LoadResult{Config: cfg, SourcePath: configPath, Bootstrapped: false}, nil
}

// WriteConfigWithBackup writes cfg to path, backing up any existing file
// first (ConfigBackupCount versions kept).
func WriteConfigWithBackup(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := BackupAndWriteJSON(path, cfg, ConfigBackupCount); err != nil {
		return err
	}
	L_info("config: written", "path", path, "size", len(data))
	return nil
}

// mergeJSONConfig deep-merges JSON data into an existing config, only
// overriding top-level sections actually present in the JSON so that a
// partial config file never wipes unrelated defaults (teacher's
// mergeConfigSelective pattern, generalized to this schema).
func mergeJSONConfig(dst *Config, jsonData []byte) error {
	var rawMap map[string]interface{}
	if err := json.Unmarshal(jsonData, &rawMap); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	var src Config
	if err := json.Unmarshal(jsonData, &src); err != nil {
		return fmt.Errorf("parse to config: %w", err)
	}

	if v, ok := rawMap["workspace"].(string); ok && v != "" {
		dst.Workspace = v
	}
	if _, ok := rawMap["http"]; ok {
		if err := mergo.Merge(&dst.HTTP, src.HTTP, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["index"]; ok {
		if err := mergo.Merge(&dst.Index, src.Index, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["heartbeat"]; ok {
		if err := mergo.Merge(&dst.Heartbeat, src.Heartbeat, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["execution"]; ok {
		if err := mergo.Merge(&dst.Execution, src.Execution, mergo.WithOverride); err != nil {
			return err
		}
	}
	if _, ok := rawMap["lanes"]; ok {
		if err := mergo.Merge(&dst.Lanes, src.Lanes, mergo.WithOverride); err != nil {
			return err
		}
	}
	return nil
}

// LaneConcurrency returns the configured concurrency for a lane, or 1 if
// unconfigured.
func (l *LaneConfig) LaneConcurrency(lane string) int {
	if n, ok := l.Concurrency[lane]; ok && n > 0 {
		return n
	}
	return 1
}
