package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeCPMComputesCriticalPath(t *testing.T) {
	tasks := []Task{
		{TaskID: "a", DurationDays: 2},
		{TaskID: "b", DurationDays: 3, DependsOn: []string{"a"}},
		{TaskID: "c", DurationDays: 1, DependsOn: []string{"a"}},
		{TaskID: "d", DurationDays: 2, DependsOn: []string{"b", "c"}},
	}
	result := ComputeCPM(tasks)
	require.Equal(t, "ok", result.Status)
	require.Equal(t, []string{"a", "b", "d"}, result.CriticalPath)
	require.Equal(t, 7.0, result.TotalSpanDays)
}

func TestComputeCPMDetectsCycle(t *testing.T) {
	tasks := []Task{
		{TaskID: "a", DependsOn: []string{"b"}},
		{TaskID: "b", DependsOn: []string{"a"}},
	}
	result := ComputeCPM(tasks)
	require.Equal(t, "dependency_cycle", result.Status)
	require.Nil(t, result.CriticalPath)
}

func TestComposeProjectSummaryRollsUpCounts(t *testing.T) {
	tasks := []Task{
		{TaskID: "a", Status: TaskStatusDone, DurationDays: 1},
		{TaskID: "b", Status: TaskStatusBlocked, RiskFlag: "slipping", DurationDays: 1},
		{TaskID: "c", Status: TaskStatusTodo, DurationDays: 1},
		{TaskID: "d", Status: TaskStatusTodo, DurationDays: 1},
	}
	summary := ComposeProjectSummary("proj1", tasks)
	require.Equal(t, 4, summary.TaskCount)
	require.Equal(t, 1, summary.DoneCount)
	require.Equal(t, 1, summary.BlockedCount)
	require.Equal(t, 25.0, summary.ProgressPercent)
	require.Equal(t, []string{"slipping"}, summary.RiskFlags)
	require.Equal(t, "ok", summary.CPMStatus)
}

func TestComposeInboxSnapshotExcludesDecidedArtifacts(t *testing.T) {
	artifacts := []PendingArtifact{
		{ArtifactID: "art1"}, {ArtifactID: "art2"},
	}
	decided := map[string]bool{"art1": true}
	snap := ComposeInboxSnapshot(artifacts, decided, nil, []string{"help1"})
	require.Len(t, snap.PendingArtifacts, 1)
	require.Equal(t, "art2", snap.PendingArtifacts[0].ArtifactID)
	require.Equal(t, []string{"help1"}, snap.OpenHelpRequests)
}

func TestComposeResourcesSnapshotRollsUpByProvider(t *testing.T) {
	rows := []ProviderRollup{
		{Provider: "codex", InputTokens: 100, OutputTokens: 50, TotalCost: 1.0},
		{Provider: "codex", InputTokens: 200, OutputTokens: 75, TotalCost: 2.0},
		{Provider: "claude", InputTokens: 10, OutputTokens: 5, TotalCost: 0.1},
	}
	snap := ComposeResourcesSnapshot(rows)
	require.Len(t, snap.Rollups, 2)
	require.Equal(t, "codex", snap.Rollups[0].Provider)
	require.Equal(t, 300, snap.Rollups[0].InputTokens)
	require.Equal(t, 3.0, snap.Rollups[0].TotalCost)
}
