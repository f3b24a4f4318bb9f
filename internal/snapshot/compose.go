package snapshot

// ComposeProjectSummary builds one project's PM snapshot entry from its
// task list (spec §4.8 workspace home / PM snapshot).
func ComposeProjectSummary(projectID string, tasks []Task) ProjectSummary {
	summary := ProjectSummary{ProjectID: projectID, TaskCount: len(tasks)}
	for _, t := range tasks {
		if t.Status == TaskStatusDone {
			summary.DoneCount++
		}
		if t.Status == TaskStatusBlocked {
			summary.BlockedCount++
		}
		if t.RiskFlag != "" {
			summary.RiskFlags = append(summary.RiskFlags, t.RiskFlag)
		}
	}
	if summary.TaskCount > 0 {
		summary.ProgressPercent = 100 * float64(summary.DoneCount) / float64(summary.TaskCount)
	}

	cpm := ComputeCPM(tasks)
	summary.CPMStatus = cpm.Status
	summary.CriticalPath = cpm.CriticalPath
	return summary
}

// ComposeInboxSnapshot joins pending artifacts against decided reviews
// (spec §4.8 review inbox snapshot: "join artifacts left-anti against
// reviews on subject kind") — artifacts with no matching review are
// pending and decided ones are left out; RecentDecisions is the given
// decisions slice, passed through unchanged.
func ComposeInboxSnapshot(artifacts []PendingArtifact, decidedReviewIDs map[string]bool, decisions []DecidedReview, openHelpRequestIDs []string) InboxSnapshot {
	pending := make([]PendingArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		if !decidedReviewIDs[a.ArtifactID] {
			pending = append(pending, a)
		}
	}
	return InboxSnapshot{
		PendingArtifacts: pending,
		RecentDecisions:  decisions,
		OpenHelpRequests: openHelpRequestIDs,
	}
}

// ComposeResourcesSnapshot rolls raw per-run usage rows up to one entry
// per provider (spec §4.8 resources snapshot).
func ComposeResourcesSnapshot(rows []ProviderRollup) ResourcesSnapshot {
	byProvider := make(map[string]*ProviderRollup)
	order := make([]string, 0)
	for _, row := range rows {
		existing, ok := byProvider[row.Provider]
		if !ok {
			copy := row
			byProvider[row.Provider] = &copy
			order = append(order, row.Provider)
			continue
		}
		existing.InputTokens += row.InputTokens
		existing.OutputTokens += row.OutputTokens
		existing.TotalCost += row.TotalCost
		existing.ContextCycleCount += row.ContextCycleCount
	}
	out := make([]ProviderRollup, 0, len(order))
	for _, p := range order {
		out = append(out, *byProvider[p])
	}
	return ResourcesSnapshot{Rollups: out}
}

// ComposeDesktopBootstrap unions the per-area snapshots into one
// response (spec §4.8 desktop bootstrap snapshot).
func ComposeDesktopBootstrap(projects []ProjectSummary, runs []RunSummary, inbox InboxSnapshot, resources ResourcesSnapshot) DesktopBootstrapSnapshot {
	return DesktopBootstrapSnapshot{
		Projects:  projects,
		Runs:      runs,
		Inbox:     inbox,
		Resources: resources,
	}
}
