package heartbeat

import "sort"

// Scoring weights. The spec names the signals but not numeric weights,
// leaving the exact function as an implementation detail (spec §9 open
// question on wake-score weighting); this assigns monotone weights so
// the relative ordering matches the signal list in §4.7 step 2.
const (
	weightOverdue          = 5.0
	weightDueWithinHorizon = 3.0
	weightStuckJob         = 4.0
	weightPendingApproval  = 3.0
	weightPendingHelp      = 3.0
	weightNewRunEvents     = 1.0
	weightNonOKLastReport  = 2.0
)

// WakeScore computes a worker's score from its signals (spec §4.7 step 2).
func WakeScore(s Signals) float64 {
	var score float64
	if s.TaskOverdue {
		score += weightOverdue
	}
	if s.TaskDueWithinHorizon {
		score += weightDueWithinHorizon
	}
	if s.RunningJobOlderThan {
		score += weightStuckJob
	}
	if s.HasPendingApproval {
		score += weightPendingApproval
	}
	if s.HasPendingHelpRequest {
		score += weightPendingHelp
	}
	if s.NewRunEventsSinceLast {
		score += weightNewRunEvents
	}
	if s.LastReportStatus != ReportStatusOK {
		score += weightNonOKLastReport
	}
	return score
}

// InQuietHours reports whether hour (0-23, workspace-local) falls in
// [start, end) (spec §4.7 step 3). A start==end window means no quiet
// hours.
func InQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// wraps past midnight, e.g. 22 -> 6
	return hour >= start || hour < end
}

// RankAndSelect ranks candidates by score descending, tie-broken by
// agent_id ascending, and returns the top topK whose score meets
// minScore (spec §4.7 step 5). Suppressed candidates are excluded
// regardless of score.
func RankAndSelect(candidates []Candidate, topK int, minScore float64) []Candidate {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Suppressed {
			continue
		}
		if c.Score < minScore {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Worker.AgentID < eligible[j].Worker.AgentID
	})

	if topK > 0 && len(eligible) > topK {
		eligible = eligible[:topK]
	}
	return eligible
}
