package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWakeScoreAccumulatesSignals(t *testing.T) {
	base := WakeScore(Signals{})
	withOverdue := WakeScore(Signals{TaskOverdue: true})
	require.Greater(t, withOverdue, base)

	everything := WakeScore(Signals{
		TaskOverdue: true, TaskDueWithinHorizon: true, RunningJobOlderThan: true,
		HasPendingApproval: true, HasPendingHelpRequest: true, NewRunEventsSinceLast: true,
		LastReportStatus: ReportStatusUnknown,
	})
	require.Greater(t, everything, withOverdue)
}

func TestInQuietHoursHandlesWraparound(t *testing.T) {
	require.True(t, InQuietHours(23, 22, 6))
	require.True(t, InQuietHours(2, 22, 6))
	require.False(t, InQuietHours(10, 22, 6))
	require.False(t, InQuietHours(5, 5, 5))
}

func TestRankAndSelectOrdersByScoreThenAgentID(t *testing.T) {
	candidates := []Candidate{
		{Worker: Worker{AgentID: "b"}, Score: 5},
		{Worker: Worker{AgentID: "a"}, Score: 5},
		{Worker: Worker{AgentID: "c"}, Score: 8},
		{Worker: Worker{AgentID: "d"}, Score: 1, Suppressed: true},
	}
	chosen := RankAndSelect(candidates, 2, 2)
	require.Len(t, chosen, 2)
	require.Equal(t, "c", chosen[0].Worker.AgentID)
	require.Equal(t, "a", chosen[1].Worker.AgentID)
}

func TestShouldSuppressOnlyWhenOKAndUnchangedAndWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := WorkerState{
		LastReportStatus: ReportStatusOK,
		LastContextHash:  "hash1",
		SuppressedUntil:  now.Add(time.Hour),
	}
	require.True(t, ShouldSuppress(state, "hash1", now))
	require.False(t, ShouldSuppress(state, "hash2", now))
	require.False(t, ShouldSuppress(state, "hash1", now.Add(2*time.Hour)))

	state.LastReportStatus = ReportStatusActions
	require.False(t, ShouldSuppress(state, "hash1", now))
}

func TestApplyReportSetsSuppressionOnOK(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := ApplyReport(WorkerState{}, ReportStatusOK, 30, now)
	require.Equal(t, ReportStatusOK, state.LastReportStatus)
	require.Equal(t, now.Add(30*time.Minute), state.SuppressedUntil)
}

type fakeStateStore struct {
	mu    sync.Mutex
	saved map[string]State
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{saved: make(map[string]State)}
}

func (f *fakeStateStore) Load(workspace string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[workspace], nil
}

func (f *fakeStateStore) Save(workspace string, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[workspace] = state
	return nil
}

func TestNewServiceParsesTickCronOverIntervalMinutes(t *testing.T) {
	svc := NewService("ws1", Config{TickCron: "*/15 * * * *", TickIntervalMinutes: 5},
		nil, nil, nil, newFakeStateStore())
	require.NotNil(t, svc.schedule)

	now := time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC)
	require.Equal(t, 14*time.Minute, svc.nextInterval(now))
}

func TestNewServiceFallsBackToIntervalOnInvalidCron(t *testing.T) {
	svc := NewService("ws1", Config{TickCron: "not a cron expr", TickIntervalMinutes: 5},
		nil, nil, nil, newFakeStateStore())
	require.Nil(t, svc.schedule)
	require.Equal(t, 5*time.Minute, svc.nextInterval(time.Now()))
}

func TestServiceTickDispatchesTopKAboveThreshold(t *testing.T) {
	workers := []Worker{{AgentID: "alice", Role: RoleWorker}, {AgentID: "bob", Role: RoleWorker}}
	signalsFor := map[string]Signals{
		"alice": {TaskOverdue: true},
		"bob":   {},
	}

	var mu sync.Mutex
	var dispatched []string

	store := newFakeStateStore()
	svc := NewService("ws1", Config{
		Enabled: true, TickIntervalMinutes: 5, TopKWorkers: 1, MinWakeScore: 1,
		JitterMaxSeconds: 0,
	},
		func(ctx context.Context, workspace string) ([]Worker, error) { return workers, nil },
		func(ctx context.Context, workspace string, w Worker) (Signals, error) { return signalsFor[w.AgentID], nil },
		func(ctx context.Context, workspace string, w Worker, jitter time.Duration) error {
			mu.Lock()
			dispatched = append(dispatched, w.AgentID)
			mu.Unlock()
			return nil
		},
		store,
	)

	require.NoError(t, svc.Tick(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"alice"}, dispatched)
}
