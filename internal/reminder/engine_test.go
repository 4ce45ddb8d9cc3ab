package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberhub/internal/model"
)

type fakeStore struct {
	roster []RosterEntry
	marked map[int64]time.Time
}

func newFakeStore(roster ...RosterEntry) *fakeStore {
	return &fakeStore{roster: roster, marked: map[int64]time.Time{}}
}

func (f *fakeStore) ListEventRoster(_ context.Context, _ int64) ([]RosterEntry, error) {
	out := make([]RosterEntry, len(f.roster))
	copy(out, f.roster)
	for i, entry := range out {
		if sentAt, ok := f.marked[entry.MemberID]; ok {
			stamp := sentAt
			out[i].LastSentAt = &stamp
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRemindersSent(_ context.Context, _ int64, memberIDs []int64, sentAt time.Time) error {
	for _, id := range memberIDs {
		f.marked[id] = sentAt
	}
	return nil
}

func TestSelectTargetsFiltersByStatus(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(
		RosterEntry{MemberID: 1, Status: model.AttendanceNone},
		RosterEntry{MemberID: 2, Status: model.AttendanceUndecided},
		RosterEntry{MemberID: 3, Status: model.AttendanceAttending},
		RosterEntry{MemberID: 4, Status: model.AttendanceAbsent},
	)
	engine := NewEngine(store, DefaultConfig())

	targets, err := engine.SelectTargets(context.Background(), 10, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, targets)
}

func TestSelectTargetsResendInterval(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-23 * time.Hour)
	exactly := now.Add(-24 * time.Hour)
	old := now.Add(-30 * time.Hour)
	store := newFakeStore(
		RosterEntry{MemberID: 1, Status: model.AttendanceUndecided, LastSentAt: &recent},
		RosterEntry{MemberID: 2, Status: model.AttendanceUndecided, LastSentAt: &exactly},
		RosterEntry{MemberID: 3, Status: model.AttendanceNone, LastSentAt: &old},
	)
	engine := NewEngine(store, DefaultConfig())

	targets, err := engine.SelectTargets(context.Background(), 10, now)
	require.NoError(t, err)
	// Included again exactly at the interval boundary, excluded within it.
	assert.ElementsMatch(t, []int64{2, 3}, targets)
}

func TestMarkSentExcludesUntilIntervalElapses(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore(
		RosterEntry{MemberID: 1, Status: model.AttendanceUndecided},
		RosterEntry{MemberID: 2, Status: model.AttendanceNone},
	)
	engine := NewEngine(store, DefaultConfig())
	ctx := context.Background()

	targets, err := engine.SelectTargets(ctx, 10, now)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	require.NoError(t, engine.MarkSent(ctx, 10, []int64{1}, now))

	targets, err = engine.SelectTargets(ctx, 10, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2}, targets)

	targets, err = engine.SelectTargets(ctx, 10, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, targets)
}

func TestMarkSentEmptyBatchIsNoOp(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, DefaultConfig())
	require.NoError(t, engine.MarkSent(context.Background(), 10, nil, time.Now()))
	assert.Empty(t, store.marked)
}

// Pre-deadline flow from the operator's point of view: an undecided member is
// picked up once, excluded on the next pull, and re-included a day later.
func TestOperatorPullSequence(t *testing.T) {
	deadline := time.Date(2026, 4, 1, 18, 0, 0, 0, time.UTC)
	store := newFakeStore(RosterEntry{MemberID: 1, Status: model.AttendanceUndecided})
	engine := NewEngine(store, DefaultConfig())
	ctx := context.Background()

	targets, err := engine.SelectTargets(ctx, 10, deadline.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []int64{1}, targets)

	require.NoError(t, engine.MarkSent(ctx, 10, targets, deadline.Add(-30*time.Minute)))

	targets, err = engine.SelectTargets(ctx, 10, deadline.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, targets)
}
