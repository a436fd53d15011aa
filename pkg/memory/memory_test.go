package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{Path: t.TempDir(), HalfLifeHours: 72, DecayAlpha: 0.5}, nil)
	t.Cleanup(s.Close)
	return s
}

func TestRecencyBreaksTiesBetweenEqualRecords(t *testing.T) {
	s := newTestStore(t)

	old := stamp(Record{Text: "deploy checklist for api service", Importance: 0.5})
	old.Timestamp = time.Now().UTC().Add(-100 * time.Hour)
	fresh := stamp(Record{Text: "deploy checklist for api service", Importance: 0.5})
	fresh.Timestamp = time.Now().UTC().Add(-1 * time.Hour)

	_, err := s.WriteSync(context.Background(), old)
	require.NoError(t, err)
	_, err = s.WriteSync(context.Background(), fresh)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "deploy checklist", 5, 30)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, fresh.ID, results[0].ID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestRecordsOutsideWindowNeverReturned(t *testing.T) {
	s := newTestStore(t)

	stale := stamp(Record{Text: "ancient migration notes", Importance: 0.9})
	stale.Timestamp = time.Now().UTC().Add(-40 * 24 * time.Hour)
	_, err := s.WriteSync(context.Background(), stale)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "ancient migration notes", 5, 30)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecencyBonusMonotoneDecreasing(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	prev := s.recencyBonus(now, now)
	for _, hours := range []float64{1, 10, 72, 200, 1000} {
		bonus := s.recencyBonus(now, now.Add(-time.Duration(hours*float64(time.Hour))))
		assert.Less(t, bonus, prev, "bonus must strictly decrease with age")
		prev = bonus
	}
}

func TestAsyncWriteBecomesSearchable(t *testing.T) {
	s := New(Config{Path: t.TempDir()}, nil)

	id := s.Write(Record{Text: "retry budget exhausted on flaky stage", Importance: 0.4})
	require.NotEmpty(t, id)
	s.Close()

	results, err := s.Search(context.Background(), "retry budget flaky", 5, 30)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestPruneDropsExpiredTaskStateOnly(t *testing.T) {
	s := New(Config{Path: t.TempDir(), TaskTTLDays: 7, TimeWindowDays: 365}, nil)
	t.Cleanup(s.Close)

	expired := stamp(Record{Text: "phase two in flight", Category: "task_state"})
	expired.Timestamp = time.Now().UTC().Add(-10 * 24 * time.Hour)
	rule := stamp(Record{Text: "pin the linter version in ci", Category: "golden_rule"})
	rule.Timestamp = time.Now().UTC().Add(-10 * 24 * time.Hour)

	_, err := s.WriteSync(context.Background(), expired)
	require.NoError(t, err)
	_, err = s.WriteSync(context.Background(), rule)
	require.NoError(t, err)

	require.NoError(t, s.Prune())

	results, err := s.Search(context.Background(), "", 10, 365)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "golden_rule", results[0].Category)
}

func TestStampFillsDefaults(t *testing.T) {
	rec := stamp(Record{Text: "hello"})
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "general", rec.Category)
	assert.Equal(t, "agent", rec.Source)
	assert.False(t, rec.Timestamp.IsZero())
	assert.InDelta(t, float64(rec.Timestamp.UnixNano())/1e9, rec.TSEpoch, 0.001)
}
