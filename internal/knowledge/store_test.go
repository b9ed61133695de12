package knowledge

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/classify"
)

func testRecord(fingerprint string) classify.Record {
	return classify.Record{
		Fingerprint: fingerprint,
		Kind:        classify.KindUndefinedReference,
		Message:     "name 'Cricle' is not defined",
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertOccurrenceMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev := 0
	for i := 0; i < 5; i++ {
		rule, err := s.UpsertOccurrence(ctx, testRecord("fp-1"), Context{})
		require.NoError(t, err)
		assert.Greater(t, rule.OccurrenceCount, prev, "occurrence count must never decrease")
		prev = rule.OccurrenceCount
	}
	assert.Equal(t, 5, prev)
}

func TestConcurrentUpsertsSameFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two sessions reporting the same fingerprint 5 and 3 times.
	var wg sync.WaitGroup
	for _, n := range []int{5, 3} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := s.UpsertOccurrence(ctx, testRecord("fp-shared"), Context{}); err != nil {
					t.Errorf("upsert failed: %v", err)
				}
			}
		}(n)
	}
	wg.Wait()

	rule, err := s.getRule(ctx, "fp-shared")
	require.NoError(t, err)
	assert.Equal(t, 8, rule.OccurrenceCount)
}

func TestQueryRankingAndCap(t *testing.T) {
	s, err := New(":memory:", Options{MaxRules: 3, EMAAlpha: 0.3})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// 5 rules with distinct occurrence counts.
	for i := 1; i <= 5; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		for j := 0; j < i; j++ {
			_, err := s.UpsertOccurrence(ctx, testRecord(fp), Context{})
			require.NoError(t, err)
		}
	}

	rules, err := s.Query(ctx, Context{})
	require.NoError(t, err)
	require.Len(t, rules, 3, "query must cap results")

	// Ranked by occurrence*rate descending; all rates start equal.
	assert.Equal(t, "fp-5", rules[0].Fingerprint)
	assert.Equal(t, "fp-4", rules[1].Fingerprint)
	assert.Equal(t, "fp-3", rules[2].Fingerprint)
}

func TestQueryContextFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertOccurrence(ctx, testRecord("fp-math"), Context{Domain: "math"})
	require.NoError(t, err)
	_, err = s.UpsertOccurrence(ctx, testRecord("fp-phys"), Context{Domain: "physics"})
	require.NoError(t, err)
	_, err = s.UpsertOccurrence(ctx, testRecord("fp-any"), Context{})
	require.NoError(t, err)

	rules, err := s.Query(ctx, Context{Domain: "math"})
	require.NoError(t, err)

	fps := make([]string, 0, len(rules))
	for _, r := range rules {
		fps = append(fps, r.Fingerprint)
	}
	assert.ElementsMatch(t, []string{"fp-math", "fp-any"}, fps)

	// Wildcard query sees everything.
	all, err := s.Query(ctx, Context{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQueryDifficultyFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertOccurrence(ctx, testRecord("fp-adv"),
		Context{Domain: "math", Difficulty: "advanced"})
	require.NoError(t, err)
	_, err = s.UpsertOccurrence(ctx, testRecord("fp-beg"),
		Context{Domain: "math", Difficulty: "beginner"})
	require.NoError(t, err)
	_, err = s.UpsertOccurrence(ctx, testRecord("fp-any"), Context{Domain: "math"})
	require.NoError(t, err)

	rules, err := s.Query(ctx, Context{Domain: "math", Difficulty: "beginner"})
	require.NoError(t, err)

	fps := make([]string, 0, len(rules))
	for _, r := range rules {
		fps = append(fps, r.Fingerprint)
	}
	assert.ElementsMatch(t, []string{"fp-beg", "fp-any"}, fps,
		"rules scoped to another difficulty must not be retrieved")

	// A query without a difficulty still sees everything.
	all, err := s.Query(ctx, Context{Domain: "math"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordOutcomeEMA(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertOccurrence(ctx, testRecord("fp-ema"), Context{})
	require.NoError(t, err)

	// Initial rate 0.5; one success with alpha 0.3 gives 0.65.
	require.NoError(t, s.RecordOutcome(ctx, "fp-ema", true))
	rule, err := s.getRule(ctx, "fp-ema")
	require.NoError(t, err)
	assert.InDelta(t, 0.65, rule.SuccessRate, 1e-9)

	// A failure pulls it back: 0.7*0.65 = 0.455.
	require.NoError(t, s.RecordOutcome(ctx, "fp-ema", false))
	rule, err = s.getRule(ctx, "fp-ema")
	require.NoError(t, err)
	assert.InDelta(t, 0.455, rule.SuccessRate, 1e-9)

	// Unknown fingerprint is an error, not a silent insert.
	assert.Error(t, s.RecordOutcome(ctx, "fp-missing", true))
}

func TestSetFixStrategy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertOccurrence(ctx, testRecord("fp-fix"), Context{})
	require.NoError(t, err)

	require.NoError(t, s.SetFixStrategy(ctx, "fp-fix", "replace ShowCreation with Create", "static-rewrite"))

	rule, err := s.getRule(ctx, "fp-fix")
	require.NoError(t, err)
	assert.Equal(t, "replace ShowCreation with Create", rule.RuleText)
	assert.Equal(t, "static-rewrite", rule.FixStrategy)

	assert.Error(t, s.SetFixStrategy(ctx, "fp-nope", "x", "y"))
}

func TestSessionMetricsAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertOccurrence(ctx, testRecord("fp-a"), Context{})
	require.NoError(t, err)

	require.NoError(t, s.RecordSessionMetrics(ctx, SessionMetrics{
		SessionID:    "sess-1",
		Outcome:      "success",
		QualityScore: 0.9,
		Attempts:     2,
		ElapsedMs:    4200,
		RulesApplied: 1,
	}))
	require.NoError(t, s.RecordSessionMetrics(ctx, SessionMetrics{
		SessionID: "sess-2",
		Outcome:   "exhausted",
		Attempts:  4,
		ElapsedMs: 90000,
	}))

	st, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RuleCount)
	assert.Equal(t, 2, st.SessionCount)
	assert.Equal(t, 1, st.CountsByKind[classify.KindUndefinedReference])
	assert.False(t, math.IsNaN(st.RecentSuccess))
	assert.InDelta(t, 0.5, st.RecentSuccess, 1e-9)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.db")
	ctx := context.Background()

	s, err := New(path, DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.UpsertOccurrence(ctx, testRecord("fp-durable"), Context{})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	reopened, err := New(path, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	rule, err := reopened.getRule(ctx, "fp-durable")
	require.NoError(t, err)
	assert.Equal(t, 3, rule.OccurrenceCount)
}
