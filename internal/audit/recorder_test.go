package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/advisor/internal/identity"
)

func recordN(t *testing.T, r Recorder, n int, sagaID string) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := r.Record(context.Background(), Event{
			AgentID:        "agent:test:1",
			AgentAuthority: identity.AuthorityTradeMedium,
			EventType:      EventStepExecuted,
			SagaID:         sagaID,
			StepName:       fmt.Sprintf("Step%d", i),
			ActionTaken:    "executed forward action",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	r := NewMemoryRecorder()
	id, err := r.Record(context.Background(), Event{EventType: EventSagaStarted})
	require.NoError(t, err)
	assert.Contains(t, id, "evt_")

	events, err := r.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestQueryFilters(t *testing.T) {
	r := NewMemoryRecorder()
	recordN(t, r, 3, "saga-a")
	recordN(t, r, 2, "saga-b")

	events, err := r.Query(context.Background(), Filter{SagaID: "saga-a"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = r.Query(context.Background(), Filter{AgentID: "agent:other"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueryAscendingOrder(t *testing.T) {
	r := NewMemoryRecorder()
	recordN(t, r, 10, "saga-a")

	events, err := r.Query(context.Background(), Filter{SagaID: "saga-a"})
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		ordered := prev.Timestamp.Before(cur.Timestamp) ||
			(prev.Timestamp.Equal(cur.Timestamp) && prev.EventID < cur.EventID)
		assert.True(t, ordered, "events out of order at %d", i)
	}
}

func TestCursorPagingIsStable(t *testing.T) {
	r := NewMemoryRecorder()
	recordN(t, r, 7, "saga-a")

	var (
		seen   []string
		cursor Event
	)
	filter := Filter{SagaID: "saga-a", Limit: 3}
	for {
		events, err := r.Query(context.Background(), filter)
		require.NoError(t, err)
		if len(events) == 0 {
			break
		}
		// Appends between pages must not disturb the cursor walk.
		recordN(t, r, 1, "saga-other")
		for _, e := range events {
			seen = append(seen, e.EventID)
		}
		cursor = events[len(events)-1]
		filter.CursorTime = cursor.Timestamp
		filter.CursorID = cursor.EventID
	}

	assert.Len(t, seen, 7)
	uniq := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		uniq[id] = struct{}{}
	}
	assert.Len(t, uniq, 7, "cursor paging returned duplicates")
}

func TestBuildReport(t *testing.T) {
	r := NewMemoryRecorder()
	_, err := r.Record(context.Background(), Event{
		AgentID:   "agent:a",
		EventType: EventComplianceCheck,
		RuleResults: []RuleResult{
			{RuleID: "cash_floor", Passed: true},
			{RuleID: "trade_size", Passed: false, Reason: "too large"},
		},
	})
	require.NoError(t, err)
	recordN(t, r, 2, "saga-a")

	report, err := BuildReport(context.Background(), r, Filter{To: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalEvents)
	assert.Equal(t, 1, report.EventsByType[EventComplianceCheck])
	assert.Equal(t, 2, report.EventsByType[EventStepExecuted])
	assert.Equal(t, RuleStats{Passed: 1}, report.RuleSummary["cash_floor"])
	assert.Equal(t, RuleStats{Failed: 1}, report.RuleSummary["trade_size"])
}
