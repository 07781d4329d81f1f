package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder is the append-only event sink. Record never overwrites or
// removes prior events; Query returns events ascending by (timestamp,
// event ID) so callers can page with a stable cursor.
type Recorder interface {
	Record(ctx context.Context, event Event) (string, error)
	Query(ctx context.Context, filter Filter) ([]Event, error)
}

// MemoryRecorder is the in-process Recorder used by default and in tests.
// Events are kept in append order; queries copy, never expose internals.
type MemoryRecorder struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends the event and returns its ID. The event is stamped if the
// caller did not already do so.
func (r *MemoryRecorder) Record(_ context.Context, event Event) (string, error) {
	if event.EventID == "" {
		event = NewEvent(event)
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	log.Debug().
		Str("event_id", event.EventID).
		Str("event_type", string(event.EventType)).
		Str("saga_id", event.SagaID).
		Str("agent_id", event.AgentID).
		Msg("audit event recorded")

	return event.EventID, nil
}

// Query returns matching events sorted ascending by (timestamp, event ID).
func (r *MemoryRecorder) Query(_ context.Context, filter Filter) ([]Event, error) {
	r.mu.RLock()
	matched := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].EventID < matched[j].EventID
	})

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func matches(e Event, f Filter) bool {
	if f.SagaID != "" && e.SagaID != f.SagaID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if !f.CursorTime.IsZero() {
		if e.Timestamp.Before(f.CursorTime) {
			return false
		}
		if e.Timestamp.Equal(f.CursorTime) && e.EventID <= f.CursorID {
			return false
		}
	}
	return true
}

// BuildReport aggregates events matching the time range into a compliance
// report.
func BuildReport(ctx context.Context, recorder Recorder, filter Filter) (Report, error) {
	events, err := recorder.Query(ctx, filter)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		GeneratedAt:   time.Now().UTC(),
		From:          filter.From,
		To:            filter.To,
		TotalEvents:   len(events),
		EventsByType:  make(map[EventType]int),
		EventsByAgent: make(map[string]int),
		RuleSummary:   make(map[string]RuleStats),
	}
	for _, e := range events {
		report.EventsByType[e.EventType]++
		report.EventsByAgent[e.AgentID]++
		for _, rr := range e.RuleResults {
			stats := report.RuleSummary[rr.RuleID]
			if rr.Passed {
				stats.Passed++
			} else {
				stats.Failed++
			}
			report.RuleSummary[rr.RuleID] = stats
		}
	}
	return report, nil
}
