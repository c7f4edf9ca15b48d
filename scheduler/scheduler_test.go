package scheduler

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outreachflow/outreachflow/precheck"
	"github.com/outreachflow/outreachflow/state"
)

type fakeSource struct {
	candidates []Candidate
	statuses   []state.RecordStatus
	limit      int
}

func (f *fakeSource) ListEligible(_ context.Context, statuses []state.RecordStatus, limit int) ([]Candidate, error) {
	f.statuses = statuses
	f.limit = limit
	return f.candidates, nil
}

type fakeRunner struct {
	run  func(threadID string, input *state.ThreadState) (*state.ThreadState, error)
	seen []string
}

func (f *fakeRunner) Run(_ context.Context, threadID string, input *state.ThreadState) (*state.ThreadState, error) {
	f.seen = append(f.seen, threadID)
	return f.run(threadID, input)
}

func candidate(id string, stats precheck.Snapshot) Candidate {
	return Candidate{
		ThreadID: "thread-" + id,
		Record:   &state.Record{ID: id, Title: "Invoice " + id, Status: state.RecordOpen},
		Stats:    stats,
	}
}

func eligible() precheck.Snapshot {
	return precheck.Snapshot{
		ActionCount:         0,
		DaysSinceLastAction: math.Inf(1),
		DaysSinceLastUpdate: 10,
		DaysSinceCreation:   10,
	}
}

func TestTickSkipsStaticBeforeRunning(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		candidate("r1", precheck.Snapshot{ActionCount: 5, DaysSinceLastAction: 100, DaysSinceCreation: 100}),
	}}
	runner := &fakeRunner{run: func(string, *state.ThreadState) (*state.ThreadState, error) {
		t.Fatal("runner must not be called for statically skipped records")
		return nil, nil
	}}

	s := New(source, runner, precheck.DefaultRules())
	report, err := s.Tick(context.Background(), "collections")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[OutcomeSkippedStatic])
	assert.Empty(t, runner.seen)
	assert.Equal(t, []state.RecordStatus{state.RecordOpen}, source.statuses)
	assert.Equal(t, 10, source.limit)
}

func TestTickClassifiesActionTaken(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{candidate("r1", eligible())}}
	runner := &fakeRunner{run: func(_ string, input *state.ThreadState) (*state.ThreadState, error) {
		final := input.Clone()
		final.Attempts = 1
		final.WaitingForResponse = true
		return final, nil
	}}

	s := New(source, runner, precheck.DefaultRules())
	report, err := s.Tick(context.Background(), "collections")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[OutcomeActionTaken])
	assert.Equal(t, []string{"thread-r1"}, runner.seen)
}

func TestTickClassifiesSkippedAI(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{candidate("r1", eligible())}}
	runner := &fakeRunner{run: func(_ string, input *state.ThreadState) (*state.ThreadState, error) {
		// The model looked and decided to do nothing this tick.
		return input.Clone(), nil
	}}

	s := New(source, runner, precheck.DefaultRules())
	report, err := s.Tick(context.Background(), "collections")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[OutcomeSkippedAI])
}

func TestTickClassifiesErrors(t *testing.T) {
	source := &fakeSource{candidates: []Candidate{
		candidate("r1", eligible()),
		candidate("r2", eligible()),
	}}
	runner := &fakeRunner{run: func(threadID string, input *state.ThreadState) (*state.ThreadState, error) {
		if threadID == "thread-r1" {
			return nil, fmt.Errorf("llm unavailable")
		}
		final := input.Clone()
		final.WorkflowStatus = state.WorkflowCompleted
		return final, nil
	}}

	s := New(source, runner, precheck.DefaultRules())
	report, err := s.Tick(context.Background(), "collections")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts[OutcomeError])
	assert.Equal(t, 1, report.Counts[OutcomeActionTaken])
	assert.Equal(t, 2, report.Total)
}

func TestTickRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	source := &fakeSource{candidates: []Candidate{candidate("r1", eligible())}}
	runner := &fakeRunner{run: func(_ string, input *state.ThreadState) (*state.ThreadState, error) {
		final := input.Clone()
		final.Attempts = 1
		return final, nil
	}}

	s := New(source, runner, precheck.DefaultRules(), WithMetrics(metrics))
	_, err := s.Tick(context.Background(), "collections")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "outreachflow_scheduler_ticks_total")
	assert.Contains(t, names, "outreachflow_scheduler_records_total")
}

func TestRegisterRejectsBadCron(t *testing.T) {
	s := New(&fakeSource{}, &fakeRunner{run: func(string, *state.ThreadState) (*state.ThreadState, error) {
		return nil, nil
	}}, precheck.DefaultRules())

	assert.Error(t, s.Register("collections", "not a cron"))
	assert.NoError(t, s.Register("collections", "*/5 * * * *"))
}
