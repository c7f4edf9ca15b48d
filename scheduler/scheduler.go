// Package scheduler drives outreach workflows on a cron cadence. Each tick
// lists eligible records, gates them through the static pre-check and runs
// the graph for the survivors. At most one tick per workflow is in flight
// at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outreachflow/outreachflow/graph"
	"github.com/outreachflow/outreachflow/log"
	"github.com/outreachflow/outreachflow/precheck"
	"github.com/outreachflow/outreachflow/state"
	"github.com/outreachflow/outreachflow/store"
)

// Candidate is one eligible record returned by the source, together with
// the statistics the pre-check evaluates.
type Candidate struct {
	ThreadID string
	Record   *state.Record
	Contact  *state.Contact
	Stats    precheck.Snapshot
}

// Source enumerates eligible records from the system of record, filtered
// by status and capped by limit, oldest-updated first.
type Source interface {
	ListEligible(ctx context.Context, statuses []state.RecordStatus, limit int) ([]Candidate, error)
}

// Runner executes a workflow run for one record. Implementations treat an
// interrupt pause as a normal outcome, not an error.
type Runner interface {
	Run(ctx context.Context, threadID string, input *state.ThreadState) (*state.ThreadState, error)
}

// Outcome classifies a per-record tick result.
type Outcome string

const (
	OutcomeActionTaken   Outcome = "action_taken"
	OutcomeSkippedStatic Outcome = "skipped_static"
	OutcomeSkippedAI     Outcome = "skipped_ai"
	OutcomeError         Outcome = "error"
)

// TickReport aggregates the per-record outcomes of one tick.
type TickReport struct {
	Workflow string
	Started  time.Time
	Duration time.Duration
	Total    int
	Counts   map[Outcome]int
}

// Scheduler runs registered workflows on their cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	source  Source
	runner  Runner
	rules   precheck.Rules
	logger  log.Logger
	metrics *Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches tick metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler over a record source and a workflow runner.
func New(source Source, runner Runner, rules precheck.Rules, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		source: source,
		runner: runner,
		rules:  rules,
		logger: log.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register schedules a workflow on a cron expression. Overlapping ticks of
// the same workflow are skipped, not queued.
func (s *Scheduler) Register(workflow, cronExpr string) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if _, err := s.Tick(context.Background(), workflow); err != nil {
			s.logger.Error("workflow %s: tick failed: %v", workflow, err)
		}
	}))
	if _, err := s.cron.AddJob(cronExpr, job); err != nil {
		return fmt.Errorf("workflow %s: invalid cron expression %q: %w", workflow, cronExpr, err)
	}
	return nil
}

// Start begins running registered schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for in-flight ticks.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one scheduling pass for a workflow and reports the outcomes.
func (s *Scheduler) Tick(ctx context.Context, workflow string) (*TickReport, error) {
	started := time.Now()
	report := &TickReport{
		Workflow: workflow,
		Started:  started,
		Counts:   make(map[Outcome]int),
	}

	candidates, err := s.source.ListEligible(ctx, s.rules.EnabledStatuses, s.rules.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: listing eligible records: %w", workflow, err)
	}

	for _, c := range candidates {
		outcome := s.process(ctx, workflow, c)
		report.Counts[outcome]++
		report.Total++
		if s.metrics != nil {
			s.metrics.RecordOutcome(workflow, string(outcome))
		}
	}

	report.Duration = time.Since(started)
	if s.metrics != nil {
		s.metrics.ObserveTick(workflow, report.Duration)
	}
	s.logger.Info("workflow %s: tick processed %d records in %s (%v)",
		workflow, report.Total, report.Duration, report.Counts)
	return report, nil
}

func (s *Scheduler) process(ctx context.Context, workflow string, c Candidate) Outcome {
	decision := precheck.Evaluate(s.rules, c.Stats)
	if !decision.Proceed {
		s.logger.Debug("workflow %s: record %s skipped (%s)", workflow, c.Record.ID, decision.Reason)
		return OutcomeSkippedStatic
	}

	input := state.New(c.Record, c.Contact)
	final, err := s.runner.Run(ctx, c.ThreadID, input)
	if err != nil {
		// A thread paused at an interrupt in a previous tick stays paused
		// until its external resume arrives; that is not an error.
		if errors.Is(err, store.ErrLeaseHeld) {
			s.logger.Debug("workflow %s: record %s busy, skipping", workflow, c.Record.ID)
			return OutcomeSkippedAI
		}
		s.logger.Error("workflow %s: record %s run failed: %v", workflow, c.Record.ID, err)
		return OutcomeError
	}
	if final == nil {
		return OutcomeError
	}

	// The model can decide nothing is needed without any outbound action.
	if final.Attempts > input.Attempts || final.WaitingForResponse ||
		final.WorkflowStatus != state.WorkflowRunning {
		return OutcomeActionTaken
	}
	return OutcomeSkippedAI
}

// GraphRunner adapts a graph runtime to the Runner interface, treating an
// interrupt pause as a successful outcome.
type GraphRunner struct {
	Runtime *graph.Runtime
}

func (r *GraphRunner) Run(ctx context.Context, threadID string, input *state.ThreadState) (*state.ThreadState, error) {
	final, err := r.Runtime.Invoke(ctx, threadID, input)
	var gi *graph.GraphInterrupt
	if errors.As(err, &gi) {
		return final, nil
	}
	return final, err
}
