// Package analysis runs review councils: parallel voices across
// analysis levels, per-level consolidation, and cross-level
// orchestration, with only the final curated output persisted.
package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/prompt"
	"github.com/in-the-loop-labs/pair-review/internal/redaction"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

const (
	defaultTaskTimeout   = 10 * time.Minute
	defaultRunTimeout    = 30 * time.Minute
	defaultMaxConcurrent = 4
)

// inflightRun tracks a running council for cancellation.
type inflightRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler coordinates council runs.
type Scheduler struct {
	clients   llm.Registry
	prompts   *prompt.Library
	store     store.Store
	publisher Publisher
	broker    *progress.Broker
	source    ContextSource
	redactor  *redaction.Engine
	logger    *zap.Logger

	taskTimeout   time.Duration
	runTimeout    time.Duration
	maxConcurrent int

	mu   sync.Mutex
	runs map[string]*inflightRun
	seqs map[string]*int
}

// NewScheduler wires the scheduler dependencies.
func NewScheduler(clients llm.Registry, prompts *prompt.Library, st store.Store, publisher Publisher, broker *progress.Broker, source ContextSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clients:       clients,
		prompts:       prompts,
		store:         st,
		publisher:     publisher,
		broker:        broker,
		source:        source,
		redactor:      redaction.NewEngine(),
		logger:        logger,
		taskTimeout:   defaultTaskTimeout,
		runTimeout:    defaultRunTimeout,
		maxConcurrent: defaultMaxConcurrent,
		runs:          make(map[string]*inflightRun),
		seqs:          make(map[string]*int),
	}
}

// SetTimeouts overrides the per-task and per-run deadlines.
func (s *Scheduler) SetTimeouts(task, run time.Duration) {
	s.taskTimeout = task
	s.runTimeout = run
}

// SetMaxConcurrent bounds simultaneous LLM calls per run.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n > 0 {
		s.maxConcurrent = n
	}
}

// StartCouncil validates the council, records the run, and launches it
// in the background. The returned run id keys the progress topic.
func (s *Scheduler) StartCouncil(ctx context.Context, sessionID string, cfg domain.CouncilConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("invalid council config: %w", err)
	}

	sc, err := s.source.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	run := domain.AnalysisRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Council:   cfg,
		State:     domain.RunRunning,
		StartedAt: time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	f := &inflightRun{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[run.ID] = f
	s.mu.Unlock()

	go func() {
		defer close(f.done)
		defer cancel()
		s.runCouncil(runCtx, run, sc)

		s.mu.Lock()
		delete(s.runs, run.ID)
		delete(s.seqs, run.ID)
		s.mu.Unlock()
	}()

	return run.ID, nil
}

// Cancel stops a running council. Cancelling an unknown or finished
// run is a no-op.
func (s *Scheduler) Cancel(runID string) {
	s.mu.Lock()
	f, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		f.cancel()
	}
}

// Wait blocks until the run finishes; for tests and shutdown.
func (s *Scheduler) Wait(runID string) {
	s.mu.Lock()
	f, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		<-f.done
	}
}

// publish emits a sequenced run event to the pubsub topic and mirrors
// it into the progress broker so late subscribers can replay.
func (s *Scheduler) publish(runID string, event RunEvent) {
	s.mu.Lock()
	seq, ok := s.seqs[runID]
	if !ok {
		seq = new(int)
		s.seqs[runID] = seq
	}
	*seq++
	event.Seq = *seq
	s.mu.Unlock()

	event.RunID = runID
	s.publisher.Publish(RunTopic(runID), event)
	s.broker.Publish(runID, event.Event, event)

	if event.Event == EventRunFinished {
		s.broker.Publish(runID, progress.EventComplete, event)
	}
}
