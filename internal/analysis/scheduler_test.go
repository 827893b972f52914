package analysis_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
	"github.com/in-the-loop-labs/pair-review/internal/adapter/store/sqlite"
	"github.com/in-the-loop-labs/pair-review/internal/analysis"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/progress"
	"github.com/in-the-loop-labs/pair-review/internal/prompt"
	"github.com/in-the-loop-labs/pair-review/internal/store"
)

// stubClient answers completions from a function.
type stubClient struct {
	fn func(req llm.Request) (llm.Response, error)
}

func (s *stubClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	return s.fn(req)
}
func (s *stubClient) MaxConcurrent() int { return 4 }

// blockingClient parks until the context dies.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return llm.Response{}, ctx.Err()
}
func (b *blockingClient) MaxConcurrent() int { return 4 }

// recordingPublisher captures run events in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []analysis.RunEvent
}

func (p *recordingPublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, payload.(analysis.RunEvent))
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

func (p *recordingPublisher) last() analysis.RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, e := range p.events {
			if e.Event == event {
				p.mu.Unlock()
				return
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never published", event)
}

// fakeSource serves a fixed session context.
type fakeSource struct {
	sc     analysis.SessionContext
	counts map[string]int
}

func (f *fakeSource) Load(ctx context.Context, sessionID string) (analysis.SessionContext, error) {
	return f.sc, nil
}
func (f *fakeSource) FileContents(sc analysis.SessionContext, files []string) string {
	return strings.Join(files, "\n")
}
func (f *fakeSource) LineCounts(sc analysis.SessionContext, files []string) map[string]int {
	return f.counts
}
func (f *fakeSource) RelatedFiles(ctx context.Context, sc analysis.SessionContext) ([]string, error) {
	return nil, nil
}

const schedulerDiff = `diff --git a/a.js b/a.js
index 1111111..2222222 100644
--- a/a.js
+++ b/a.js
@@ -1,2 +1,3 @@
 const x = 1
+const y = 2
 console.log(x)
`

func reviewJSON(suggestions ...map[string]any) string {
	raw, _ := json.Marshal(map[string]any{"summary": "reviewed", "suggestions": suggestions})
	return "```json\n" + string(raw) + "\n```"
}

func suggestionAt(file string, start, end int, title string, conf float64) map[string]any {
	return map[string]any{
		"file": file, "line_start": start, "line_end": end,
		"type": "bug", "title": title, "description": "desc", "confidence": conf,
	}
}

type harness struct {
	st        *sqlite.Store
	scheduler *analysis.Scheduler
	pub       *recordingPublisher
	session   domain.Session
}

func newHarness(t *testing.T, clients llm.Registry, counts map[string]int) *harness {
	t.Helper()

	st, err := sqlite.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	session, err := st.UpsertSession(context.Background(),
		store.SessionKey{PR: &domain.PRKey{Owner: "acme", Repo: "widget", Number: 42}})
	require.NoError(t, err)

	lib, err := prompt.NewLibrary()
	require.NoError(t, err)

	pub := &recordingPublisher{}
	broker := progress.NewBroker(nil)
	broker.SetGrace(time.Hour)

	source := &fakeSource{
		sc: analysis.SessionContext{
			Session:  session,
			Snapshot: domain.PRSnapshot{UnifiedDiff: schedulerDiff, ChangedFiles: []domain.FileChange{{Path: "a.js"}}},
		},
		counts: counts,
	}

	scheduler := analysis.NewScheduler(clients, lib, st, pub, broker, source, nil)
	return &harness{st: st, scheduler: scheduler, pub: pub, session: session}
}

func councilL1(voices ...domain.Voice) domain.CouncilConfig {
	return domain.CouncilConfig{
		Voices:        voices,
		Levels:        map[int]bool{1: true},
		Consolidation: domain.Voice{Provider: "anthropic", Model: "merge-model"},
	}
}

func TestRun_FailingVoiceIsIsolated(t *testing.T) {
	claude := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		return llm.Response{Text: reviewJSON(suggestionAt("a.js", 2, 2, "shadowed const", 0.8))}, nil
	}}
	gemini := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		return llm.Response{Text: "I could not produce valid output, sorry!"}, nil
	}}

	h := newHarness(t, llm.Registry{"anthropic": claude, "gemini": gemini}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(
			domain.Voice{Provider: "anthropic", Model: "claude"},
			domain.Voice{Provider: "gemini", Model: "gemini-pro"},
		))
	require.NoError(t, err)
	h.scheduler.Wait(runID)

	last := h.pub.last()
	assert.Equal(t, analysis.EventRunFinished, last.Event)
	assert.Equal(t, string(domain.RunDone), last.State)
	require.Len(t, last.Warnings, 1)
	assert.Contains(t, last.Warnings[0], "voice gemini/gemini-pro failed")
	assert.Contains(t, last.Warnings[0], "extraction")

	// Only the surviving voice's curated output is stored.
	final, err := h.st.ListSuggestions(context.Background(), h.session.ID, store.SuggestionFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, "shadowed const", final[0].Title)

	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDone, run.State)
	assert.Equal(t, last.Warnings, run.Warnings)
}

func TestRun_ConsolidationMergesTwoVoices(t *testing.T) {
	voiceResponse := reviewJSON(suggestionAt("a.js", 2, 2, "shadowed const", 0.6))
	merged := reviewJSON(suggestionAt("a.js", 2, 2, "shadowed const", 0.6))

	calls := &struct {
		sync.Mutex
		prompts []string
	}{}
	client := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		calls.Lock()
		calls.prompts = append(calls.prompts, req.Prompt)
		calls.Unlock()
		if strings.Contains(req.Prompt, "consolidating code-review findings") {
			return llm.Response{Text: merged}, nil
		}
		return llm.Response{Text: voiceResponse}, nil
	}}

	h := newHarness(t, llm.Registry{"anthropic": client}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(
			domain.Voice{Provider: "anthropic", Model: "claude-a"},
			domain.Voice{Provider: "anthropic", Model: "claude-b"},
		))
	require.NoError(t, err)
	h.scheduler.Wait(runID)

	assert.Equal(t, string(domain.RunDone), h.pub.last().State)

	// Two agreeing voices boost the merged finding's confidence.
	final, err := h.st.ListSuggestions(context.Background(), h.session.ID, store.SuggestionFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.InDelta(t, 0.7, final[0].Confidence, 1e-9)

	calls.Lock()
	defer calls.Unlock()
	assert.Len(t, calls.prompts, 3, "two voice calls plus one consolidation call")
}

func TestRun_CancelMidFlight(t *testing.T) {
	blocking := &blockingClient{started: make(chan struct{})}
	h := newHarness(t, llm.Registry{"anthropic": blocking}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(domain.Voice{Provider: "anthropic", Model: "claude"}))
	require.NoError(t, err)

	<-blocking.started
	h.scheduler.Cancel(runID)
	h.scheduler.Wait(runID)

	last := h.pub.last()
	assert.Equal(t, analysis.EventRunFinished, last.Event)
	assert.Equal(t, string(domain.RunCancelled), last.State)

	// The store holds no partial suggestions.
	final, err := h.st.ListSuggestions(context.Background(), h.session.ID, store.SuggestionFilter{})
	require.NoError(t, err)
	assert.Empty(t, final)

	run, err := h.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, run.State)
}

func TestRun_AllVoicesFailingFailsRun(t *testing.T) {
	broken := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("provider exploded")
	}}
	h := newHarness(t, llm.Registry{"anthropic": broken}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(domain.Voice{Provider: "anthropic", Model: "claude"}))
	require.NoError(t, err)
	h.scheduler.Wait(runID)

	last := h.pub.last()
	assert.Equal(t, string(domain.RunFailed), last.State)
	assert.NotEmpty(t, last.Warnings)
}

func TestRun_OrchestrationAcrossLevels(t *testing.T) {
	finalList := reviewJSON(suggestionAt("a.js", 2, 2, "curated", 0.9))
	client := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		if strings.Contains(req.Prompt, "final curated review") {
			return llm.Response{Text: finalList}, nil
		}
		return llm.Response{Text: reviewJSON(suggestionAt("a.js", 2, 2, "per-level finding", 0.5))}, nil
	}}

	h := newHarness(t, llm.Registry{"anthropic": client}, map[string]int{"a.js": 10})

	cfg := domain.CouncilConfig{
		Voices:        []domain.Voice{{Provider: "anthropic", Model: "claude"}},
		Levels:        map[int]bool{1: true, 2: true},
		Consolidation: domain.Voice{Provider: "anthropic", Model: "merge-model"},
	}
	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID, cfg)
	require.NoError(t, err)
	h.scheduler.Wait(runID)

	names := h.pub.names()
	assert.Contains(t, names, analysis.EventOrchestrationStarted)
	assert.Equal(t, string(domain.RunDone), h.pub.last().State)

	final, err := h.st.ListSuggestions(context.Background(), h.session.ID, store.SuggestionFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, "curated", final[0].Title)
}

func TestRun_SuggestionBeyondEOFConvertsToFileLevel(t *testing.T) {
	client := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		return llm.Response{Text: reviewJSON(suggestionAt("a.js", 999, 999, "phantom line", 0.7))}, nil
	}}
	h := newHarness(t, llm.Registry{"anthropic": client}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(domain.Voice{Provider: "anthropic", Model: "claude"}))
	require.NoError(t, err)
	h.scheduler.Wait(runID)

	final, err := h.st.ListSuggestions(context.Background(), h.session.ID, store.SuggestionFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, final, 1)

	got := final[0]
	assert.True(t, got.IsFileLevel)
	assert.Nil(t, got.LineStart)
	assert.Nil(t, got.LineEnd)
	assert.Equal(t, "phantom line", got.Title)
	assert.Equal(t, domain.SuggestionBug, got.Type)
	assert.Equal(t, "desc", got.Description)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
}

func TestRun_EventsAreSequenced(t *testing.T) {
	client := &stubClient{fn: func(req llm.Request) (llm.Response, error) {
		return llm.Response{Text: reviewJSON(suggestionAt("a.js", 2, 2, "x", 0.5))}, nil
	}}
	h := newHarness(t, llm.Registry{"anthropic": client}, map[string]int{"a.js": 10})

	runID, err := h.scheduler.StartCouncil(context.Background(), h.session.ID,
		councilL1(domain.Voice{Provider: "anthropic", Model: "claude"}))
	require.NoError(t, err)
	h.scheduler.Wait(runID)
	h.pub.waitFor(t, analysis.EventRunFinished)

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	for i, e := range h.pub.events {
		assert.Equal(t, i+1, e.Seq, "event %s out of sequence", e.Event)
		assert.Equal(t, runID, e.RunID)
	}
}
