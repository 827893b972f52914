package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/in-the-loop-labs/pair-review/internal/adapter/llm"
	"github.com/in-the-loop-labs/pair-review/internal/domain"
	"github.com/in-the-loop-labs/pair-review/internal/prompt"
	"github.com/in-the-loop-labs/pair-review/internal/validate"
	"go.uber.org/zap"
)

// voiceResult is one voice's outcome at one level.
type voiceResult struct {
	voice       domain.Voice
	suggestions []domain.Suggestion
	err         error
	cancelled   bool
}

// runCouncil executes the three analysis stages. Intermediate output
// never touches the store; only the final orchestrated list is
// persisted, and a cancelled run persists nothing.
func (s *Scheduler) runCouncil(ctx context.Context, run domain.AnalysisRun, sc SessionContext) {
	var warnings []string
	levelOutputs := make(map[int][]domain.Suggestion)

	changedPaths := sc.Snapshot.ChangedPaths()
	lineCounts := s.source.LineCounts(sc, changedPaths)

	for _, level := range run.Council.EnabledLevels() {
		if ctx.Err() != nil {
			s.finish(run, domain.RunCancelled, "", warnings)
			return
		}

		voices := run.Council.VoicesForLevel(level)
		s.publish(run.ID, RunEvent{Event: EventLevelStarted, Level: level})

		values, err := s.promptValues(ctx, sc, level)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("level %d skipped: %v", level, err))
			s.publish(run.ID, RunEvent{Event: EventLevelFinished, Level: level, Count: 0})
			continue
		}

		results := s.fanOut(ctx, run, sc, level, voices, values, lineCounts)

		var succeeded []voiceResult
		cancelled := false
		for _, r := range results {
			switch {
			case r.cancelled:
				cancelled = true
			case r.err != nil:
				warnings = append(warnings, fmt.Sprintf("voice %s failed: %v", r.voice.ID(), r.err))
			default:
				succeeded = append(succeeded, r)
			}
		}
		if cancelled || ctx.Err() != nil {
			s.finish(run, domain.RunCancelled, "", warnings)
			return
		}

		if len(succeeded) == 0 {
			warnings = append(warnings, fmt.Sprintf("level %d skipped: every voice failed", level))
			s.publish(run.ID, RunEvent{Event: EventLevelFinished, Level: level, Count: 0})
			continue
		}

		output := s.consolidate(ctx, run, sc, level, succeeded, &warnings)
		levelOutputs[level] = output
		s.publish(run.ID, RunEvent{Event: EventLevelFinished, Level: level, Count: len(output)})
	}

	if ctx.Err() != nil {
		s.finish(run, domain.RunCancelled, "", warnings)
		return
	}

	if len(levelOutputs) == 0 {
		s.finish(run, domain.RunFailed, "no analysis level produced output", warnings)
		return
	}

	final := s.orchestrate(ctx, run, sc, levelOutputs, &warnings)
	if ctx.Err() != nil {
		s.finish(run, domain.RunCancelled, "", warnings)
		return
	}

	// The consolidation and orchestration models may invent line
	// anchors; validate once more before anything is stored.
	res := validate.Lines(final, lineCounts, validate.ConvertToFileLevel)
	final = append(res.Valid, res.Converted...)
	final = orderFinal(final, sc.Snapshot.UnifiedDiff)

	if err := s.store.ReplaceFinalForRun(context.Background(), run.ID, final); err != nil {
		s.logger.Error("persist final suggestions", zap.String("run", run.ID), zap.Error(err))
		s.finish(run, domain.RunFailed, fmt.Sprintf("persist suggestions: %v", err), warnings)
		return
	}

	s.finish(run, domain.RunDone, "", warnings)
}

// fanOut runs every voice of a level concurrently, bounded by the
// scheduler's concurrency cap.
func (s *Scheduler) fanOut(ctx context.Context, run domain.AnalysisRun, sc SessionContext, level int, voices []domain.Voice, values map[string]string, lineCounts map[string]int) []voiceResult {
	results := make([]voiceResult, len(voices))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrencyLimit(voices))

	var mu sync.Mutex
	for i, voice := range voices {
		g.Go(func() error {
			r := s.runVoice(ctx, run, sc, level, voice, values, lineCounts)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// concurrencyLimit is the runtime cap on simultaneous LLM calls,
// tightened to the strictest per-provider budget among the level's
// voices.
func (s *Scheduler) concurrencyLimit(voices []domain.Voice) int {
	limit := s.maxConcurrent
	for _, v := range voices {
		client, ok := s.clients[v.Provider]
		if !ok {
			continue
		}
		if budget := client.MaxConcurrent(); budget > 0 && budget < limit {
			limit = budget
		}
	}
	return limit
}

// runVoice executes a single analysis task: prompt → LLM →
// extraction → line validation. A failure is isolated to the voice.
func (s *Scheduler) runVoice(ctx context.Context, run domain.AnalysisRun, sc SessionContext, level int, voice domain.Voice, values map[string]string, lineCounts map[string]int) voiceResult {
	result := voiceResult{voice: voice}
	s.publish(run.ID, RunEvent{Event: EventVoiceStarted, Level: level, Voice: voice.ID()})

	finish := func(r voiceResult) voiceResult {
		if r.cancelled {
			return r
		}
		ok := r.err == nil
		event := RunEvent{Event: EventVoiceFinished, Level: level, Voice: voice.ID(), OK: &ok, Count: len(r.suggestions)}
		if r.err != nil {
			event.Error = r.err.Error()
		}
		s.publish(run.ID, event)
		return r
	}

	client, ok := s.clients[voice.Provider]
	if !ok {
		result.err = fmt.Errorf("unknown provider %q", voice.Provider)
		return finish(result)
	}

	tier := voice.Tier
	if tier == "" {
		tier = domain.TierBalanced
	}
	tmpl, err := s.prompts.Get(levelPromptType(level))
	if err != nil {
		result.err = err
		return finish(result)
	}
	rendered, err := tmpl.Build(tier, values)
	if err != nil {
		result.err = fmt.Errorf("render prompt: %w", err)
		return finish(result)
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	// Secrets in the diff or file contents never leave the machine.
	rendered = s.redactor.Redact(rendered)

	resp, err := client.Complete(taskCtx, llm.Request{Prompt: rendered, Model: voice.Model})
	if err != nil {
		if ctx.Err() != nil {
			// The run was cancelled mid-call; this is not a failure.
			result.cancelled = true
			return result
		}
		result.err = err
		return finish(result)
	}

	suggestions, err := parseVoiceResponse(resp.Text, sc.Session.ID, voice.ID(), time.Now())
	if err != nil {
		result.err = err
		return finish(result)
	}

	res := validate.Lines(suggestions, lineCounts, validate.ConvertToFileLevel)
	result.suggestions = append(res.Valid, res.Converted...)
	return finish(result)
}

// consolidate merges a level's per-voice findings. A single voice is a
// no-op; two or more run the consolidation prompt, with cross-voice
// agreement boosting confidence. A consolidation failure falls back to
// the boosted union so voice output is never lost.
func (s *Scheduler) consolidate(ctx context.Context, run domain.AnalysisRun, sc SessionContext, level int, succeeded []voiceResult, warnings *[]string) []domain.Suggestion {
	if len(succeeded) == 1 {
		return succeeded[0].suggestions
	}

	perVoice := make([][]domain.Suggestion, len(succeeded))
	groups := make(map[string][]domain.Suggestion, len(succeeded))
	var union []domain.Suggestion
	for i, r := range succeeded {
		perVoice[i] = r.suggestions
		groups["reviewer "+r.voice.ID()] = r.suggestions
		union = append(union, r.suggestions...)
	}
	index := measureAgreement(perVoice)

	merged, err := s.mergeCall(ctx, sc, prompt.TypeConsolidation, run.Council.Consolidation, groups, "consolidation")
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("level %d consolidation failed, keeping raw union: %v", level, err))
		return applyAgreementBoost(dedupeByLocation(union), index)
	}
	return applyAgreementBoost(merged, index)
}

// orchestrate merges across levels. A single surviving level is
// adopted unchanged.
func (s *Scheduler) orchestrate(ctx context.Context, run domain.AnalysisRun, sc SessionContext, levelOutputs map[int][]domain.Suggestion, warnings *[]string) []domain.Suggestion {
	if len(levelOutputs) == 1 {
		for _, out := range levelOutputs {
			return out
		}
	}

	s.publish(run.ID, RunEvent{Event: EventOrchestrationStarted})

	groups := make(map[string][]domain.Suggestion, len(levelOutputs))
	var union []domain.Suggestion
	for level, out := range levelOutputs {
		groups[fmt.Sprintf("level %d", level)] = out
		union = append(union, out...)
	}

	merged, err := s.mergeCall(ctx, sc, prompt.TypeOrchestration, run.Council.Consolidation, groups, "orchestration")
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("orchestration failed, keeping per-level union: %v", err))
		return dedupeByLocation(union)
	}
	return merged
}

// mergeCall renders a merge prompt over grouped findings and parses
// the model's curated list.
func (s *Scheduler) mergeCall(ctx context.Context, sc SessionContext, typ prompt.Type, voice domain.Voice, groups map[string][]domain.Suggestion, voiceID string) ([]domain.Suggestion, error) {
	client, ok := s.clients[voice.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", voice.Provider)
	}

	tier := voice.Tier
	if tier == "" {
		tier = domain.TierBalanced
	}
	tmpl, err := s.prompts.Get(typ)
	if err != nil {
		return nil, err
	}
	rendered, err := tmpl.Build(tier, map[string]string{
		"suggestions": formatSuggestionsForPrompt(groups),
	})
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	resp, err := client.Complete(taskCtx, llm.Request{Prompt: s.redactor.Redact(rendered), Model: voice.Model})
	if err != nil {
		return nil, err
	}
	return parseVoiceResponse(resp.Text, sc.Session.ID, voiceID, time.Now())
}

// dedupeByLocation keeps the highest-confidence finding per anchor;
// the fallback path when a merge model is unavailable.
func dedupeByLocation(suggestions []domain.Suggestion) []domain.Suggestion {
	best := make(map[string]int)
	var out []domain.Suggestion
	for _, s := range suggestions {
		key := locationKey(s) + "|" + string(s.Type)
		if i, ok := best[key]; ok {
			if s.Confidence > out[i].Confidence {
				out[i] = s
			}
			continue
		}
		best[key] = len(out)
		out = append(out, s)
	}
	return out
}

// finish records the run's terminal state and publishes run_finished.
func (s *Scheduler) finish(run domain.AnalysisRun, state domain.RunState, reason string, warnings []string) {
	run.State = state
	run.FailureReason = reason
	run.Warnings = warnings
	run.FinishedAt = time.Now()

	// The run context may already be cancelled; the store write must
	// still land.
	if err := s.store.UpdateRun(context.Background(), run); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("update run state", zap.String("run", run.ID), zap.Error(err))
	}

	s.publish(run.ID, RunEvent{Event: EventRunFinished, State: string(state), Warnings: warnings})
}

// promptValues assembles the placeholder values for a level's prompt.
func (s *Scheduler) promptValues(ctx context.Context, sc SessionContext, level int) (map[string]string, error) {
	values := map[string]string{
		"diff":                sc.Snapshot.UnifiedDiff,
		"custom_instructions": sc.Session.CustomInstructions,
	}

	if level >= 2 {
		values["file_contents"] = s.source.FileContents(sc, sc.Snapshot.ChangedPaths())
	}
	if level >= 3 {
		related, err := s.source.RelatedFiles(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("resolve related files: %w", err)
		}
		values["related_contents"] = s.source.FileContents(sc, related)
	}
	return values, nil
}

// levelPromptType maps an analysis level onto its prompt family.
func levelPromptType(level int) prompt.Type {
	switch level {
	case 2:
		return prompt.TypeLevel2
	case 3:
		return prompt.TypeLevel3
	default:
		return prompt.TypeLevel1
	}
}
