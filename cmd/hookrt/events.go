package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/hookrt/internal/classify"
	"github.com/haasonsaas/hookrt/internal/compaction"
	"github.com/haasonsaas/hookrt/internal/envelope"
	"github.com/haasonsaas/hookrt/internal/knowledge"
	"github.com/haasonsaas/hookrt/internal/policyengine"
	"github.com/haasonsaas/hookrt/internal/sessionstate"
	"github.com/haasonsaas/hookrt/internal/transcript"
)

// dispatchBuiltin runs the in-process built-in core for evt's event name:
// the damage-control policy engine (D) on PreToolUse, observation capture
// (H.1) and session counters on PostToolUse, the request classifier (E) on
// UserPromptSubmit, knowledge injection (H's Inject stage) on
// SessionStart, analyse+learn (H.2/H.3) and progress-record purge on
// SessionEnd, and cold-task detection plus preservation-block assembly (G)
// on PreCompact. Stop has no built-in core logic in spec.md — only
// registered external handlers apply.
func dispatchBuiltin(ctx context.Context, env *environment, evt *envelope.Event, now time.Time) *envelope.Response {
	switch evt.HookEventName {
	case envelope.EventPreToolUse:
		return handlePreToolUse(env, evt)
	case envelope.EventPostToolUse:
		return handlePostToolUse(env, evt, now)
	case envelope.EventUserPromptSubmit:
		return handleUserPromptSubmit(ctx, env, evt)
	case envelope.EventSessionStart:
		return handleSessionStart(ctx, env, evt, now)
	case envelope.EventSessionEnd:
		return handleSessionEnd(ctx, env, evt, now)
	case envelope.EventPreCompact:
		return handlePreCompact(ctx, env, evt, now)
	default:
		return envelope.Empty()
	}
}

func toolInputMap(evt *envelope.Event) map[string]any {
	if len(evt.ToolInput) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(evt.ToolInput, &m); err != nil {
		return nil
	}
	return m
}

func handlePreToolUse(env *environment, evt *envelope.Event) *envelope.Response {
	engine := policyengine.New(env.cfg.Policy, env.logger)
	decision := engine.Evaluate(evt.ToolName, toolInputMap(evt), evt.Cwd)
	if env.metrics != nil {
		env.metrics.PolicyVerdicts.WithLabelValues(string(decision.Verdict), decision.Rule).Inc()
	}
	if decision.Verdict == policyengine.VerdictAllow {
		return envelope.Empty()
	}
	return envelope.WithDecision(evt.HookEventName, envelope.PermissionDecision(decision.Verdict), decision.Reason, "")
}

func handlePostToolUse(env *environment, evt *envelope.Event, now time.Time) *envelope.Response {
	input := toolInputMap(evt)

	if err := knowledge.Observe(env.cfg.StorageRoot, evt.SessionID, evt.ToolName, input, evt.ToolOutput, now); err != nil {
		env.logger.Warn(context.Background(), "hookrt: observe failed", "error", err.Error())
	}

	obs := knowledge.BuildObservation(evt.SessionID, evt.ToolName, input, evt.ToolOutput, now)
	filePath, _ := obs.Context["file_path"].(string)
	if err := sessionstate.RecordToolUse(env.cfg.StorageRoot, evt.SessionID, evt.ToolName, filePath, obs.Type == "error", now); err != nil {
		env.logger.Warn(context.Background(), "hookrt: session progress update failed", "error", err.Error())
	}

	return envelope.Empty()
}

func handleUserPromptSubmit(ctx context.Context, env *environment, evt *envelope.Event) *envelope.Response {
	if evt.Prompt == "" {
		return envelope.Empty()
	}
	result := classify.Classify(ctx, evt.Prompt, env.cfg.Classifier, env.chain)
	if env.metrics != nil {
		env.metrics.ClassifierStrategy.WithLabelValues(result.Strategy).Inc()
	}
	text := fmt.Sprintf(
		"Classified prompt: complexity=%s task_type=%s quality=%s scope=%s -> strategy=%s (confidence=%.2f, source=%s)",
		result.Complexity, result.TaskType, result.Quality, result.Scope, result.Strategy, result.Confidence, result.Source,
	)
	return envelope.WithContext(evt.HookEventName, text)
}

func handleSessionStart(ctx context.Context, env *environment, evt *envelope.Event, now time.Time) *envelope.Response {
	db, err := knowledgeDB(env.cfg.StorageRoot)
	if err != nil {
		env.logger.Warn(ctx, "hookrt: open knowledge db failed", "error", err.Error())
		return envelope.Empty()
	}
	defer db.Close()

	text, err := knowledge.Inject(ctx, env.cfg.Knowledge, db, evt.Cwd, now)
	if err != nil {
		env.logger.Warn(ctx, "hookrt: inject failed", "error", err.Error())
		return envelope.Empty()
	}
	if text == "" {
		if env.metrics != nil {
			env.metrics.KnowledgeInjections.WithLabelValues("empty").Inc()
		}
		return envelope.Empty()
	}
	if env.metrics != nil {
		env.metrics.KnowledgeInjections.WithLabelValues("hit").Inc()
	}
	return envelope.WithContext(evt.HookEventName, text)
}

func handleSessionEnd(ctx context.Context, env *environment, evt *envelope.Event, now time.Time) *envelope.Response {
	analysis, err := knowledge.Analyse(ctx, env.cfg.Knowledge, env.chain, evt.SessionID, env.cfg.StorageRoot, now)
	if err != nil {
		env.logger.Warn(ctx, "hookrt: analyse failed", "error", err.Error())
	} else if !analysis.Skipped {
		db, dbErr := knowledgeDB(env.cfg.StorageRoot)
		if dbErr != nil {
			env.logger.Warn(ctx, "hookrt: open knowledge db failed", "error", dbErr.Error())
		} else {
			outcome, learnErr := knowledge.Learn(ctx, env.cfg.Knowledge, db, evt.SessionID, env.cfg.StorageRoot)
			if learnErr != nil {
				env.logger.Warn(ctx, "hookrt: learn failed", "error", learnErr.Error())
			} else if env.metrics != nil && outcome.Stored > 0 {
				env.metrics.KnowledgeEntriesStored.WithLabelValues("all").Add(float64(outcome.Stored))
			}
			db.Close()
		}
	}

	if err := sessionstate.Purge(env.cfg.StorageRoot, evt.SessionID); err != nil {
		env.logger.Warn(ctx, "hookrt: purge session progress failed", "error", err.Error())
	}
	return envelope.Empty()
}

func handlePreCompact(ctx context.Context, env *environment, evt *envelope.Event, now time.Time) *envelope.Response {
	if evt.TranscriptPath == "" {
		return envelope.Empty()
	}
	records, err := transcript.ParseFile(evt.TranscriptPath, env.logger)
	if err != nil {
		env.logger.Warn(ctx, "hookrt: parse transcript failed", "error", err.Error())
		return envelope.Empty()
	}

	registry := transcript.BuildRegistry(records)
	currentTurn := latestTurn(records)

	progress, _, _ := sessionstate.Load(env.cfg.StorageRoot, evt.SessionID)
	if compaction.ShouldCheckColdTasks(progress.LastColdCheckTurn, currentTurn, env.cfg.Compaction.CheckFrequency) {
		detectAndSaveColdTasks(env, evt, registry, records, currentTurn)
		if err := sessionstate.SetLastColdCheckTurn(env.cfg.StorageRoot, evt.SessionID, currentTurn, now); err != nil {
			env.logger.Warn(ctx, "hookrt: persist cold-check turn failed", "error", err.Error())
		}
	}

	summaries := loadKnownSummaries(env, evt.SessionID, registry)
	block := compaction.BuildPreservationBlock(ctx, registry, records, evt.Cwd, summaries)
	return envelope.WithContext(evt.HookEventName, block)
}

func detectAndSaveColdTasks(env *environment, evt *envelope.Event, registry transcript.Registry, records []transcript.Record, currentTurn int) {
	coldIDs := compaction.DetectColdTasks(registry, records, currentTurn, env.cfg.Compaction.TurnsUntilCold, env.cfg.Compaction.MinMessagesInRange)
	for _, id := range coldIDs {
		if _, ok, _ := compaction.LoadColdTaskSummary(env.cfg.StorageRoot, evt.SessionID, id); ok {
			continue
		}
		entry := registry[id]
		summary := compaction.BuildColdTaskSummary(evt.SessionID, id, records, entry)
		if err := compaction.SaveColdTaskSummary(env.cfg.StorageRoot, &summary); err != nil {
			env.logger.Warn(context.Background(), "hookrt: save cold-task summary failed", "error", err.Error())
		}
	}
}

// loadKnownSummaries collects every already-persisted cold-task summary
// for tasks in this transcript's registry, so BuildPreservationBlock's
// "PRE-COMPUTED TASK SUMMARIES" section includes ones saved on a previous
// PreCompact call in the same session, not only ones detected just now.
func loadKnownSummaries(env *environment, sessionID string, registry transcript.Registry) []compaction.ColdTaskSummary {
	var summaries []compaction.ColdTaskSummary
	for id := range registry {
		s, ok, err := compaction.LoadColdTaskSummary(env.cfg.StorageRoot, sessionID, id)
		if err != nil || !ok {
			continue
		}
		summaries = append(summaries, *s)
	}
	return summaries
}

func latestTurn(records []transcript.Record) int {
	max := 0
	for _, r := range records {
		if r.Turn > max {
			max = r.Turn
		}
	}
	return max
}
