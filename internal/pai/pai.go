package pai

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/internal/observability"
)

// Memory is the PAI three-tier orchestrator tying the hot, warm, and cold
// stores together, matching the shape of the teacher's
// internal/memory/manager.go (a thin façade selecting/coordinating
// concrete backends rather than implementing storage itself).
type Memory struct {
	Hot  *HotStore
	Warm *WarmStore
	Cold *ColdArchive
	kv   *bus.KV

	logger *observability.Logger
	cron   *cron.Cron
}

// NewMemory wires the three tiers together.
func NewMemory(hot *HotStore, warm *WarmStore, cold *ColdArchive, kv *bus.KV, logger *observability.Logger) *Memory {
	return &Memory{Hot: hot, Warm: warm, Cold: cold, kv: kv, logger: logger}
}

// FlushResult reports how many items moved through each tier during Flush.
type FlushResult struct {
	Hot  int
	Warm int
	Cold int
}

// Flush promotes a task's HOT traces to WARM once its VERIFY trace is
// present, runs the standard archive_old_warm sweep, and best-effort
// triggers a key-value bgsave (spec §4.8 flush).
func (m *Memory) Flush(ctx context.Context, taskID string) (FlushResult, error) {
	var result FlushResult

	if taskID != "" {
		traces, err := m.Hot.GetTaskTraces(ctx, taskID)
		if err != nil {
			return result, fmt.Errorf("pai: flush: read traces for %s: %w", taskID, err)
		}
		for _, t := range traces {
			if t.Phase == PhaseVerify {
				promoted, err := m.PromoteToWarm(ctx, taskID)
				if err != nil {
					return result, err
				}
				result.Warm = len(promoted)
				break
			}
		}
	}

	archived, err := m.ArchiveOldWarm(ctx, DefaultArchivePolicy())
	if err != nil {
		return result, err
	}
	result.Cold = archived

	if m.kv != nil {
		if err := m.kv.BgSave(ctx); err != nil && m.logger != nil {
			m.logger.Debug(ctx, "pai: bgsave skipped", "error", err)
		}
	}

	if m.logger != nil {
		m.logger.Info(ctx, "pai: flush complete", "hot", result.Hot, "warm", result.Warm, "cold", result.Cold)
	}
	return result, nil
}

// PromoteToWarm synthesizes learnings from a task's hot-tier traces and
// stores the ones carrying a "learning" field into the warm tier.
func (m *Memory) PromoteToWarm(ctx context.Context, taskID string) ([]string, error) {
	traces, err := m.Hot.GetTaskTraces(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("pai: promote: read traces for %s: %w", taskID, err)
	}

	var ids []string
	for _, t := range traces {
		content, ok := t.Data["learning"].(string)
		if !ok || content == "" {
			continue
		}
		category, _ := t.Data["category"].(string)
		if category == "" {
			category = "general"
		}
		agentType, _ := t.Data["agent_type"].(string)

		l := NewLearning(content, t.Phase, category)
		l.TaskID = taskID
		l.AgentType = agentType
		if meta, ok := t.Data["metadata"].(map[string]any); ok {
			l.Metadata = meta
		}

		id, err := m.Warm.StoreLearning(ctx, l, agentType, true)
		if err != nil {
			if m.logger != nil {
				m.logger.Debug(ctx, "pai: promotion skipped a trace", "error", err)
			}
			continue
		}
		ids = append(ids, id)
	}

	if m.logger != nil {
		m.logger.Info(ctx, "pai: promoted learnings to warm tier", "task_id", taskID, "count", len(ids))
	}
	return ids, nil
}

// ArchivePolicy configures archive_old_warm's per-category retention.
type ArchivePolicy struct {
	OlderThanDays          int
	HighConfidenceDays     int
	HighConfidenceThresh   float64
	BatchSize              int
	DeleteAfterArchive     bool
}

// DefaultArchivePolicy matches spec §4.8's defaults.
func DefaultArchivePolicy() ArchivePolicy {
	return ArchivePolicy{
		OlderThanDays:        30,
		HighConfidenceDays:   60,
		HighConfidenceThresh: 0.9,
		BatchSize:            100,
		DeleteAfterArchive:   true,
	}
}

// ArchiveOldWarm scrolls the warm tier and archives any learning whose
// age exceeds the category-appropriate cutoff (spec §4.8's table: errors
// and standard-confidence learnings use OlderThanDays, high-confidence
// learnings get the longer HighConfidenceDays grace period).
func (m *Memory) ArchiveOldWarm(ctx context.Context, policy ArchivePolicy) (int, error) {
	now := time.Now()
	standardCutoff := now.AddDate(0, 0, -policy.OlderThanDays)
	highConfidenceCutoff := now.AddDate(0, 0, -policy.HighConfidenceDays)

	archived := 0
	var toDelete []string

	flushDeletes := func() error {
		if len(toDelete) == 0 {
			return nil
		}
		ids := toDelete
		toDelete = nil
		if !policy.DeleteAfterArchive {
			return nil
		}
		for _, id := range ids {
			if err := m.Warm.DeleteLearning(ctx, id); err != nil && m.logger != nil {
				m.logger.Warn(ctx, "pai: failed to delete archived learning", "id", id, "error", err)
			}
		}
		return nil
	}

	err := m.Warm.ScrollAll(ctx, policy.BatchSize, func(l *Learning) bool {
		var cutoff time.Time
		switch {
		case l.Category == "error":
			cutoff = standardCutoff
		case l.Confidence >= policy.HighConfidenceThresh:
			cutoff = highConfidenceCutoff
		default:
			cutoff = standardCutoff
		}

		if !l.CreatedAt.Before(cutoff) {
			return true
		}

		summary := generateArchiveSummary(l)
		if _, err := m.Cold.ArchiveToCold(l, summary); err != nil {
			if m.logger != nil {
				m.logger.Error(ctx, "pai: failed to archive learning", "id", l.ID, "error", err)
			}
			return true
		}
		archived++
		toDelete = append(toDelete, l.ID)
		if len(toDelete) >= policy.BatchSize {
			_ = flushDeletes()
		}
		return true
	})
	if err != nil {
		return archived, err
	}
	_ = flushDeletes()

	if m.logger != nil {
		m.logger.Info(ctx, "pai: warm tier archive complete", "archived", archived)
	}
	return archived, nil
}

// CleanupColdStorage permanently deletes cold-archive files older than
// olderThanDays (default 365, per spec §4.8).
func (m *Memory) CleanupColdStorage(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		olderThanDays = 365
	}
	deleted, err := m.Cold.CleanupColdStorage(olderThanDays)
	if m.logger != nil && err == nil {
		m.logger.Info(ctx, "pai: cold tier cleanup complete", "deleted", deleted)
	}
	return deleted, err
}

func generateArchiveSummary(l *Learning) string {
	phaseSummaries := map[Phase]string{
		PhaseObserve: "Observation from task execution",
		PhaseThink:   "Analysis and reasoning insight",
		PhasePlan:    "Planning decision or strategy",
		PhaseBuild:   "Implementation approach or pattern",
		PhaseExecute: "Execution outcome or behavior",
		PhaseVerify:  "Verification result or quality check",
		PhaseLearn:   "Extracted learning or improvement",
	}

	base, ok := phaseSummaries[l.Phase]
	if !ok {
		base = "General learning"
	}
	parts := []string{base}
	if l.Category != "" {
		parts = append(parts, "Category: "+l.Category)
	}
	if l.AgentType != "" {
		parts = append(parts, "Agent: "+l.AgentType)
	}
	switch {
	case l.Confidence >= 0.9:
		parts = append(parts, "High confidence")
	case l.Confidence < 0.6:
		parts = append(parts, "Low confidence")
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += " | " + p
	}
	return out
}

// StartScheduledSweeps registers the standard archive_old_warm and
// cleanup_cold_storage jobs on a cron schedule and starts the scheduler.
// Callers own the returned *cron.Cron and must Stop it on shutdown.
func (m *Memory) StartScheduledSweeps(ctx context.Context, archiveSpec, cleanupSpec string) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(archiveSpec, func() {
		if _, err := m.ArchiveOldWarm(ctx, DefaultArchivePolicy()); err != nil && m.logger != nil {
			m.logger.Error(ctx, "pai: scheduled archive_old_warm failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("pai: schedule archive_old_warm: %w", err)
	}

	if _, err := c.AddFunc(cleanupSpec, func() {
		if _, err := m.CleanupColdStorage(ctx, 365); err != nil && m.logger != nil {
			m.logger.Error(ctx, "pai: scheduled cleanup_cold_storage failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("pai: schedule cleanup_cold_storage: %w", err)
	}

	m.cron = c
	c.Start()
	return c, nil
}
