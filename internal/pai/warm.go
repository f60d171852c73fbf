package pai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/memory/backend"
	"github.com/haasonsaas/nexus/internal/memory/embeddings"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Quality gate thresholds for store_learning (spec §4.7, confirmed against
// original_source's pai_memory.py MIN_CONTENT_LENGTH/MIN_CONFIDENCE and the
// alpha-ratio check).
const (
	minContentLength     = 20
	minConfidence        = 0.40
	minAlphaRatio        = 0.40
	dedupeScoreThreshold = 0.92
)

// ErrLearningRejected is returned by StoreLearning when the quality gate
// rejects the candidate (too short, too low confidence, or mostly
// non-alphabetic content).
var ErrLearningRejected = errors.New("pai: learning rejected by quality gate")

// WarmStore is the tier-1 warm memory: searchable, deduplicated learnings
// backed by the shared vector store interface.
type WarmStore struct {
	backend  backend.Backend
	embedder embeddings.Provider
	logger   *observability.Logger
}

// NewWarmStore wraps a vector backend and embedding provider.
func NewWarmStore(b backend.Backend, embedder embeddings.Provider, logger *observability.Logger) *WarmStore {
	return &WarmStore{backend: b, embedder: embedder, logger: logger}
}

func alphaRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var alpha int
	for _, r := range s {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	return float64(alpha) / float64(len([]rune(s)))
}

// StoreLearning runs the quality gate, optionally deduplicates against
// near-identical existing learnings for the same agent type and category,
// and otherwise embeds and indexes the learning. Returns the stored (or
// matched duplicate's) id.
func (w *WarmStore) StoreLearning(ctx context.Context, l *Learning, agentType string, deduplicate bool) (string, error) {
	trimmed := strings.TrimSpace(l.Content)
	if len(trimmed) < minContentLength {
		if w.logger != nil {
			w.logger.Debug(ctx, "pai: learning rejected, content too short", "length", len(trimmed))
		}
		return "", ErrLearningRejected
	}
	if l.Confidence < minConfidence {
		if w.logger != nil {
			w.logger.Debug(ctx, "pai: learning rejected, confidence too low", "confidence", l.Confidence)
		}
		return "", ErrLearningRejected
	}
	if alphaRatio(l.Content) < minAlphaRatio {
		if w.logger != nil {
			w.logger.Debug(ctx, "pai: learning rejected, non-alphabetic content", "content_preview", preview(l.Content))
		}
		return "", ErrLearningRejected
	}

	if l.CreatedByAgent == "" {
		if agentType != "" {
			l.CreatedByAgent = agentType
		} else {
			l.CreatedByAgent = l.AgentType
		}
	}

	embedding, err := w.embedder.Embed(ctx, l.Content)
	if err != nil {
		return "", fmt.Errorf("pai: embed learning content: %w", err)
	}

	if deduplicate {
		if existingID, found, err := w.findDuplicate(ctx, l, embedding); err != nil {
			if w.logger != nil {
				w.logger.Warn(ctx, "pai: deduplication check failed, proceeding with storage", "error", err)
			}
		} else if found {
			if w.logger != nil {
				w.logger.Info(ctx, "pai: duplicate learning detected, skipping store", "existing_id", existingID)
			}
			return existingID, nil
		}
	}

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	entry := learningToEntry(l, embedding)
	if err := w.backend.Index(ctx, []*models.MemoryEntry{entry}); err != nil {
		return "", fmt.Errorf("pai: index learning: %w", err)
	}
	return entry.ID, nil
}

func (w *WarmStore) findDuplicate(ctx context.Context, l *Learning, embedding []float32) (string, bool, error) {
	results, err := w.backend.Search(ctx, embedding, &backend.SearchOptions{
		Scope: models.ScopeAll,
		Limit: 3,
	})
	if err != nil {
		return "", false, err
	}
	for _, r := range results {
		if r.Score < dedupeScoreThreshold {
			continue
		}
		existing := entryToLearning(r.Entry)
		if existing.AgentType == l.AgentType && existing.Category == l.Category {
			return existing.ID, true, nil
		}
	}
	return "", false, nil
}

// UpdateLearningPatch describes the fields StoreLearning/search callers may
// change; nil fields are left unchanged.
type UpdateLearningPatch struct {
	Content    *string
	Phase      *Phase
	Category   *string
	Confidence *float64
	Metadata   map[string]any
}

// UpdateLearning patches a learning's content/metadata, re-embedding only
// when the content itself changes.
func (w *WarmStore) UpdateLearning(ctx context.Context, id string, patch UpdateLearningPatch) (*Learning, error) {
	existing, err := w.GetLearning(ctx, id)
	if err != nil {
		return nil, err
	}

	update := &backend.EntryUpdate{}
	if patch.Content != nil {
		existing.Content = *patch.Content
		update.Content = patch.Content
		embedding, err := w.embedder.Embed(ctx, *patch.Content)
		if err != nil {
			return nil, fmt.Errorf("pai: re-embed updated learning: %w", err)
		}
		update.Embedding = embedding
	}
	if patch.Phase != nil {
		existing.Phase = *patch.Phase
	}
	if patch.Category != nil {
		existing.Category = *patch.Category
	}
	if patch.Confidence != nil {
		existing.Confidence = *patch.Confidence
	}
	for k, v := range patch.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		existing.Metadata[k] = v
	}

	meta := learningMetadata(existing)
	update.Metadata = &models.MemoryMetadata{Source: "learning", Tags: existing.Tags, Extra: meta}

	if err := w.backend.Update(ctx, id, update); err != nil {
		return nil, fmt.Errorf("pai: update learning %s: %w", id, err)
	}
	return existing, nil
}

// GetLearning fetches a single learning by id.
func (w *WarmStore) GetLearning(ctx context.Context, id string) (*Learning, error) {
	entry, err := w.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return entryToLearning(entry), nil
}

// DeleteLearning removes a learning from the warm tier.
func (w *WarmStore) DeleteLearning(ctx context.Context, id string) error {
	return w.backend.Delete(ctx, []string{id})
}

// SearchLearnings over-fetches 3x limit from the vector store, then
// applies ACL and scope filtering (spec §4.7/§4.9), stopping once limit
// results have been accepted.
func (w *WarmStore) SearchLearnings(ctx context.Context, query string, phase *Phase, category *string, limit int, agentType string, permissionLevel int, projectID, domainID string) ([]*Learning, error) {
	if limit <= 0 {
		limit = 10
	}
	embedding, err := w.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pai: embed search query: %w", err)
	}

	results, err := w.backend.Search(ctx, embedding, &backend.SearchOptions{
		Scope: models.ScopeAll,
		Limit: limit * 3,
	})
	if err != nil {
		return nil, fmt.Errorf("pai: search learnings: %w", err)
	}

	accepted := make([]*Learning, 0, limit)
	for _, r := range results {
		l := entryToLearning(r.Entry)
		if phase != nil && l.Phase != *phase {
			continue
		}
		if category != nil && l.Category != *category {
			continue
		}
		if !CheckACL(l, agentType, permissionLevel) {
			continue
		}
		if !l.IsAccessibleInContext(projectID, domainID) {
			continue
		}
		accepted = append(accepted, l)
		if len(accepted) >= limit {
			break
		}
	}
	return accepted, nil
}

// BoostLearning raises a learning's utility score after a successful use.
func (w *WarmStore) BoostLearning(ctx context.Context, id string, amount float64) error {
	l, err := w.GetLearning(ctx, id)
	if err != nil {
		return err
	}
	l.Boost(amount)
	meta := learningMetadata(l)
	return w.backend.Update(ctx, id, &backend.EntryUpdate{Metadata: &models.MemoryMetadata{Source: "learning", Tags: l.Tags, Extra: meta}})
}

// DecayLearning lowers a learning's utility score after a failure or time.
func (w *WarmStore) DecayLearning(ctx context.Context, id string, amount float64) error {
	l, err := w.GetLearning(ctx, id)
	if err != nil {
		return err
	}
	l.Decay(amount)
	meta := learningMetadata(l)
	return w.backend.Update(ctx, id, &backend.EntryUpdate{Metadata: &models.MemoryMetadata{Source: "learning", Tags: l.Tags, Extra: meta}})
}

// ScrollAll pages through every learning in the warm tier via the
// backend's Scroll, used by category/utility/before queries and by
// archive_old_warm.
func (w *WarmStore) ScrollAll(ctx context.Context, pageSize int, visit func(*Learning) bool) error {
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := 0
	for {
		page, err := w.backend.Scroll(ctx, &backend.ScrollOptions{
			Scope:  models.ScopeAll,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("pai: scroll warm tier: %w", err)
		}
		for _, entry := range page.Entries {
			if !visit(entryToLearning(entry)) {
				return nil
			}
		}
		if !page.HasMore {
			return nil
		}
		offset = page.NextOffset
	}
}

// GetLearningsByCategory returns up to limit learnings matching category.
func (w *WarmStore) GetLearningsByCategory(ctx context.Context, category string, limit int) ([]*Learning, error) {
	var out []*Learning
	err := w.ScrollAll(ctx, 100, func(l *Learning) bool {
		if l.Category == category {
			out = append(out, l)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// GetLearningsByUtility returns learnings whose utility score falls in
// [minUtility, maxUtility] (either bound may be nil).
func (w *WarmStore) GetLearningsByUtility(ctx context.Context, minUtility, maxUtility *float64, limit int) ([]*Learning, error) {
	var out []*Learning
	err := w.ScrollAll(ctx, 100, func(l *Learning) bool {
		if minUtility != nil && l.UtilityScore < *minUtility {
			return true
		}
		if maxUtility != nil && l.UtilityScore > *maxUtility {
			return true
		}
		out = append(out, l)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// GetLearningsBefore returns learnings not accessed (or, if never
// accessed, not created) since cutoff.
func (w *WarmStore) GetLearningsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Learning, error) {
	var out []*Learning
	err := w.ScrollAll(ctx, 100, func(l *Learning) bool {
		ref := l.CreatedAt
		if l.LastAccessed != nil {
			ref = *l.LastAccessed
		}
		if ref.Before(cutoff) {
			out = append(out, l)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func preview(s string) string {
	if len(s) <= 50 {
		return s
	}
	return s[:50] + "..."
}

// learningToEntry projects a Learning onto the shared vector store's
// MemoryEntry shape, carrying every ACL/scope/utility field through
// Metadata.Extra so Search/Scroll round-trip them losslessly.
func learningToEntry(l *Learning, embedding []float32) *models.MemoryEntry {
	return &models.MemoryEntry{
		ID:        l.ID,
		AgentID:   l.AgentType,
		Content:   l.Content,
		Metadata:  models.MemoryMetadata{Source: "learning", Tags: l.Tags, Extra: learningMetadata(l)},
		Embedding: embedding,
		CreatedAt: l.CreatedAt,
		UpdatedAt: l.CreatedAt,
	}
}

func learningMetadata(l *Learning) map[string]any {
	meta := map[string]any{
		"phase":             string(l.Phase),
		"category":          l.Category,
		"task_id":           l.TaskID,
		"agent_type":        l.AgentType,
		"confidence":        l.Confidence,
		"created_by_agent":  l.CreatedByAgent,
		"permission_level":  l.PermissionLevel,
		"sensitivity":       string(l.Sensitivity),
		"allowed_agents":    l.AllowedAgents,
		"scope":             string(l.Scope),
		"project_id":        l.ProjectID,
		"domain_id":         l.DomainID,
		"utility_score":     l.UtilityScore,
		"access_count":      l.AccessCount,
	}
	if l.LastAccessed != nil {
		meta["last_accessed"] = l.LastAccessed.Format(time.RFC3339Nano)
	}
	for k, v := range l.Metadata {
		meta[k] = v
	}
	return meta
}

func entryToLearning(e *models.MemoryEntry) *Learning {
	meta := e.Metadata.Extra
	l := &Learning{
		ID:              e.ID,
		Content:         e.Content,
		Phase:           Phase(metaString(meta, "phase")),
		Category:        metaString(meta, "category"),
		TaskID:          metaString(meta, "task_id"),
		AgentType:       metaString(meta, "agent_type"),
		Confidence:      metaFloat(meta, "confidence", 0.8),
		Tags:            e.Metadata.Tags,
		CreatedByAgent:  metaString(meta, "created_by_agent"),
		PermissionLevel: metaInt(meta, "permission_level", 1),
		Sensitivity:     Sensitivity(orDefault(metaString(meta, "sensitivity"), string(SensitivityInternal))),
		AllowedAgents:   metaStringSlice(meta, "allowed_agents"),
		Scope:           Scope(orDefault(metaString(meta, "scope"), string(ScopeGlobal))),
		ProjectID:       metaString(meta, "project_id"),
		DomainID:        metaString(meta, "domain_id"),
		UtilityScore:    metaFloat(meta, "utility_score", 0.5),
		AccessCount:     metaInt(meta, "access_count", 0),
		CreatedAt:       e.CreatedAt,
	}
	if ts := metaString(meta, "last_accessed"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			l.LastAccessed = &parsed
		}
	}
	return l
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func metaFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func metaInt(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func metaStringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
