// Package phasememory retrieves and caches PAI-phase-specific memory
// context (learnings, tool patterns, and applicable skills) via
// concurrent queries against the warm memory tier and skill library, and
// tracks which learnings a task used so their utility score can be
// boosted or decayed once the task finishes.
package phasememory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/pai"
	"github.com/haasonsaas/nexus/internal/skilllibrary"
)

// cacheTTL is how long a phase context stays cached within a task's scope.
const cacheTTL = 300 * time.Second

// maxQueryLength truncates task descriptions before they're used as
// semantic search queries.
const maxQueryLength = 200

// queryConfig is the static per-phase retrieval configuration: which
// learning categories to pull and how many of each.
type queryConfig struct {
	Categories  []string
	Limit       int
	Description string
}

var phaseQueries = map[pai.Phase]queryConfig{
	pai.PhaseObserve: {Categories: []string{"domain", "context", "known_issue"}, Limit: 5, Description: "Domain context and known issues"},
	pai.PhaseThink:   {Categories: []string{"reasoning", "analysis", "strategy"}, Limit: 5, Description: "Reasoning patterns and analysis strategies"},
	pai.PhasePlan:    {Categories: []string{"plan", "tool_pattern", "anti_pattern"}, Limit: 5, Description: "Successful plans and tool patterns"},
	pai.PhaseBuild:   {Categories: []string{"tool_success", "tool_error", "tool_pattern"}, Limit: 3, Description: "Tool usage patterns"},
	pai.PhaseExecute: {Categories: []string{"execution", "tool_success", "tool_error"}, Limit: 3, Description: "Execution patterns"},
	pai.PhaseVerify:  {Categories: []string{"verification", "validation", "error"}, Limit: 3, Description: "Verification strategies and error patterns"},
	pai.PhaseLearn:   {Categories: []string{"learning", "pattern", "insight"}, Limit: 5, Description: "Previous learnings and insights"},
}

var defaultQueryConfig = queryConfig{Categories: []string{"general"}, Limit: 3, Description: "General context"}

// patternCategories are learning categories classified as tool patterns
// rather than general learnings when a PhaseContext is assembled.
var patternCategories = map[string]bool{"tool_success": true, "tool_error": true, "tool_pattern": true}

// PhaseContext is the context retrieved for a single phase of a single
// task: relevant learnings, tool patterns, and applicable skills.
type PhaseContext struct {
	Phase       pai.Phase
	Learnings   []*pai.Learning
	Patterns    []*pai.Learning
	Skills      []*skilllibrary.Skill
	Metadata    map[string]any
	LearningIDs []string
}

type cacheEntry struct {
	context   *PhaseContext
	timestamp time.Time
}

func (c cacheEntry) expired() bool { return time.Since(c.timestamp) > cacheTTL }

// Manager fans out phase-specific memory queries concurrently, caches
// the result per task/phase/tool for cacheTTL, and tracks which learning
// ids a task drew on so ApplyFeedback can boost or decay them.
type Manager struct {
	memory *pai.WarmStore
	skills *skilllibrary.Library
	logger *observability.Logger

	mu              sync.Mutex
	cache           map[string]cacheEntry
	usedLearningIDs map[string]map[string]struct{}
}

// NewManager wires a warm memory store and optional skill library
// (nil disables skill lookups during THINK/PLAN).
func NewManager(memory *pai.WarmStore, skills *skilllibrary.Library, logger *observability.Logger) *Manager {
	return &Manager{
		memory:          memory,
		skills:          skills,
		logger:          logger,
		cache:           map[string]cacheEntry{},
		usedLearningIDs: map[string]map[string]struct{}{},
	}
}

func cacheKey(taskID string, phase pai.Phase, toolName string) string {
	return taskID + ":" + string(phase) + ":" + toolName
}

// queryOutcome is what a single concurrent query contributes: either a
// batch of learnings/patterns, or a batch of skills (never both).
type queryOutcome struct {
	learnings []*pai.Learning
	skills    []*skilllibrary.Skill
}

// GetPhaseContext retrieves phase-specific context for a task, using the
// 300s task-scoped cache when available, otherwise running the phase's
// configured queries concurrently with per-query exception isolation.
func (m *Manager) GetPhaseContext(ctx context.Context, phase pai.Phase, taskID, taskDescription, agentType string, permissionLevel int, projectID, domainID, toolName string) *PhaseContext {
	key := cacheKey(taskID, phase, toolName)

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && !entry.expired() {
		m.trackUsedLocked(taskID, entry.context.LearningIDs)
		cached := entry.context
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	config, ok := phaseQueries[phase]
	if !ok {
		config = defaultQueryConfig
	}

	truncated := taskDescription
	if len(truncated) > maxQueryLength {
		truncated = truncated[:maxQueryLength]
	}

	var tasks []func() queryOutcome

	tasks = append(tasks, func() queryOutcome {
		found, err := m.memory.SearchLearnings(ctx, truncated, &phase, nil, config.Limit, agentType, permissionLevel, projectID, domainID)
		if err != nil {
			m.logWarn(ctx, "phase context query failed", err)
			return queryOutcome{}
		}
		return queryOutcome{learnings: found}
	})

	for _, category := range config.Categories {
		category := category
		tasks = append(tasks, func() queryOutcome {
			found, err := m.memory.SearchLearnings(ctx, truncated, nil, &category, config.Limit, agentType, permissionLevel, projectID, domainID)
			if err != nil {
				m.logWarn(ctx, "phase context category query failed", err)
				return queryOutcome{}
			}
			return queryOutcome{learnings: found}
		})
	}

	if phase == pai.PhaseBuild && toolName != "" {
		tasks = append(tasks, func() queryOutcome {
			return queryOutcome{learnings: m.searchToolPatterns(ctx, toolName, agentType, permissionLevel)}
		})
	}

	if (phase == pai.PhaseThink || phase == pai.PhasePlan) && m.skills != nil {
		tasks = append(tasks, func() queryOutcome {
			return queryOutcome{skills: m.getApplicableSkills(ctx, taskDescription)}
		})
	}

	results := runConcurrently(tasks)

	phaseCtx := &PhaseContext{Phase: phase}
	seen := map[string]bool{}
	var skillsFound []*skilllibrary.Skill

	for _, r := range results {
		for _, l := range r.learnings {
			if l.ID == "" || seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			if patternCategories[l.Category] {
				phaseCtx.Patterns = append(phaseCtx.Patterns, l)
			} else {
				phaseCtx.Learnings = append(phaseCtx.Learnings, l)
			}
			phaseCtx.LearningIDs = append(phaseCtx.LearningIDs, l.ID)
		}
		if r.skills != nil {
			skillsFound = r.skills
		}
	}
	phaseCtx.Skills = skillsFound

	sort.SliceStable(phaseCtx.Learnings, func(i, j int) bool {
		return phaseCtx.Learnings[i].UtilityScore > phaseCtx.Learnings[j].UtilityScore
	})
	if maxLearnings := config.Limit * 2; len(phaseCtx.Learnings) > maxLearnings {
		phaseCtx.Learnings = phaseCtx.Learnings[:maxLearnings]
	}

	phaseCtx.Metadata = map[string]any{
		"phase":           string(phase),
		"query_count":     len(tasks),
		"learnings_found": len(phaseCtx.Learnings),
		"patterns_found":  len(phaseCtx.Patterns),
		"skills_found":    len(phaseCtx.Skills),
	}

	m.mu.Lock()
	m.cache[key] = cacheEntry{context: phaseCtx, timestamp: time.Now()}
	m.trackUsedLocked(taskID, phaseCtx.LearningIDs)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug(ctx, "phasememory: phase context retrieved", "phase", string(phase),
			"learnings", len(phaseCtx.Learnings), "patterns", len(phaseCtx.Patterns), "skills", len(phaseCtx.Skills))
	}

	return phaseCtx
}

func (m *Manager) searchToolPatterns(ctx context.Context, toolName, agentType string, permissionLevel int) []*pai.Learning {
	var out []*pai.Learning

	successCategory := "tool_success"
	success, err := m.memory.SearchLearnings(ctx, toolName+" successful usage pattern", nil, &successCategory, 3, agentType, permissionLevel, "", "")
	if err != nil {
		m.logWarn(ctx, "tool success pattern search failed", err)
	} else {
		out = append(out, success...)
	}

	errorCategory := "tool_error"
	errs, err := m.memory.SearchLearnings(ctx, toolName+" error issue problem", nil, &errorCategory, 2, agentType, permissionLevel, "", "")
	if err != nil {
		m.logWarn(ctx, "tool error pattern search failed", err)
	} else {
		out = append(out, errs...)
	}

	return out
}

func (m *Manager) getApplicableSkills(ctx context.Context, taskDescription string) []*skilllibrary.Skill {
	skills, err := m.skills.FindApplicableSkills(ctx, taskDescription, nil, 0.6, 5)
	if err != nil {
		m.logWarn(ctx, "skill lookup failed", err)
		return nil
	}
	return skills
}

// runConcurrently executes every task in its own goroutine and collects
// all results, isolating panics and surfacing them as an empty outcome
// (the task's own logging already reported any ordinary error).
func runConcurrently(tasks []func() queryOutcome) []queryOutcome {
	results := make([]queryOutcome, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func() queryOutcome) {
			defer wg.Done()
			defer func() { _ = recover() }()
			results[i] = task()
		}(i, task)
	}
	wg.Wait()
	return results
}

func (m *Manager) logWarn(ctx context.Context, msg string, err error) {
	if m.logger != nil {
		m.logger.Warn(ctx, "phasememory: "+msg, "error", err)
	}
}

func (m *Manager) trackUsedLocked(taskID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	set, ok := m.usedLearningIDs[taskID]
	if !ok {
		set = map[string]struct{}{}
		m.usedLearningIDs[taskID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// StorePhaseInsight stores insight as a Learning tagged with the given
// phase and category, scoping it PROJECT or DOMAIN when project/domain
// ids are provided and GLOBAL otherwise.
func (m *Manager) StorePhaseInsight(ctx context.Context, phase pai.Phase, taskID, insight, category string, confidence float64, agentType string, permissionLevel int, projectID, domainID string, metadata map[string]any) (string, error) {
	scope := pai.ScopeGlobal
	if domainID != "" {
		scope = pai.ScopeDomain
	} else if projectID != "" {
		scope = pai.ScopeProject
	}

	l := pai.NewLearning(insight, phase, category)
	l.TaskID = taskID
	l.AgentType = agentType
	l.Confidence = confidence
	l.Metadata = metadata
	l.CreatedByAgent = agentType
	l.PermissionLevel = permissionLevel
	l.Scope = scope
	l.ProjectID = projectID
	l.DomainID = domainID

	id, err := m.memory.StoreLearning(ctx, l, agentType, false)
	if err != nil {
		return "", err
	}
	if m.logger != nil {
		m.logger.Debug(ctx, "phasememory: stored phase insight", "phase", string(phase), "category", category, "doc_id", id)
	}
	return id, nil
}

// FeedbackResult reports how many used learnings were boosted or decayed.
type FeedbackResult struct {
	Boosted int
	Decayed int
}

// ApplyFeedback boosts (on success) or decays (on failure) every learning
// id used during task_id's execution, then clears the tracking entry.
func (m *Manager) ApplyFeedback(ctx context.Context, taskID string, success bool, boostAmount, decayAmount float64) FeedbackResult {
	m.mu.Lock()
	ids, ok := m.usedLearningIDs[taskID]
	if ok {
		delete(m.usedLearningIDs, taskID)
	}
	m.mu.Unlock()

	var result FeedbackResult
	if !ok {
		return result
	}

	for id := range ids {
		var err error
		if success {
			err = m.memory.BoostLearning(ctx, id, boostAmount)
			if err == nil {
				result.Boosted++
			}
		} else {
			err = m.memory.DecayLearning(ctx, id, decayAmount)
			if err == nil {
				result.Decayed++
			}
		}
		if err != nil {
			m.logWarn(ctx, "failed to apply feedback to learning "+id, err)
		}
	}

	if m.logger != nil {
		m.logger.Info(ctx, "phasememory: applied feedback", "task_id", taskID, "success", success,
			"boosted", result.Boosted, "decayed", result.Decayed)
	}

	return result
}

// GetUsedLearningIDs returns the learning ids used during task_id so far.
func (m *Manager) GetUsedLearningIDs(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.usedLearningIDs[taskID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ClearCache clears the cache and used-id tracking for taskID, or
// everything when taskID is empty.
func (m *Manager) ClearCache(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID == "" {
		m.cache = map[string]cacheEntry{}
		m.usedLearningIDs = map[string]map[string]struct{}{}
		return
	}
	prefix := taskID + ":"
	for k := range m.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.cache, k)
		}
	}
	delete(m.usedLearningIDs, taskID)
}
