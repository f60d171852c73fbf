package skilllibrary

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/memory/backend"
	"github.com/haasonsaas/nexus/internal/memory/embeddings"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/pkg/models"
)

// candidateSearchLimit is how many nearest neighbors FindApplicableSkills
// fetches before precondition/success-rate filtering narrows them down.
const candidateSearchLimit = 20

// PlanFile is a file a plan step touches, used to derive preconditions
// (has_file_type:<ext>) and file-pattern templates.
type PlanFile struct {
	Path string
}

// PlanStep is one step of an executed plan, before templatization.
type PlanStep struct {
	Title       string
	Description string
	Agent       string
	Files       []PlanFile
}

// Plan is the executed plan a successful outcome is synthesized from.
type Plan struct {
	Goal        string
	Description string
	Title       string
	ProjectType string
	Language    string
	Framework   string
	Files       []PlanFile
	RootPath    string
	ProjectName string
	Steps       []PlanStep
}

// Outcome is the result of executing a Plan.
type Outcome struct {
	Success       bool
	FilesModified []string
	DurationMs    int
}

// Library is a searchable store of Skills backed by the same vector
// backend the warm memory tier uses.
type Library struct {
	backend  backend.Backend
	embedder embeddings.Provider
	logger   *observability.Logger
}

// New wraps a vector backend and embedding provider for skill storage.
func New(b backend.Backend, embedder embeddings.Provider, logger *observability.Logger) *Library {
	return &Library{backend: b, embedder: embedder, logger: logger}
}

// FindApplicableSkills runs a semantic search on goal, then narrows the
// top candidateSearchLimit hits down to skills whose preconditions are met
// by context and whose success rate clears minSuccessRate, sorted by
// success rate descending.
func (lib *Library) FindApplicableSkills(ctx context.Context, goal string, context map[string]string, minSuccessRate float64, limit int) ([]*Skill, error) {
	embedding, err := lib.embedder.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("skilllibrary: embed goal: %w", err)
	}

	results, err := lib.backend.Search(ctx, embedding, &backend.SearchOptions{
		Scope: models.ScopeAll,
		Limit: candidateSearchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("skilllibrary: search skills: %w", err)
	}

	var applicable []*Skill
	for _, r := range results {
		skill := entryToSkill(r.Entry)
		if !preconditionsMet(skill.Preconditions, context) {
			continue
		}
		if skill.SuccessRate < minSuccessRate {
			continue
		}
		applicable = append(applicable, skill)
	}

	sort.Slice(applicable, func(i, j int) bool { return applicable[i].SuccessRate > applicable[j].SuccessRate })

	if limit > 0 && len(applicable) > limit {
		applicable = applicable[:limit]
	}
	return applicable, nil
}

// HasSkillFor reports whether any applicable skill exists for a plan
// step's description, used by planning to decide whether to reuse a
// skill instead of generating a fresh step.
func (lib *Library) HasSkillFor(ctx context.Context, stepDescription string) (bool, error) {
	if strings.TrimSpace(stepDescription) == "" {
		return false, nil
	}
	skills, err := lib.FindApplicableSkills(ctx, stepDescription, nil, 0.5, 1)
	if err != nil {
		return false, err
	}
	return len(skills) > 0, nil
}

// LearnSkillFromExecution synthesizes and stores a new Skill from a
// successful plan execution. Returns nil, nil if the outcome wasn't a
// success.
func (lib *Library) LearnSkillFromExecution(ctx context.Context, plan Plan, outcome Outcome) (*Skill, error) {
	if !outcome.Success {
		return nil, nil
	}

	skill := &Skill{
		ID:             "skill_" + uuid.NewString()[:8],
		Name:           generateSkillName(plan),
		Level:          LevelSkill,
		Description:    orDefault(plan.Goal, plan.Description),
		Preconditions:  extractPreconditions(plan),
		Postconditions: extractPostconditions(outcome),
		Steps:          templatizeSteps(plan.Steps),
		Parameters:     extractParameters(plan),
		SuccessRate:    1.0,
		AvgDurationMs:  outcome.DurationMs,
		UseCount:       1,
		Tags:           extractTags(plan),
		CreatedAt:      time.Now(),
	}

	if err := lib.store(ctx, skill); err != nil {
		return nil, fmt.Errorf("skilllibrary: store learned skill: %w", err)
	}
	if lib.logger != nil {
		lib.logger.Info(ctx, "skilllibrary: learned new skill", "name", skill.Name, "id", skill.ID)
	}
	return skill, nil
}

func generateSkillName(plan Plan) string {
	goal := plan.Goal
	if goal == "" {
		goal = plan.Description
	}
	if goal == "" {
		goal = plan.Title
	}
	if goal == "" {
		goal = "Unknown"
	}

	lower := strings.ToLower(goal)
	actionWords := []string{"create", "add", "update", "fix", "implement", "build", "configure"}
	for _, word := range actionWords {
		idx := strings.Index(lower, word)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(lower[idx+len(word):])
		if rest == "" {
			continue
		}
		if len(rest) > 30 {
			rest = rest[:30]
		}
		return strings.ToUpper(word[:1]) + word[1:] + " " + rest
	}

	if len(goal) <= 40 {
		return goal
	}
	return goal[:37] + "..."
}

func extractPreconditions(plan Plan) []string {
	var preconditions []string
	if plan.ProjectType != "" {
		preconditions = append(preconditions, "project_type:"+plan.ProjectType)
	}
	if plan.Language != "" {
		preconditions = append(preconditions, "language:"+plan.Language)
	}
	if plan.Framework != "" {
		preconditions = append(preconditions, "framework:"+plan.Framework)
	}
	for i, f := range plan.Files {
		if i >= 3 {
			break
		}
		if ext := fileExt(f.Path); ext != "" {
			preconditions = append(preconditions, "has_file_type:"+ext)
		}
	}
	return preconditions
}

func extractPostconditions(outcome Outcome) []string {
	var postconditions []string
	if len(outcome.FilesModified) > 0 {
		postconditions = append(postconditions, "modifies_files:"+strconv.Itoa(len(outcome.FilesModified)))
	}
	if outcome.Success {
		postconditions = append(postconditions, "success:true")
	}
	return postconditions
}

func templatizeSteps(steps []PlanStep) []Step {
	templates := make([]Step, 0, len(steps))
	for _, step := range steps {
		tmpl := Step{Title: step.Title, Description: step.Description, Agent: step.Agent}
		for _, f := range step.Files {
			if f.Path == "" || !strings.Contains(f.Path, ".") {
				continue
			}
			parts := strings.Split(f.Path, "/")
			if len(parts) > 1 {
				tmpl.FilePatterns = append(tmpl.FilePatterns, "**/"+parts[len(parts)-1])
			} else {
				tmpl.FilePatterns = append(tmpl.FilePatterns, "*."+fileExt(f.Path))
			}
		}
		templates = append(templates, tmpl)
	}
	return templates
}

func extractParameters(plan Plan) map[string]Parameter {
	params := map[string]Parameter{}
	if plan.RootPath != "" {
		params["root_path"] = Parameter{Type: "string", Required: true, Default: plan.RootPath, Description: "Project root directory"}
	}
	if plan.ProjectName != "" {
		params["project_name"] = Parameter{Type: "string", Required: false, Default: plan.ProjectName, Description: "Project name"}
	}
	return params
}

func extractTags(plan Plan) []string {
	seen := map[string]bool{}
	var tags []string
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		tags = append(tags, t)
	}

	add(strings.ToLower(plan.Language))
	add(strings.ToLower(plan.Framework))

	description := strings.ToLower(plan.Description + plan.Goal)
	actionTags := []struct {
		action string
		tags   []string
	}{
		{"create", []string{"creation", "new"}},
		{"fix", []string{"bugfix", "fix"}},
		{"update", []string{"modification", "update"}},
		{"refactor", []string{"refactoring"}},
		{"test", []string{"testing"}},
		{"configure", []string{"configuration"}},
	}
	for _, at := range actionTags {
		if strings.Contains(description, at.action) {
			for _, t := range at.tags {
				add(t)
			}
			break
		}
	}
	return tags
}

func fileExt(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return path[idx+1:]
}

func orDefault(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// UpdateSkillStats applies the usage EWMA and persists the result.
func (lib *Library) UpdateSkillStats(ctx context.Context, skillID string, success bool, durationMs int) error {
	skill, err := lib.GetSkill(ctx, skillID)
	if err != nil {
		return err
	}
	skill.UpdateStats(success, durationMs)
	return lib.store(ctx, skill)
}

// GetSkill fetches a single skill by id.
func (lib *Library) GetSkill(ctx context.Context, skillID string) (*Skill, error) {
	entry, err := lib.backend.Get(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("skilllibrary: get skill %s: %w", skillID, err)
	}
	return entryToSkill(entry), nil
}

// InstantiatedPlan is the concrete plan produced from a Skill template.
type InstantiatedPlan struct {
	Title                 string
	Description           string
	Steps                 []InstantiatedStep
	SkillID               string
	EstimatedDurationMs   int
	ExpectedSuccessRate   float64
}

// InstantiatedStep is one step of an InstantiatedPlan, with file patterns
// resolved against the caller's context.
type InstantiatedStep struct {
	Title       string
	Description string
	Agent       string
	Files       []string
	SkillSource string
}

// InstantiateSkill substitutes a skill's templated file patterns using
// context["root_path"] and produces a ready-to-execute plan.
func (lib *Library) InstantiateSkill(skill *Skill, context map[string]string) InstantiatedPlan {
	steps := make([]InstantiatedStep, 0, len(skill.Steps))
	rootPath := context["root_path"]
	for _, tmpl := range skill.Steps {
		step := InstantiatedStep{Title: tmpl.Title, Description: tmpl.Description, Agent: tmpl.Agent, SkillSource: skill.ID}
		for _, pattern := range tmpl.FilePatterns {
			if rootPath == "" {
				continue
			}
			step.Files = append(step.Files, strings.ReplaceAll(pattern, "**", rootPath))
		}
		steps = append(steps, step)
	}

	return InstantiatedPlan{
		Title:               skill.Name,
		Description:         skill.Description,
		Steps:               steps,
		SkillID:             skill.ID,
		EstimatedDurationMs: skill.AvgDurationMs,
		ExpectedSuccessRate: skill.SuccessRate,
	}
}

func (lib *Library) store(ctx context.Context, skill *Skill) error {
	if skill.ID == "" {
		skill.ID = "skill_" + uuid.NewString()[:8]
	}
	text := skill.Name + " - " + skill.Description
	embedding, err := lib.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed skill text: %w", err)
	}
	entry := skillToEntry(skill, embedding)
	return lib.backend.Index(ctx, []*models.MemoryEntry{entry})
}

func skillToEntry(s *Skill, embedding []float32) *models.MemoryEntry {
	return &models.MemoryEntry{
		ID:        s.ID,
		Content:   s.Name + " - " + s.Description,
		Metadata:  models.MemoryMetadata{Source: "skill", Tags: s.Tags, Extra: skillMetadata(s)},
		Embedding: embedding,
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
	}
}

func skillMetadata(s *Skill) map[string]any {
	meta := map[string]any{
		"name":            s.Name,
		"level":           string(s.Level),
		"description":     s.Description,
		"preconditions":   s.Preconditions,
		"postconditions":  s.Postconditions,
		"steps":           stepsToMaps(s.Steps),
		"parameters":      parametersToMaps(s.Parameters),
		"success_rate":    s.SuccessRate,
		"avg_duration_ms": s.AvgDurationMs,
		"use_count":       s.UseCount,
	}
	if s.LastUsed != nil {
		meta["last_used"] = s.LastUsed.Format(time.RFC3339Nano)
	}
	return meta
}

func stepsToMaps(steps []Step) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		out = append(out, map[string]any{
			"title":         s.Title,
			"description":   s.Description,
			"agent":         s.Agent,
			"file_patterns": s.FilePatterns,
		})
	}
	return out
}

func parametersToMaps(params map[string]Parameter) map[string]any {
	out := map[string]any{}
	for k, p := range params {
		out[k] = map[string]any{
			"type":        p.Type,
			"required":    p.Required,
			"default":     p.Default,
			"description": p.Description,
		}
	}
	return out
}

func entryToSkill(e *models.MemoryEntry) *Skill {
	meta := e.Metadata.Extra
	s := &Skill{
		ID:            e.ID,
		Name:          metaString(meta, "name"),
		Level:         Level(orDefaultStr(metaString(meta, "level"), string(LevelSkill))),
		Description:   metaString(meta, "description"),
		Preconditions: metaStringSlice(meta, "preconditions"),
		Postconditions: metaStringSlice(meta, "postconditions"),
		Steps:         metaSteps(meta, "steps"),
		Parameters:    metaParameters(meta, "parameters"),
		SuccessRate:   metaFloat(meta, "success_rate", 0.5),
		AvgDurationMs: metaInt(meta, "avg_duration_ms", 0),
		UseCount:      metaInt(meta, "use_count", 0),
		Tags:          e.Metadata.Tags,
		CreatedAt:     e.CreatedAt,
	}
	if s.Name == "" {
		s.Name = e.Content
	}
	if ts := metaString(meta, "last_used"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.LastUsed = &parsed
		}
	}
	return s
}
