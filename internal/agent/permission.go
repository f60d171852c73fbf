package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability categories a tool may declare. Mirrors the enumerated set a
// PermissionContext's AllowedCapabilities restricts against.
const (
	CapabilitySystem     = "SYSTEM"
	CapabilityFile       = "FILE"
	CapabilityNetwork    = "NETWORK"
	CapabilityCode       = "CODE"
	CapabilityWeb        = "WEB"
	CapabilityMonitoring = "MONITORING"
)

// Sentinel errors for permission/elevation failures.
var (
	ErrElevationDenied  = errors.New("elevation denied")
	ErrElevationPending = errors.New("elevation pending")
)

// criticalTools is the fixed, static set of tools that require explicit
// confirmation regardless of the caller's current permission level.
var criticalTools = map[string]struct{}{
	"exec":          {},
	"execute_code":  {},
	"delete":        {},
	"bash":          {},
	"apply_patch":   {},
	"sandbox_reset": {},
}

// IsCriticalTool reports whether name is in the fixed critical-tool set.
func IsCriticalTool(name string) bool {
	_, ok := criticalTools[name]
	return ok
}

// PermissionedTool is implemented by tools that declare a permission level,
// capability category, and elevation behavior on top of the base Tool
// interface. Tools that don't implement it are treated as permission level
// 0, uncategorized, no side effects, and not elevation-eligible — the
// registry never requires tool authors to opt into this interface.
type PermissionedTool interface {
	Tool

	// PermissionLevel is the minimum level (0-4) required to invoke this tool.
	PermissionLevel() int

	// CapabilityCategory is one of the Capability* constants, or "" if
	// the tool isn't restricted to any particular category.
	CapabilityCategory() string

	// SideEffects reports whether this tool must not run concurrently
	// with other side-effecting tools in the same batch.
	SideEffects() bool

	// AllowsElevation reports whether a context below PermissionLevel()
	// may request a temporary elevation grant to invoke this tool.
	AllowsElevation() bool

	// MaxElevation is the highest level an elevation grant for this tool
	// may reach. A tool's effective elevation ceiling is at most its own
	// PermissionLevel() unless AllowsElevation() is true.
	MaxElevation() int

	// RequiresConfirmation reports whether this tool needs an explicit
	// human confirmation before running, independent of IsCriticalTool.
	RequiresConfirmation() bool
}

func toolPermissionLevel(t Tool) int {
	if pt, ok := t.(PermissionedTool); ok {
		return pt.PermissionLevel()
	}
	return 0
}

func toolCapabilityCategory(t Tool) string {
	if pt, ok := t.(PermissionedTool); ok {
		return pt.CapabilityCategory()
	}
	return ""
}

func toolSideEffects(t Tool) bool {
	if pt, ok := t.(PermissionedTool); ok {
		return pt.SideEffects()
	}
	return false
}

func toolAllowsElevation(t Tool) bool {
	if pt, ok := t.(PermissionedTool); ok {
		return pt.AllowsElevation()
	}
	return false
}

func toolMaxElevation(t Tool) int {
	if pt, ok := t.(PermissionedTool); ok {
		level := pt.MaxElevation()
		if level < pt.PermissionLevel() {
			return pt.PermissionLevel()
		}
		return level
	}
	return 0
}

func toolRequiresConfirmation(t Tool) bool {
	if pt, ok := t.(PermissionedTool); ok {
		return pt.RequiresConfirmation() || IsCriticalTool(t.Name())
	}
	return IsCriticalTool(t.Name())
}

// ElevationGrant records a time-bounded promotion of an agent's effective
// permission level for a specific tool call. Immutable once issued;
// revocation is modeled as expiry rather than mutation.
type ElevationGrant struct {
	ID            string
	TargetLevel   int
	ToolName      string
	TaskID        string
	Reason        string
	Justification string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the grant is no longer active.
func (g *ElevationGrant) Expired() bool {
	return g == nil || time.Now().After(g.ExpiresAt)
}

// PermissionContext carries an agent's permission state across its
// lifetime. Created at agent start and held for the lifetime of the agent;
// elevation grants are issued and expire independently of the context
// itself.
type PermissionContext struct {
	mu sync.Mutex

	AgentType           string
	BaseLevel           int
	AllowedCapabilities map[string]struct{} // nil/empty => all capabilities allowed
	ElevationCeiling    int                 // 0 means "use the tool's own MaxElevation"

	grant *ElevationGrant
}

// NewPermissionContext constructs a context with the given base level.
// capabilities may be nil to allow every capability category.
func NewPermissionContext(agentType string, baseLevel int, capabilities []string, elevationCeiling int) *PermissionContext {
	var set map[string]struct{}
	if len(capabilities) > 0 {
		set = make(map[string]struct{}, len(capabilities))
		for _, c := range capabilities {
			set[c] = struct{}{}
		}
	}
	return &PermissionContext{
		AgentType:           agentType,
		BaseLevel:           baseLevel,
		AllowedCapabilities: set,
		ElevationCeiling:    elevationCeiling,
	}
}

// CurrentLevel returns the active grant's level if one exists and hasn't
// expired, otherwise the base level.
func (c *PermissionContext) CurrentLevel() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grant != nil && !c.grant.Expired() {
		return c.grant.TargetLevel
	}
	return c.BaseLevel
}

// ActiveGrant returns the currently installed grant, or nil if none/expired.
func (c *PermissionContext) ActiveGrant() *ElevationGrant {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grant != nil && !c.grant.Expired() {
		return c.grant
	}
	return nil
}

func (c *PermissionContext) installGrant(g *ElevationGrant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grant = g
}

func (c *PermissionContext) capabilityAllowed(category string) bool {
	if category == "" {
		return true
	}
	if len(c.AllowedCapabilities) == 0 {
		return true
	}
	_, ok := c.AllowedCapabilities[category]
	return ok
}

func (c *PermissionContext) effectiveCeiling(tool Tool) int {
	if c.ElevationCeiling > 0 {
		return c.ElevationCeiling
	}
	return toolMaxElevation(tool)
}

// ElevationApprover decides whether a requested elevation is auto-approved.
// requestedLevel is the level the grant would carry; ceiling is the
// context's (or tool's) elevation ceiling for this call.
type ElevationApprover func(reason string, requestedLevel, ceiling int) bool

// DefaultElevationRules auto-approves retries and read-only escalations as
// long as the requested level doesn't exceed the ceiling by more than one;
// everything else is left pending for supervisor approval. This is a
// deliberately simple default — override via WithElevationApprover for
// stricter or laxer policy.
func DefaultElevationRules(reason string, requestedLevel, ceiling int) bool {
	switch reason {
	case "retry", "read_only_escalation":
		return ceiling <= 0 || requestedLevel <= ceiling+1
	default:
		return false
	}
}

// ElevationManager issues elevation grants according to an ElevationApprover.
type ElevationManager struct {
	approve ElevationApprover
	ttl     time.Duration
	now     func() time.Time
}

// ElevationManagerOption configures an ElevationManager.
type ElevationManagerOption func(*ElevationManager)

// WithElevationApprover overrides the default auto-approval rule table.
func WithElevationApprover(approve ElevationApprover) ElevationManagerOption {
	return func(m *ElevationManager) { m.approve = approve }
}

// WithElevationTTL overrides the default grant lifetime (15 minutes).
func WithElevationTTL(ttl time.Duration) ElevationManagerOption {
	return func(m *ElevationManager) { m.ttl = ttl }
}

// NewElevationManager constructs an ElevationManager with DefaultElevationRules
// and a 15-minute grant TTL unless overridden.
func NewElevationManager(opts ...ElevationManagerOption) *ElevationManager {
	m := &ElevationManager{
		approve: DefaultElevationRules,
		ttl:     15 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestElevation issues a grant for tool, auto-approving per the
// configured rule table. If approved, the grant is installed on pc and
// future CheckPermission calls against pc will see the raised level until
// it expires.
func (m *ElevationManager) RequestElevation(pc *PermissionContext, tool Tool, taskID, reason, justification string) (*ElevationGrant, bool) {
	requested := toolMaxElevation(tool)
	if requested <= 0 {
		requested = toolPermissionLevel(tool)
	}
	ceiling := pc.effectiveCeiling(tool)
	approved := m.approve(reason, requested, ceiling)

	now := m.now()
	grant := &ElevationGrant{
		ID:            uuid.New().String(),
		TargetLevel:   requested,
		ToolName:      tool.Name(),
		TaskID:        taskID,
		Reason:        reason,
		Justification: justification,
		IssuedAt:      now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if approved {
		pc.installGrant(grant)
	}
	return grant, approved
}

// PermissionCheckResult is the outcome of CheckPermission.
type PermissionCheckResult struct {
	Allowed bool
	Reason  string
	GrantID string
	Pending bool
}

// CheckPermission evaluates whether pc may invoke tool for taskID, per
// spec ordering:
//  1. no context attached => allow
//  2. capability restricted and tool's category not in the allowed set => deny
//  3. current level >= tool's required level => allow
//  4. tool forbids elevation => deny
//  5. otherwise request elevation: auto-approved => allow with grant id,
//     else deny with pending=true
func CheckPermission(ctx context.Context, pc *PermissionContext, elevation *ElevationManager, tool Tool, taskID string) PermissionCheckResult {
	if pc == nil {
		return PermissionCheckResult{Allowed: true}
	}

	category := toolCapabilityCategory(tool)
	if !pc.capabilityAllowed(category) {
		return PermissionCheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("capability %q not permitted for agent type %q", category, pc.AgentType),
		}
	}

	required := toolPermissionLevel(tool)
	if pc.CurrentLevel() >= required {
		return PermissionCheckResult{Allowed: true}
	}

	if !toolAllowsElevation(tool) {
		return PermissionCheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("requires permission level %d, have %d", required, pc.CurrentLevel()),
		}
	}

	if elevation == nil {
		elevation = NewElevationManager()
	}
	reason := elevationReasonFromContext(ctx)
	grant, approved := elevation.RequestElevation(pc, tool, taskID, reason, elevationJustificationFromContext(ctx))
	if approved {
		return PermissionCheckResult{Allowed: true, GrantID: grant.ID}
	}
	return PermissionCheckResult{
		Allowed: false,
		Reason:  fmt.Sprintf("elevation to level %d pending supervisor approval", grant.TargetLevel),
		Pending: true,
	}
}

type elevationReasonKey struct{}
type elevationJustificationKey struct{}

// WithElevationReason attaches an elevation request reason tag (e.g.
// "retry", "read_only_escalation") to ctx for the next CheckPermission call
// that needs to request elevation.
func WithElevationReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, elevationReasonKey{}, reason)
}

// WithElevationJustification attaches a free-form justification string.
func WithElevationJustification(ctx context.Context, justification string) context.Context {
	return context.WithValue(ctx, elevationJustificationKey{}, justification)
}

func elevationReasonFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(elevationReasonKey{}).(string); ok {
		return v
	}
	return ""
}

func elevationJustificationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(elevationJustificationKey{}).(string); ok {
		return v
	}
	return ""
}
