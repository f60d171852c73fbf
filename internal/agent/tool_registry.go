package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
//
// A registry is per-agent: when constructed with a PermissionContext it
// becomes the sole authority on whether a given call is authorized right
// now (component H), layered underneath the coarser allow/deny profile
// filtering in internal/tools/policy (which decides whether a tool is
// visible at all).
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	permCtx   *PermissionContext
	elevation *ElevationManager
	security  SecurityValidator
	execCtx   map[string]any
}

// ToolRegistryOption configures a ToolRegistry at construction time.
type ToolRegistryOption func(*ToolRegistry)

// WithPermissionContext attaches the agent's permission context so Execute
// enforces per-call authorization (spec's check_permission).
func WithPermissionContext(pc *PermissionContext) ToolRegistryOption {
	return func(r *ToolRegistry) { r.permCtx = pc }
}

// WithElevationManager overrides the elevation manager used when a call
// needs to request elevation. Defaults to NewElevationManager().
func WithElevationManager(m *ElevationManager) ToolRegistryOption {
	return func(r *ToolRegistry) { r.elevation = m }
}

// WithSecurityValidator attaches a validator run after permission checks
// and before the tool body executes.
func WithSecurityValidator(v SecurityValidator) ToolRegistryOption {
	return func(r *ToolRegistry) { r.security = v }
}

// WithExecContextValues sets the fixed contextual keys the registry injects
// into every tool call's params (e.g. "_memory", "_agent_type") without
// altering the schema-facing parameters an LLM sees.
func WithExecContextValues(values map[string]any) ToolRegistryOption {
	return func(r *ToolRegistry) { r.execCtx = values }
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools: make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found or parameters are invalid.
//
// When the registry was constructed with WithPermissionContext, this also
// enforces check_permission and the security validator before invoking the
// tool body (spec §4.1's execute() ordering). Without a permission context
// attached, every call is allowed, matching rule (1) of check_permission.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	return r.ExecuteForTask(ctx, name, params, "")
}

// ExecuteForTask is Execute with an explicit task id, used for permission
// checks, elevation grants, and contextual key injection that are scoped to
// a particular task.
func (r *ToolRegistry) ExecuteForTask(ctx context.Context, name string, params json.RawMessage, taskID string) (*ToolResult, error) {
	// Validate tool name
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}

	// Validate params size
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if check := CheckPermission(ctx, r.permCtx, r.elevation, tool, taskID); !check.Allowed {
		msg := "Permission denied: " + check.Reason
		if check.Pending {
			msg = "Permission denied: " + check.Reason + " (pending)"
		}
		return &ToolResult{Content: msg, IsError: true}, nil
	}

	if r.security != nil {
		if allowed, reason := r.security.Validate(ctx, name, params); !allowed {
			return &ToolResult{Content: "Security blocked: " + reason, IsError: true}, nil
		}
	}

	callParams := injectExecContext(params, r.execCtx, taskID, r.permCtx)
	return tool.Execute(ctx, callParams)
}

// SecurityValidator vets a tool call before its body runs (component I).
// Implementations may inspect the tool name and raw params (e.g. to run a
// shell-command analyzer over a "command" field) and reject calls that
// look dangerous.
type SecurityValidator interface {
	Validate(ctx context.Context, toolName string, params json.RawMessage) (allowed bool, reason string)
}

// injectExecContext merges the registry's fixed contextual keys (plus
// "_task_id" when set) into params as extra object fields, without
// altering the keys an LLM-facing schema declares. If params doesn't
// decode as a JSON object, it is returned unmodified.
func injectExecContext(params json.RawMessage, execCtx map[string]any, taskID string, pc *PermissionContext) json.RawMessage {
	if len(execCtx) == 0 && taskID == "" && pc == nil {
		return params
	}

	var obj map[string]any
	if len(params) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(params, &obj); err != nil || obj == nil {
		return params
	}

	for k, v := range execCtx {
		obj[k] = v
	}
	if taskID != "" {
		obj["_task_id"] = taskID
	}
	if pc != nil {
		obj["_agent_type"] = pc.AgentType
	}

	merged, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return merged
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func (r *Runtime) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent, disable bool) {
	if disable || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (r *Runtime) requiresApproval(opts RuntimeOptions, toolName string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(opts.RequireApproval, toolName, resolver)
}

func (r *Runtime) isAsyncTool(opts RuntimeOptions, toolName string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(opts.AsyncTools, toolName, resolver)
}

func (r *Runtime) runToolJob(tc models.ToolCall, job *jobs.Job, toolExec *ToolExecutor, jobStore jobs.Store) {
	if job == nil || jobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	if err := jobStore.Update(ctx, job); err != nil {
		r.opts.Logger.Warn(
			"failed to update job status to running",
			"error", err,
			"job_id", job.ID,
			"tool_call_id", tc.ID,
		)
	}

	var result models.ToolResult
	var execErr error
	if toolExec != nil {
		execResults := toolExec.ExecuteConcurrentlyWithOverrides(ctx, []models.ToolCall{tc}, nil, func(call models.ToolCall) ToolExecConfig {
			return r.toolExecOverrides(call.Name)
		})
		if len(execResults) > 0 {
			result = execResults[0].Result
		} else {
			execErr = fmt.Errorf("tool execution failed")
		}
	} else {
		res, err := r.tools.Execute(ctx, tc.Name, tc.Input)
		if err != nil {
			execErr = err
		} else if res != nil {
			result = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			}
		}
	}

	if execErr != nil {
		job.Status = jobs.StatusFailed
		job.Error = execErr.Error()
	} else if result.IsError {
		job.Status = jobs.StatusFailed
		job.Error = result.Content
		job.Result = &result
	} else {
		job.Status = jobs.StatusSucceeded
		job.Result = &result
	}
	job.FinishedAt = time.Now()
	if err := jobStore.Update(ctx, job); err != nil {
		r.opts.Logger.Warn(
			"failed to update job status on completion",
			"error", err,
			"job_id", job.ID,
			"status", job.Status,
			"tool_call_id", tc.ID,
		)
	}
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Runtime) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	r.sessionLocksMu.Lock()
	lock := r.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		r.sessionLocks[sessionID] = lock
	}
	lock.refs++
	r.sessionLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.sessionLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(r.sessionLocks, sessionID)
		}
		r.sessionLocksMu.Unlock()
	}
}
