package agent

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ExecuteBatch splits toolCalls into a parallel group (tools whose
// SideEffects() is false) and a sequential group (SideEffects() true),
// runs the full parallel batch to completion via ExecuteConcurrently, then
// runs the sequential group in input order via ExecuteSequentially, and
// reassembles results in the caller's original order (spec §4.2: "run the
// full parallel batch first and then the sequential batch").
//
// This is pure dispatch: it does not re-check permissions — the registry's
// Execute/ExecuteForTask already does that on every call.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, toolCalls []models.ToolCall, emit EventCallback) []ToolExecResult {
	if len(toolCalls) == 0 {
		return nil
	}

	type indexed struct {
		idx int
		tc  models.ToolCall
	}

	var parallel, sequential []indexed
	for i, tc := range toolCalls {
		if e.sideEffecting(tc.Name) {
			sequential = append(sequential, indexed{idx: i, tc: tc})
		} else {
			parallel = append(parallel, indexed{idx: i, tc: tc})
		}
	}

	results := make([]ToolExecResult, len(toolCalls))

	if len(parallel) > 0 {
		calls := make([]models.ToolCall, len(parallel))
		for i, p := range parallel {
			calls[i] = p.tc
		}
		out := e.ExecuteConcurrently(ctx, calls, emit)
		for i, p := range parallel {
			out[i].Index = p.idx
			results[p.idx] = out[i]
		}
	}

	if len(sequential) > 0 {
		calls := make([]models.ToolCall, len(sequential))
		for i, s := range sequential {
			calls[i] = s.tc
		}
		out := e.ExecuteSequentially(ctx, calls)
		for i, s := range sequential {
			out[i].Index = s.idx
			results[s.idx] = out[i]
		}
	}

	return results
}

// sideEffecting reports whether a registered tool declares side effects.
// Unregistered tool names are treated as non-side-effecting so a bad name
// doesn't block the rest of a batch; ToolRegistry.Execute still reports
// "tool not found" for it.
func (e *ToolExecutor) sideEffecting(name string) bool {
	tool, ok := e.registry.Get(name)
	if !ok {
		return false
	}
	return toolSideEffects(tool)
}
