package agent

import (
	"context"

	"github.com/haasonsaas/nexus/internal/pai"
	"github.com/haasonsaas/nexus/internal/phasememory"
	"github.com/haasonsaas/nexus/pkg/models"
)

// SetPhaseMemory wires a phase memory manager into the runtime. Once set,
// every run fetches THINK-phase learnings/patterns/skills into the system
// prompt and reports success/failure feedback for whatever it used.
func (r *Runtime) SetPhaseMemory(m *phasememory.Manager) {
	r.phaseMemory = m
}

// phaseMemorySystemAddendum fetches think-phase context for the incoming
// message and renders it for injection into the system prompt. Returns ""
// if phase memory isn't configured or nothing relevant was found.
func (r *Runtime) phaseMemorySystemAddendum(ctx context.Context, session *models.Session, msg *models.Message) string {
	if r.phaseMemory == nil || session == nil || msg == nil {
		return ""
	}

	phaseCtx := r.phaseMemory.GetPhaseContext(ctx, pai.PhaseThink, session.ID, msg.Content, session.AgentID, 0, "", "", "")
	if phaseCtx == nil {
		return ""
	}
	return phasememory.FormatPhaseContextForInjection(phaseCtx, true, true)
}
