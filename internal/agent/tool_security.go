package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/tools/security"
)

// ShellSecurityValidator is the default SecurityValidator. It inspects the
// shell-like fields of a tool call's params with the shell parser already
// used elsewhere in this tree and rejects calls that look dangerous
// (unsafe redirection, command substitution, destructive rm targets).
type ShellSecurityValidator struct {
	// Fields lists the params keys inspected as shell command text.
	// Defaults to {"command", "cmd"} when empty.
	Fields []string
}

// NewShellSecurityValidator returns a ShellSecurityValidator with the
// default field set.
func NewShellSecurityValidator() *ShellSecurityValidator {
	return &ShellSecurityValidator{Fields: []string{"command", "cmd"}}
}

// Validate implements SecurityValidator.
func (v *ShellSecurityValidator) Validate(ctx context.Context, toolName string, params json.RawMessage) (bool, string) {
	fields := v.Fields
	if len(fields) == 0 {
		fields = []string{"command", "cmd"}
	}

	var obj map[string]json.RawMessage
	if len(params) == 0 {
		return true, ""
	}
	if err := json.Unmarshal(params, &obj); err != nil {
		return true, ""
	}

	for _, field := range fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var cmd string
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd == "" {
			continue
		}
		if !security.IsSafeCommand(cmd) {
			return false, security.ExtractUnsafeReason(cmd)
		}
	}
	return true, ""
}
