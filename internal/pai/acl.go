package pai

// CheckACL evaluates spec §4.9's access rule set for a requester
// (agentType, permissionLevel) against a learning:
//
//  1. creator always has access (continuity across its own task)
//  2. permission level >= 4 (supervisor) sees everything
//  3. public learnings are accessible to all
//  4. internal learnings require permissionLevel >= learning's required level
//  5. restricted learnings require the requester to be on the allow-list
//  6. default: allow, biased toward productivity over caution
func CheckACL(l *Learning, agentType string, permissionLevel int) bool {
	if l.CreatedByAgent == agentType {
		return true
	}
	if permissionLevel >= 4 {
		return true
	}
	switch l.Sensitivity {
	case SensitivityPublic:
		return true
	case SensitivityInternal:
		return permissionLevel >= l.PermissionLevel
	case SensitivityRestricted:
		for _, a := range l.AllowedAgents {
			if a == agentType {
				return true
			}
		}
		return false
	default:
		return true
	}
}
