package model

import "fmt"

// Role is the RBAC role carried by an ops API token.
type Role string

const (
	// RoleOperator can inspect every tenant and trigger backfills.
	RoleOperator Role = "operator"
	// RoleEngine is an outreach engine submitting snapshots for its tenant.
	RoleEngine Role = "engine"
	// RoleReader can read patterns for its tenant.
	RoleReader Role = "reader"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters: RoleAtLeast uses >= comparison.
func RoleRank(r Role) int {
	switch r {
	case RoleOperator:
		return 3
	case RoleEngine:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ParseRole validates s as a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if RoleRank(r) == 0 {
		return "", fmt.Errorf("model: unknown role %q", s)
	}
	return r, nil
}
