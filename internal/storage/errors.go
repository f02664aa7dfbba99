package storage

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTenantRequired is returned when a tenant-scoped call receives uuid.Nil.
var ErrTenantRequired = errors.New("storage: tenant id required")

// ErrAlreadyCredited is returned when a lead already has a converting touch.
// Outcome flags are set once and never moved or cleared.
var ErrAlreadyCredited = errors.New("storage: lead already credited")

// RequireTenant rejects the nil tenant.
func RequireTenant(tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return ErrTenantRequired
	}
	return nil
}
