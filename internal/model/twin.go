package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tenant is the top-level isolation boundary. Every table row carries a
// tenant_id and every query filters on it.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Twin is the published digital persona. The policy text columns are the
// layered prompt material the Response Assembler stitches together in fixed
// order; they are authored through the dashboard, outside this core.
type Twin struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"tenant_id"`
	Name          string    `json:"name"`
	Constitution  string    `json:"constitution"`   // governance layer, first in the prompt
	PersonaPolicy string    `json:"persona_policy"` // decision policy layer
	VoiceGuide    string    `json:"voice_guide"`    // style reference for the voice judge
	// FallbackText overrides the built-in safe fallback response when set.
	FallbackText    *string  `json:"fallback_text,omitempty"`
	ForbiddenTopics []string `json:"forbidden_topics"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShareLink grants anonymous access to a twin through the public share
// endpoint. The token itself is an opaque secret handed to the link holder;
// only its Argon2id hash is stored.
type ShareLink struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	TwinID    uuid.UUID  `json:"twin_id"`
	TokenHash string     `json:"-"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Revoked reports whether the link has been revoked.
func (l ShareLink) Revoked() bool {
	return l.RevokedAt != nil
}

// Owner is an authenticated tenant member who owns twins.
type Owner struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       OwnerRole `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OwnerRole represents the role assigned to a tenant member.
type OwnerRole string

const (
	RoleOwner      OwnerRole = "owner"
	RoleOwnerAdmin OwnerRole = "admin"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r OwnerRole) int {
	switch r {
	case RoleOwnerAdmin:
		return 2
	case RoleOwner:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole OwnerRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateEmail performs a minimal structural check on an owner email.
func ValidateEmail(email string) error {
	if len(email) == 0 {
		return fmt.Errorf("email is required")
	}
	if len(email) > 255 {
		return fmt.Errorf("email must be at most 255 characters")
	}
	at := -1
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			if at >= 0 {
				return fmt.Errorf("email contains multiple @ signs")
			}
			at = i
		}
	}
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("email must contain a local part and a domain")
	}
	return nil
}
