package model

import "fmt"

// InteractionContext is the trust domain of a conversation. It is derived
// server-side from route, principal, and training-session state, and is
// immutable for the lifetime of a conversation: a request whose resolved
// context differs from the stored one spawns a new conversation instead of
// mutating the existing row.
type InteractionContext string

const (
	ContextOwnerTraining InteractionContext = "owner_training"
	ContextOwnerChat     InteractionContext = "owner_chat"
	ContextPublicShare   InteractionContext = "public_share"
	ContextPublicWidget  InteractionContext = "public_widget"
)

// ParseInteractionContext converts a stored string into the closed enum.
func ParseInteractionContext(s string) (InteractionContext, error) {
	switch ic := InteractionContext(s); ic {
	case ContextOwnerTraining, ContextOwnerChat, ContextPublicShare, ContextPublicWidget:
		return ic, nil
	default:
		return "", fmt.Errorf("model: unknown interaction context %q", s)
	}
}

// Valid reports whether ic is one of the four known contexts.
func (ic InteractionContext) Valid() bool {
	switch ic {
	case ContextOwnerTraining, ContextOwnerChat, ContextPublicShare, ContextPublicWidget:
		return true
	}
	return false
}

// WriteEligible reports whether turns in this context may produce durable
// training artifacts. Only owner_training qualifies; both public contexts are
// hard-blocked regardless of retrieval confidence.
func (ic InteractionContext) WriteEligible() bool {
	switch ic {
	case ContextOwnerTraining:
		return true
	case ContextOwnerChat, ContextPublicShare, ContextPublicWidget:
		return false
	}
	return false
}

// Public reports whether the context belongs to an anonymous visitor surface.
func (ic InteractionContext) Public() bool {
	switch ic {
	case ContextPublicShare, ContextPublicWidget:
		return true
	case ContextOwnerTraining, ContextOwnerChat:
		return false
	}
	return false
}

// ContextResetReason is the fixed taxonomy of reasons the Conversation Guard
// forces a new conversation.
type ContextResetReason string

const (
	// ResetContextMismatch: the supplied conversation's stored context differs
	// from the context resolved for this request.
	ResetContextMismatch ContextResetReason = "context_mismatch"
)

// OriginEndpoint identifies which route family a turn arrived through.
type OriginEndpoint string

const (
	OriginOwnerChat OriginEndpoint = "owner_chat"
	OriginWidget    OriginEndpoint = "widget"
	OriginShare     OriginEndpoint = "share"
)

// Valid reports whether the endpoint is one of the known route families.
func (o OriginEndpoint) Valid() bool {
	switch o {
	case OriginOwnerChat, OriginWidget, OriginShare:
		return true
	}
	return false
}
