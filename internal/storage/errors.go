package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConversationSuperseded is returned when a conversation already has a
// forced-reset successor and cannot accept further writes.
var ErrConversationSuperseded = errors.New("storage: conversation superseded")

// ErrTrainingSessionActive is returned when starting a training session while
// another one is already active for the same twin and owner.
var ErrTrainingSessionActive = errors.New("storage: training session already active")

// ErrEscalationNotPending is returned when responding to or dismissing an
// escalation that has already been resolved.
var ErrEscalationNotPending = errors.New("storage: escalation not pending")
