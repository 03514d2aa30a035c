package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kagami/internal/model"
)

func TestTrainingWriteAllowed(t *testing.T) {
	tests := []struct {
		ic   model.InteractionContext
		want bool
	}{
		{model.ContextOwnerTraining, true},
		{model.ContextOwnerChat, false},
		{model.ContextPublicShare, false},
		{model.ContextPublicWidget, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.ic), func(t *testing.T) {
			assert.Equal(t, tt.want, TrainingWriteAllowed(tt.ic))
		})
	}
}

func TestTrainingWriteAllowedUnknownContext(t *testing.T) {
	assert.False(t, TrainingWriteAllowed(model.InteractionContext("made_up")))
}
