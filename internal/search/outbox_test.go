package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEntryIDs(t *testing.T) {
	entries := []outboxEntry{{ID: 3}, {ID: 1}, {ID: 7}}
	assert.Equal(t, []int64{3, 1, 7}, entryIDs(entries))
	assert.Empty(t, entryIDs(nil))
}

func TestPointFromEntity(t *testing.T) {
	// The worker converts entityForIndex to Point directly, so the two
	// structs must stay field-for-field compatible.
	e := entityForIndex{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		TwinID:    uuid.New(),
		Kind:      KindTrainingMemory,
		CreatedAt: time.Now(),
		Embedding: []float32{0.1, 0.2},
	}
	p := Point(e)
	assert.Equal(t, e.ID, p.ID)
	assert.Equal(t, e.Kind, p.Kind)
	assert.Equal(t, e.Embedding, p.Embedding)
}
