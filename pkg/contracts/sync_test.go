package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusPriority(t *testing.T) {
	assert.Greater(t, TodoCompleted.Priority(), TodoInProgress.Priority())
	assert.Greater(t, TodoInProgress.Priority(), TodoPending.Priority())
	assert.Equal(t, 0, TodoStatus("bogus").Priority())
}

func TestTodoClone(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	orig := Todo{
		ID:          "todo-1",
		Content:     "cross-examine witness list",
		Status:      TodoInProgress,
		ActiveForm:  "Cross-examining witness list",
		Topics:      []string{"litigation", "discovery"},
		Metadata:    map[string]any{"priority": "high"},
		VectorClock: map[string]uint64{"sess-a": 3},
		UpdatedAt:   now,
	}

	c := orig.Clone()
	c.Topics[0] = "mutated"
	c.Metadata["priority"] = "low"
	c.VectorClock["sess-a"] = 99

	assert.Equal(t, "litigation", orig.Topics[0])
	assert.Equal(t, "high", orig.Metadata["priority"])
	assert.Equal(t, uint64(3), orig.VectorClock["sess-a"])
}

func TestTodoDeleted(t *testing.T) {
	var td Todo
	assert.False(t, td.Deleted())

	now := time.Now()
	td.DeletedAt = &now
	assert.True(t, td.Deleted())
}

func TestAuthorityGrantValidate(t *testing.T) {
	eff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := eff.Add(24 * time.Hour)

	g := AuthorityGrant{ID: "g1", EffectiveAt: &eff, ExpiresAt: &exp}
	assert.NoError(t, g.Validate())

	bad := exp
	badEff := bad.Add(time.Hour)
	g2 := AuthorityGrant{ID: "g2", EffectiveAt: &badEff, ExpiresAt: &bad}
	err := g2.Validate()
	assert.Error(t, err)
	assert.Equal(t, CodeInvalidInput, FaultCode(err))

	assert.False(t, g.ExpiredAt(eff.Add(time.Hour)))
	assert.True(t, g.ExpiredAt(exp.Add(time.Minute)))

	open := AuthorityGrant{ID: "g3", EffectiveAt: &eff}
	assert.False(t, open.ExpiredAt(exp.Add(1000*time.Hour)))
}
