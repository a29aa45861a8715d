package entity

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEntity_CloneIsDeep(t *testing.T) {
	e := Entity{ID: 1, Name: "Romeo", PartnerID: PartnerOf(2)}
	c := e.Clone()
	*c.PartnerID = 99

	assert.Equal(t, ID(2), *e.PartnerID)
	assert.False(t, e.Equal(c))
}

func TestEntity_Equal(t *testing.T) {
	a := Entity{ID: 1, Name: "Tom"}
	assert.True(t, a.Equal(Entity{ID: 1, Name: "Tom"}))
	assert.False(t, a.Equal(Entity{ID: 1, Name: "Tom", PartnerID: PartnerOf(3)}))
	assert.True(t, Entity{ID: 1, PartnerID: PartnerOf(3)}.Equal(Entity{ID: 1, PartnerID: PartnerOf(3)}))
}

func TestParseLockMode(t *testing.T) {
	tests := map[string]LockMode{
		"":          LockNone,
		"none":      LockNone,
		"Shared":    LockShared,
		"exclusive": LockExclusive,
		"update":    LockExclusive,
	}
	for in, want := range tests {
		got, err := ParseLockMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLockMode("optimistic")
	assert.Error(t, err)
}

func TestParseIsolationLevel(t *testing.T) {
	lvl, err := ParseIsolationLevel("Read Uncommitted")
	require.NoError(t, err)
	assert.Equal(t, IsolationReadUncommitted, lvl)

	lvl, err = ParseIsolationLevel("repeatable-read")
	require.NoError(t, err)
	assert.Equal(t, IsolationRepeatableRead, lvl)

	_, err = ParseIsolationLevel("snapshot")
	assert.Error(t, err)
}

func TestIsolationLevel_YAML(t *testing.T) {
	var doc struct {
		Isolation IsolationLevel `yaml:"isolation"`
		Lock      LockMode       `yaml:"lock"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("isolation: read_committed\nlock: shared\n"), &doc))
	assert.Equal(t, IsolationReadCommitted, doc.Isolation)
	assert.Equal(t, LockShared, doc.Lock)
}

func TestBusinessErrors_MatchSentinels(t *testing.T) {
	wrapped := fmt.Errorf("link 1-2: %w", NewAlreadyPaired(1, 7))
	assert.True(t, errors.Is(wrapped, ErrAlreadyPaired))
	assert.False(t, errors.Is(wrapped, ErrNotFound))

	var ap *AlreadyPairedError
	require.True(t, errors.As(wrapped, &ap))
	assert.Equal(t, ID(1), ap.ID)
	assert.Equal(t, ID(7), ap.PartnerID)

	code, ok := CodeOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadyPaired, code)

	assert.True(t, IsBusinessError(NewSameValue(3, "Bill")))
	assert.True(t, IsBusinessError(NewNotFound(3)))
	assert.False(t, IsBusinessError(errors.New("disk on fire")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `SAME_VALUE: entity 4 already has name "Heisenberg"`, NewSameValue(4, "Heisenberg").Error())
	assert.Equal(t, "NOT_FOUND: no entity by id -1", NewNotFound(-1).Error())
	assert.Equal(t, "ALREADY_PAIRED: entity 1 already has partner 2", NewAlreadyPaired(1, 2).Error())
}
