package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgsHash_OrderIndependent(t *testing.T) {
	a := ArgsHash("reports.build", map[string]any{"project": "acme", "year": float64(2026)})
	b := ArgsHash("reports.build", map[string]any{"year": float64(2026), "project": "acme"})

	assert.Equal(t, a, b, "map iteration order must not affect the hash")
}

func TestArgsHash_DistinguishesNameAndArgs(t *testing.T) {
	base := ArgsHash("reports.build", map[string]any{"project": "acme"})

	diffName := ArgsHash("reports.rebuild", map[string]any{"project": "acme"})
	assert.NotEqual(t, base, diffName)

	diffArgs := ArgsHash("reports.build", map[string]any{"project": "widgets"})
	assert.NotEqual(t, base, diffArgs)
}

func TestArgsHash_NilArgsEquivalentToEmpty(t *testing.T) {
	withNil := ArgsHash("examples.echo", nil)
	withEmpty := ArgsHash("examples.echo", map[string]any{})

	assert.Equal(t, withNil, withEmpty)
}

func TestArgsHash_Deterministic(t *testing.T) {
	args := map[string]any{"message": "hi", "n": float64(3)}
	first := ArgsHash("examples.echo", args)
	second := ArgsHash("examples.echo", args)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64, "sha256 hex digest is 64 characters")
}
