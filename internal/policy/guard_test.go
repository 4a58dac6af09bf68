package policy_test

import (
	"testing"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGuard_InvalidExpression(t *testing.T) {
	_, err := policy.NewGuard([]policy.GuardRule{
		{Name: "bad", Expression: `this is not valid CEL !!!`, Effect: policy.Allow},
	}, policy.Allow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestNewGuard_NonBoolExpression(t *testing.T) {
	_, err := policy.NewGuard([]policy.GuardRule{
		{Name: "str", Expression: `driver + "x"`, Effect: policy.Deny},
	}, policy.Allow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bool")
}

func TestGuard_FirstMatchWins(t *testing.T) {
	g, err := policy.NewGuard([]policy.GuardRule{
		{Name: "no-delete", Expression: `op == "delete"`, Effect: policy.Deny},
		{Name: "everything", Expression: `true`, Effect: policy.Allow},
	}, policy.Deny)
	require.NoError(t, err)

	effect, rule := g.Evaluate(policy.GuardRequest{Driver: "storage", Op: "delete", Kind: policy.Write})
	assert.Equal(t, policy.Deny, effect)
	assert.Equal(t, "no-delete", rule)

	effect, rule = g.Evaluate(policy.GuardRequest{Driver: "storage", Op: "get", Kind: policy.Read})
	assert.Equal(t, policy.Allow, effect)
	assert.Equal(t, "everything", rule)
}

func TestGuard_Default(t *testing.T) {
	g, err := policy.NewGuard([]policy.GuardRule{
		{Name: "only-get", Expression: `op == "get" && kind == "read"`, Effect: policy.Allow},
	}, policy.Deny)
	require.NoError(t, err)

	effect, rule := g.Evaluate(policy.GuardRequest{Op: "put", Kind: policy.Write})
	assert.Equal(t, policy.Deny, effect)
	assert.Equal(t, "default:deny", rule)
}

func TestGuard_Options(t *testing.T) {
	g, err := policy.NewGuard([]policy.GuardRule{
		{Name: "small-models", Expression: `target.startsWith("tiny") || options["size"] == "small"`, Effect: policy.Allow},
	}, policy.Deny)
	require.NoError(t, err)

	effect, _ := g.Evaluate(policy.GuardRequest{Target: "llama-70b", Options: map[string]any{"size": "small"}})
	assert.Equal(t, policy.Allow, effect)
	effect, _ = g.Evaluate(policy.GuardRequest{Target: "tiny-1b"})
	assert.Equal(t, policy.Allow, effect)
	effect, _ = g.Evaluate(policy.GuardRequest{Target: "llama-70b"})
	assert.Equal(t, policy.Deny, effect)
}

func TestGuard_EvalErrorFailsClosed(t *testing.T) {
	g, err := policy.NewGuard([]policy.GuardRule{
		{Name: "missing-key", Expression: `options["absent"] == "x"`, Effect: policy.Allow},
	}, policy.Allow)
	require.NoError(t, err)

	effect, rule := g.Evaluate(policy.GuardRequest{})
	assert.Equal(t, policy.Deny, effect)
	assert.Equal(t, "error", rule)
}

func TestGuard_NilAllows(t *testing.T) {
	var g *policy.Guard
	effect, _ := g.Evaluate(policy.GuardRequest{})
	assert.Equal(t, policy.Allow, effect)
}
