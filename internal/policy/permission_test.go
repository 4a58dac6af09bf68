package policy_test

import (
	"testing"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePermissions_File(t *testing.T) {
	rules, err := policy.ParsePermissions([]string{"file://a.go"})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, policy.Read, rules[0].Kind)
	assert.Equal(t, policy.Write, rules[1].Kind)
	for _, r := range rules {
		assert.Equal(t, "/a.go", r.Pattern)
		assert.Equal(t, policy.Allow, r.Effect)
		assert.Equal(t, policy.MatchRawPrefix, r.Match)
		assert.Equal(t, "manifest", r.Source)
	}
}

func TestParsePermissions_Net(t *testing.T) {
	rules, err := policy.ParsePermissions([]string{"https://httpbin.org", "!http://example.com/private"})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, policy.Net, rules[0].Kind)
	assert.Equal(t, policy.Allow, rules[0].Effect)
	assert.Equal(t, policy.Deny, rules[1].Effect)
	assert.Equal(t, "http://example.com/private", rules[1].Pattern)
}

func TestParsePermissions_Errors(t *testing.T) {
	tests := []struct {
		entry string
		msg   string
	}{
		{"httpbin.org", "<scheme>://<resource>"},
		{"ftp://host", "unsupported scheme"},
		{"file://", "empty file resource"},
		{"https://", "missing host"},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			_, err := policy.ParsePermissions([]string{"file:///ok", tt.entry})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "permission 1")
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []policy.Kind{policy.Read, policy.Write, policy.Net} {
		got, err := policy.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := policy.ParseKind("exec")
	require.Error(t, err)
}

func TestRuleString(t *testing.T) {
	r := policy.Rule{Kind: policy.Net, Pattern: "example.com", Effect: policy.Deny, Source: "cli"}
	assert.Equal(t, "cli:deny-net:example.com", r.String())
}
