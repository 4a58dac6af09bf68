package policy_test

import (
	"testing"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, rules []policy.Rule, ov policy.Overrides) *policy.Policy {
	t.Helper()
	p, err := policy.Compile(rules, ov)
	require.NoError(t, err)
	return p
}

func manifest(t *testing.T, entries ...string) []policy.Rule {
	t.Helper()
	rules, err := policy.ParsePermissions(entries)
	require.NoError(t, err)
	return rules
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	p := compile(t, nil, policy.Overrides{})
	for _, k := range []policy.Kind{policy.Read, policy.Write, policy.Net} {
		effect, rule := p.Evaluate(k, "/anything")
		assert.Equal(t, policy.Deny, effect, k.String())
		assert.Equal(t, "default:deny", rule)
	}
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "https://example.com"))
}

func TestEvaluate_LastMatchWins(t *testing.T) {
	p := compile(t, []policy.Rule{
		{Kind: policy.Read, Pattern: "/a", Effect: policy.Allow},
		{Kind: policy.Read, Pattern: "/a/b", Effect: policy.Deny},
	}, policy.Overrides{})

	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/a/b/c"))
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/a/x"))
	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/ab"), "component boundary")
	assert.Equal(t, policy.Deny, p.Check(policy.Write, "/a/x"), "kinds are independent")
}

func TestEvaluate_Deterministic(t *testing.T) {
	p := compile(t, manifest(t, "file:///data", "https://api.example.com"), policy.Overrides{})
	first, rule := p.Evaluate(policy.Read, "/data/x")
	for range 100 {
		e, r := p.Evaluate(policy.Read, "/data/x")
		assert.Equal(t, first, e)
		assert.Equal(t, rule, r)
	}
}

func TestEvaluate_FileEntryIsRawPrefix(t *testing.T) {
	tests := []struct {
		entry    string
		resource string
		want     policy.Effect
	}{
		{"file:///data", "/data/x", policy.Allow},
		{"file:///data", "/database", policy.Allow},
		{"file:///data/", "/database", policy.Deny},
		{"file:///data/", "/data/x", policy.Allow},
		{"file://a.go", "/a.go", policy.Allow},
		{"file://a.go", "/b.go", policy.Deny},
		{"file://a.go", "a.go", policy.Allow},
		{"file://a.go", "/A.go", policy.Allow},
		{"file:///Data", "/data/x", policy.Allow},
		{"file:///data", "/DATABASE", policy.Allow},
		{"file:///data/", "/DATA/x", policy.Allow},
		{"file:///data/", "/Datum", policy.Deny},
	}
	for _, tt := range tests {
		t.Run(tt.entry+" "+tt.resource, func(t *testing.T) {
			p := compile(t, manifest(t, tt.entry), policy.Overrides{})
			assert.Equal(t, tt.want, p.Check(policy.Read, tt.resource))
			assert.Equal(t, tt.want, p.Check(policy.Write, tt.resource))
		})
	}
}

func TestEvaluate_DotSegmentsCannotEscape(t *testing.T) {
	p := compile(t, manifest(t, "file:///sandbox/"), policy.Overrides{})
	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/sandbox/../etc/passwd"))
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/sandbox/./x"))
}

func TestEvaluate_UnparseableDenied(t *testing.T) {
	p := compile(t, nil, policy.Overrides{AllowAll: true})
	assert.Equal(t, policy.Deny, p.Check(policy.Read, ""))
	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/a\x00b"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "http://"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "bad host"))
}

func TestEvaluate_NetHostMatching(t *testing.T) {
	p := compile(t, nil, policy.Overrides{AllowNet: policy.Scope{Set: true, Resources: []string{"httpbin.org"}}})

	assert.Equal(t, policy.Allow, p.Check(policy.Net, "https://httpbin.org/get"))
	assert.Equal(t, policy.Allow, p.Check(policy.Net, "httpbin.org:8080"))
	assert.Equal(t, policy.Allow, p.Check(policy.Net, "https://eu.httpbin.org"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "https://example.com"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "https://nothttpbin.org"))
}

func TestEvaluate_NetPortSchemePath(t *testing.T) {
	p := compile(t, []policy.Rule{
		{Kind: policy.Net, Pattern: "db.internal:5432", Effect: policy.Allow},
		{Kind: policy.Net, Pattern: "https://api.example.com/v1", Effect: policy.Allow},
	}, policy.Overrides{})

	assert.Equal(t, policy.Allow, p.Check(policy.Net, "db.internal:5432"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "db.internal:5433"))
	assert.Equal(t, policy.Allow, p.Check(policy.Net, "https://api.example.com/v1/items"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "https://api.example.com/v2"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "http://api.example.com/v1"), "scheme must match")
}

func TestEvaluate_CLIOverridesManifest(t *testing.T) {
	rules := manifest(t, "file:///data")
	p := compile(t, rules, policy.Overrides{DenyRead: policy.Scope{Set: true, Resources: []string{"/data/secret"}}})

	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/data/secret/key"))
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/data/public"))
	assert.Equal(t, policy.Allow, p.Check(policy.Write, "/data/secret/key"))

	effect, rule := p.Evaluate(policy.Read, "/data/secret/key")
	assert.Equal(t, policy.Deny, effect)
	assert.Equal(t, "cli:deny-read:/data/secret", rule)
}

func TestEvaluate_ManifestDenyEntry(t *testing.T) {
	p := compile(t, manifest(t, "file:///", "!file:///etc"), policy.Overrides{})
	assert.Equal(t, policy.Deny, p.Check(policy.Read, "/etc/passwd"))
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/home/x"))
}

func TestEvaluate_AllowAllThenDeny(t *testing.T) {
	p := compile(t, nil, policy.Overrides{
		AllowAll: true,
		DenyNet:  policy.Scope{Set: true, Resources: []string{"example.com"}},
	})
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/x"))
	assert.Equal(t, policy.Allow, p.Check(policy.Net, "https://httpbin.org"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "https://example.com"))

	effect, rule := p.Evaluate(policy.Write, "/x")
	assert.Equal(t, policy.Allow, effect)
	assert.Equal(t, "allow-all:allow-write:*", rule)
}

func TestEvaluate_ScopeWithoutResources(t *testing.T) {
	p := compile(t, nil, policy.Overrides{
		AllowRead: policy.Scope{Set: true},
		DenyWrite: policy.Scope{Set: true},
	})
	assert.Equal(t, policy.Allow, p.Check(policy.Read, "/any/where"))
	assert.Equal(t, policy.Deny, p.Check(policy.Write, "/any/where"))
	assert.Equal(t, policy.Deny, p.Check(policy.Net, "example.com"))
}

func TestCompile_InvalidPattern(t *testing.T) {
	_, err := policy.Compile([]policy.Rule{{Kind: policy.Net, Pattern: "http://", Effect: policy.Allow}}, policy.Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 0")
}

func TestRoots(t *testing.T) {
	p := compile(t, manifest(t, "file:///data/", "!file:///tmp"), policy.Overrides{
		AllowWrite: policy.Scope{Set: true, Resources: []string{"/out"}},
	})
	assert.Equal(t, []string{"/data/"}, p.Roots(policy.Read))
	assert.Equal(t, []string{"/data/", "/out"}, p.Roots(policy.Write))

	all := compile(t, nil, policy.Overrides{AllowAll: true})
	assert.Equal(t, []string{"/"}, all.Roots(policy.Read))
}
