package policy

import (
	"fmt"
	"strings"
)

// Kind is the class of access a rule governs.
type Kind int

const (
	Read Kind = iota
	Write
	Net
)

var kindNames = [...]string{"read", "write", "net"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts "read", "write" or "net" to a Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown permission kind %q", s)
}

// Effect is the outcome of a rule.
type Effect int

const (
	Deny Effect = iota
	Allow
)

func (e Effect) String() string {
	if e == Allow {
		return "allow"
	}
	return "deny"
}

// Match selects how a path rule's pattern is compared to a resource.
type Match int

const (
	// MatchPath matches the pattern and anything below it on path
	// component boundaries.
	MatchPath Match = iota
	// MatchRawPrefix is a plain string prefix test that ignores ASCII
	// case. "file:///data" therefore also covers "/database" and
	// "/DATA"; only "file:///data/" limits the rule to entries inside the
	// directory.
	MatchRawPrefix
	// MatchAny matches every resource of the rule's kind.
	MatchAny
)

// Rule is one ordered permission rule.
type Rule struct {
	Kind    Kind
	Pattern string
	Effect  Effect
	Match   Match
	// Source records where the rule came from: "manifest", "allow-all"
	// or "cli".
	Source string
}

func (r Rule) String() string {
	pattern := r.Pattern
	if r.Match == MatchAny {
		pattern = "*"
	}
	src := r.Source
	if src == "" {
		src = "rule"
	}
	return fmt.Sprintf("%s:%s-%s:%s", src, r.Effect, r.Kind, pattern)
}

// ParsePermissions converts manifest entries of the form
// "<scheme>://<resource>" into rules. A leading "!" turns the entry into
// a deny rule. file:// entries grant both read and write and match by raw
// string prefix; http:// and https:// entries grant network access.
func ParsePermissions(entries []string) ([]Rule, error) {
	var rules []Rule
	for i, entry := range entries {
		parsed, err := parsePermission(entry)
		if err != nil {
			return nil, fmt.Errorf("permission %d (%q): %w", i, entry, err)
		}
		rules = append(rules, parsed...)
	}
	return rules, nil
}

func parsePermission(entry string) ([]Rule, error) {
	effect := Allow
	if rest, ok := strings.CutPrefix(entry, "!"); ok {
		effect = Deny
		entry = rest
	}
	scheme, resource, ok := strings.Cut(entry, "://")
	if !ok {
		return nil, fmt.Errorf("expected <scheme>://<resource>")
	}
	switch strings.ToLower(scheme) {
	case "file":
		if resource == "" {
			return nil, fmt.Errorf("empty file resource")
		}
		if !strings.HasPrefix(resource, "/") {
			resource = "/" + resource
		}
		return []Rule{
			{Kind: Read, Pattern: resource, Effect: effect, Match: MatchRawPrefix, Source: "manifest"},
			{Kind: Write, Pattern: resource, Effect: effect, Match: MatchRawPrefix, Source: "manifest"},
		}, nil
	case "http", "https":
		if _, err := parseNetPattern(entry); err != nil {
			return nil, err
		}
		return []Rule{{Kind: Net, Pattern: entry, Effect: effect, Source: "manifest"}}, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q (want file, http or https)", scheme)
}

// Scope is one command-line allow or deny option. Set without Resources
// covers every resource of the kind.
type Scope struct {
	Set       bool
	Resources []string
}

// Overrides are the command-line permission options. They are applied
// after the manifest's rules so they take precedence.
type Overrides struct {
	AllowAll   bool
	AllowRead  Scope
	AllowWrite Scope
	AllowNet   Scope
	DenyRead   Scope
	DenyWrite  Scope
	DenyNet    Scope
}

// rules expands the overrides in evaluation order: allow-all, then
// allow-* options, then deny-* options.
func (o Overrides) rules() []Rule {
	var rules []Rule
	if o.AllowAll {
		for _, k := range []Kind{Read, Write, Net} {
			rules = append(rules, Rule{Kind: k, Effect: Allow, Match: MatchAny, Source: "allow-all"})
		}
	}
	add := func(k Kind, e Effect, s Scope) {
		if !s.Set {
			return
		}
		if len(s.Resources) == 0 {
			rules = append(rules, Rule{Kind: k, Effect: e, Match: MatchAny, Source: "cli"})
			return
		}
		for _, res := range s.Resources {
			rules = append(rules, Rule{Kind: k, Pattern: res, Effect: e, Source: "cli"})
		}
	}
	add(Read, Allow, o.AllowRead)
	add(Write, Allow, o.AllowWrite)
	add(Net, Allow, o.AllowNet)
	add(Read, Deny, o.DenyRead)
	add(Write, Deny, o.DenyWrite)
	add(Net, Deny, o.DenyNet)
	return rules
}
