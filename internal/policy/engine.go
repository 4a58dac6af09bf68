// Package policy decides whether a guest may touch a host resource.
//
// A compiled Policy holds an ordered rule list. Evaluation starts from
// deny and the last rule that matches the (kind, resource) pair decides.
// Rules from the manifest come first, followed by command-line options,
// so the command line always overrides the manifest.
package policy

import (
	"fmt"
	"strings"
)

type compiledRule struct {
	Rule
	path string
	net  netPattern
}

// Policy is an immutable compiled rule set. It is safe for concurrent use.
type Policy struct {
	rules []compiledRule
}

// Compile validates rules, appends the rules derived from overrides and
// returns the compiled policy.
func Compile(rules []Rule, overrides Overrides) (*Policy, error) {
	all := append(append([]Rule(nil), rules...), overrides.rules()...)
	p := &Policy{rules: make([]compiledRule, 0, len(all))}
	for i, r := range all {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r, err)
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}
	if r.Source == "" {
		cr.Source = "manifest"
	}
	if r.Match == MatchAny {
		return cr, nil
	}
	switch r.Kind {
	case Read, Write:
		if r.Match == MatchRawPrefix {
			if r.Pattern == "" {
				return cr, fmt.Errorf("empty path pattern")
			}
			cr.path = lowerASCII(r.Pattern)
			return cr, nil
		}
		p, ok := normalizePath(r.Pattern)
		if !ok {
			return cr, fmt.Errorf("invalid path pattern %q", r.Pattern)
		}
		cr.path = p
	case Net:
		np, err := parseNetPattern(r.Pattern)
		if err != nil {
			return cr, err
		}
		cr.net = np
	default:
		return cr, fmt.Errorf("unknown kind %d", r.Kind)
	}
	return cr, nil
}

// Evaluate returns the decision for a request and the rule that made it.
// Requests matched by no rule, and resources that cannot be parsed, are
// denied by "default:deny".
func (p *Policy) Evaluate(kind Kind, resource string) (Effect, string) {
	var (
		pathRes string
		netRes  netPattern
		ok      bool
	)
	switch kind {
	case Read, Write:
		pathRes, ok = normalizePath(resource)
	case Net:
		netRes, ok = parseNetRequest(resource)
	}
	if !ok {
		return Deny, "default:deny"
	}

	for i := len(p.rules) - 1; i >= 0; i-- {
		r := &p.rules[i]
		if r.Kind != kind || !r.matches(pathRes, netRes) {
			continue
		}
		return r.Effect, r.String()
	}
	return Deny, "default:deny"
}

func (r *compiledRule) matches(pathRes string, netRes netPattern) bool {
	switch {
	case r.Match == MatchAny:
		return true
	case r.Kind == Net:
		return r.net.matches(netRes)
	case r.Match == MatchRawPrefix:
		return strings.HasPrefix(lowerASCII(pathRes), r.path)
	default:
		return withinPath(r.path, pathRes)
	}
}

// Check returns only the decision of Evaluate.
func (p *Policy) Check(kind Kind, resource string) Effect {
	e, _ := p.Evaluate(kind, resource)
	return e
}

// Allowed reports whether Check returns Allow.
func (p *Policy) Allowed(kind Kind, resource string) bool {
	return p.Check(kind, resource) == Allow
}

// Rules returns the effective rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Rule
	}
	return out
}

// Roots returns the path patterns of allow rules for kind. It is used to
// scope external processes to what the guest itself may reach.
func (p *Policy) Roots(kind Kind) []string {
	var roots []string
	for _, r := range p.rules {
		if r.Kind != kind || r.Effect != Allow {
			continue
		}
		if r.Match == MatchAny {
			return []string{"/"}
		}
		roots = append(roots, r.path)
	}
	return roots
}
