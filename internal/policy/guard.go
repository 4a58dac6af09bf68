package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// GuardRule is a named CEL expression attached to a driver. When the
// expression evaluates to true the rule's effect applies.
type GuardRule struct {
	Name       string
	Expression string
	Effect     Effect
}

// GuardRequest is the activation a guard expression sees.
type GuardRequest struct {
	Driver  string
	Op      string
	Kind    Kind
	Target  string
	Options map[string]any
}

type guardProgram struct {
	name    string
	effect  Effect
	program cel.Program
}

// Guard evaluates driver guard rules. The first matching rule wins; if
// none matches the default effect applies.
type Guard struct {
	rules         []guardProgram
	defaultEffect Effect
}

// GuardEnv returns the CEL environment guard expressions compile in.
func GuardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("driver", cel.StringType),
		cel.Variable("op", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("options", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewGuard compiles rules. An expression that fails to compile or does not
// produce a bool is an error naming the rule.
func NewGuard(rules []GuardRule, defaultEffect Effect) (*Guard, error) {
	g := &Guard{defaultEffect: defaultEffect}
	if len(rules) == 0 {
		return g, nil
	}
	env, err := GuardEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("guard %q: invalid CEL expression: %w", rule.Name, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("guard %q: expression must evaluate to bool, got %s", rule.Name, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("guard %q: %w", rule.Name, err)
		}
		g.rules = append(g.rules, guardProgram{name: rule.Name, effect: rule.Effect, program: prg})
	}
	return g, nil
}

// Evaluate returns the effect and the name of the deciding rule. An
// evaluation error fails closed under the rule name "error".
func (g *Guard) Evaluate(req GuardRequest) (Effect, string) {
	if g == nil {
		return Allow, "default:allow"
	}
	opts := req.Options
	if opts == nil {
		opts = map[string]any{}
	}
	activation := map[string]any{
		"driver":  req.Driver,
		"op":      req.Op,
		"kind":    req.Kind.String(),
		"target":  req.Target,
		"options": opts,
	}
	for _, r := range g.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return Deny, "error"
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return r.effect, r.name
		}
	}
	return g.defaultEffect, "default:" + g.defaultEffect.String()
}
