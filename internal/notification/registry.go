package notification

import (
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown notification type")

// Registry holds rules by type key and remembers registration order.
type Registry struct {
	order []string
	rules map[string]Rule
}

// NewRegistry registers rules in order. Duplicate or empty type keys and
// milestone rules without thresholds are rejected.
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, rule := range rules {
		if rule.Type == "" {
			return nil, errors.New("rule type is empty")
		}
		if _, dup := r.rules[rule.Type]; dup {
			return nil, fmt.Errorf("rule %q registered twice", rule.Type)
		}
		if rule.query == nil {
			return nil, fmt.Errorf("rule %q has no query", rule.Type)
		}
		if rule.Kind == KindMilestone && len(rule.Thresholds) == 0 {
			return nil, fmt.Errorf("milestone rule %q has no thresholds", rule.Type)
		}
		r.order = append(r.order, rule.Type)
		r.rules[rule.Type] = rule
	}
	return r, nil
}

// Default returns a registry of DefaultRules.
func Default() *Registry {
	r, err := NewRegistry(DefaultRules()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(typ string) (Rule, error) {
	rule, ok := r.rules[typ]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return rule, nil
}

// Rules returns every rule in registration order.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.rules[t])
	}
	return out
}

func (r *Registry) Types() []string {
	return append([]string(nil), r.order...)
}

// Render formats stored details for typ. Unknown types render empty.
func (r *Registry) Render(typ string, details map[string]any) Message {
	rule, ok := r.rules[typ]
	if !ok {
		return Message{}
	}
	return rule.Message(details)
}
