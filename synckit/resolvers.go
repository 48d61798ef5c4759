package synckit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

var (
	_ ConflictResolver = (*ManualReviewResolver)(nil)
	_ ConflictResolver = (*RuleResolver)(nil)
)

// Always returns a resolver that answers res for every conflict.
func Always(res Resolution) ConflictResolver {
	return ResolverFunc(func(context.Context, Conflict) (Resolution, error) { return res, nil })
}

// Constant strategies.
var (
	KeepLocal    = Always(ResolveLocal)
	KeepServer   = Always(ResolveServer)
	ShallowMerge = Always(ResolveMerge)
)

// ManualReviewResolver declines every conflict so it lands in the
// ConflictStore.
type ManualReviewResolver struct{}

func (ManualReviewResolver) Resolve(context.Context, Conflict) (Resolution, error) {
	return "", ErrUndecided
}

// Spec matches conflicts for rule-based dispatch.
type Spec func(Conflict) bool

// ChangeTypeIs matches conflicts raised by a change of type t.
func ChangeTypeIs(t ChangeType) Spec {
	return func(c Conflict) bool { return c.LocalChange.Type == t }
}

// ServerFieldEquals matches conflicts whose server row has field == value.
func ServerFieldEquals(field string, value any) Spec {
	return func(c Conflict) bool {
		v, ok := c.ServerState[field]
		return ok && reflect.DeepEqual(v, value)
	}
}

// PayloadHas matches conflicts whose queued payload sets field.
func PayloadHas(field string) Spec {
	return func(c Conflict) bool {
		_, ok := c.LocalChange.Payload[field]
		return ok
	}
}

// And matches when every spec matches.
func And(specs ...Spec) Spec {
	return func(c Conflict) bool {
		for _, s := range specs {
			if !s(c) {
				return false
			}
		}
		return true
	}
}

// Rule binds a matcher to a resolver. Rules are evaluated in insertion
// order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver ConflictResolver
}

// RuleOption configures a RuleResolver.
type RuleOption func(*RuleResolver)

// WithRule appends a rule.
func WithRule(name string, matcher Spec, resolver ConflictResolver) RuleOption {
	return func(r *RuleResolver) {
		r.rules = append(r.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	}
}

// WithFallback sets the resolver used when no rule matches.
func WithFallback(resolver ConflictResolver) RuleOption {
	return func(r *RuleResolver) { r.fallback = resolver }
}

// RuleResolver dispatches conflicts to strategies based on an ordered rule
// set. With no matching rule and no fallback the conflict is left undecided.
type RuleResolver struct {
	rules    []Rule
	fallback ConflictResolver
}

// NewRuleResolver validates and builds a RuleResolver. At least one rule or
// a fallback is required and no rule may have a nil matcher or resolver.
func NewRuleResolver(opts ...RuleOption) (*RuleResolver, error) {
	r := &RuleResolver{}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.rules) == 0 && r.fallback == nil {
		return nil, errors.New("rule resolver requires at least one rule or a fallback")
	}
	for i, rule := range r.rules {
		if rule.Matcher == nil {
			return nil, fmt.Errorf("rule %q at index %d has nil matcher", rule.Name, i)
		}
		if rule.Resolver == nil {
			return nil, fmt.Errorf("rule %q at index %d has nil resolver", rule.Name, i)
		}
	}
	return r, nil
}

// Resolve implements ConflictResolver.
func (r *RuleResolver) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	for _, rule := range r.rules {
		if rule.Matcher(c) {
			return rule.Resolver.Resolve(ctx, c)
		}
	}
	if r.fallback == nil {
		return "", ErrUndecided
	}
	return r.fallback.Resolve(ctx, c)
}
