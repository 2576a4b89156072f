package rule

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// Template maps an object's attributes to destination AE titles.
type Template interface {
	Destinations(ctx context.Context, ref string, attrs dimse.Attributes) ([]string, error)
}

// Target is one destination selected by one rule.
type Target struct {
	Rule           *device.ForwardRule
	DestinationAET string
}

// RuleFailure records a rule whose destinations could not be resolved.
type RuleFailure struct {
	Rule *device.ForwardRule
	Err  error
}

// ResolveError lists the rules that failed during one resolution pass.
// Targets produced by the other rules are still returned alongside it.
type ResolveError struct {
	Failures []RuleFailure
}

func (e *ResolveError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("rule %s: %v", f.Rule.Name, f.Err)
	}
	return "resolve destinations: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-rule errors to errors.Is and errors.As.
func (e *ResolveError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Resolver turns matched rules into a deduplicated target list.
type Resolver struct {
	Template Template
}

// Resolve evaluates rules in order. Only the first occurrence of a
// destination AET is kept; later ones are logged and dropped.
func (r *Resolver) Resolve(ctx context.Context, rules []*device.ForwardRule, attrs dimse.Attributes) ([]Target, error) {
	var (
		targets  []Target
		failures []RuleFailure
		seen     = make(map[string]string)
	)
	for _, rule := range rules {
		dests, err := r.destinations(ctx, rule, attrs)
		if err != nil {
			failures = append(failures, RuleFailure{Rule: rule, Err: err})
			continue
		}
		for _, dest := range dests {
			if first, dup := seen[dest]; dup {
				log.Printf("[rule] duplicate destination %s from rule %s dropped (already selected by rule %s)", dest, rule.Name, first)
				continue
			}
			seen[dest] = rule.Name
			targets = append(targets, Target{Rule: rule, DestinationAET: dest})
		}
	}
	if len(failures) > 0 {
		return targets, &ResolveError{Failures: failures}
	}
	return targets, nil
}

// ResolveRule resolves a single rule, used when restaging an item whose
// destination could not be computed at receive time.
func (r *Resolver) ResolveRule(ctx context.Context, rule *device.ForwardRule, attrs dimse.Attributes) ([]string, error) {
	return r.destinations(ctx, rule, attrs)
}

func (r *Resolver) destinations(ctx context.Context, rule *device.ForwardRule, attrs dimse.Attributes) ([]string, error) {
	if !rule.HasTemplate() {
		return rule.Destinations, nil
	}
	if r.Template == nil {
		return nil, &dimse.ConfigError{Msg: "no template engine for rule " + rule.Name}
	}
	dests, err := r.Template.Destinations(ctx, rule.DestinationTemplate, attrs)
	if err != nil {
		return nil, err
	}
	if len(dests) == 0 {
		return nil, &dimse.ConfigError{Msg: "destination template of rule " + rule.Name + " produced no AE title"}
	}
	return dests, nil
}
