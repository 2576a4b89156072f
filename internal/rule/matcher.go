// Package rule selects forward rules for inbound traffic and resolves the
// destinations they name.
package rule

import (
	"errors"
	"slices"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// ErrNoApplicableRule is reported when matching leaves no rule. It is a
// different outcome from a rule that matched but produced no destination.
var ErrNoApplicableRule = errors.New("no applicable forward rule")

// Query describes the traffic being matched. Command and SOPClassUID are
// empty at connection level, before the first object arrives.
type Query struct {
	CallingAET  string
	Command     dimse.Command
	SOPClassUID string
	Now         time.Time
}

// Matcher evaluates the rules of one proxy AE.
type Matcher struct {
	rules []device.ForwardRule
}

func NewMatcher(ext *device.ProxyExtension) *Matcher {
	if ext == nil {
		return &Matcher{}
	}
	return &Matcher{rules: ext.Rules}
}

// MatchConnection returns the rules applicable to callingAET at now using
// only the calling-AET and receive-schedule filters.
func (m *Matcher) MatchConnection(callingAET string, now time.Time) []*device.ForwardRule {
	var survivors []*device.ForwardRule
	for i := range m.rules {
		r := &m.rules[i]
		if r.MatchesCallingAET(callingAET) && r.Receive.IsNow(now) {
			survivors = append(survivors, r)
		}
	}
	return exclude(survivors, callingSpecificity)
}

// Match returns the rules applicable to one object, in configuration order.
func (m *Matcher) Match(q Query) []*device.ForwardRule {
	var survivors []*device.ForwardRule
	for _, r := range m.MatchConnection(q.CallingAET, q.Now) {
		if objectFilterAdmits(r, q) {
			survivors = append(survivors, r)
		}
	}
	return exclude(survivors, objectSpecificity)
}

func objectFilterAdmits(r *device.ForwardRule, q Query) bool {
	opEmpty, sopEmpty := len(r.Commands) == 0, len(r.SOPClasses) == 0
	opMatch := slices.Contains(r.Commands, q.Command)
	sopMatch := slices.Contains(r.SOPClasses, q.SOPClassUID)
	return (opEmpty && sopEmpty) || (sopMatch && opEmpty) || (opMatch && (sopEmpty || sopMatch))
}

// specificity is a per-dimension vector; true means the rule matched on an
// explicit filter rather than a wildcard.
type specificity [2]bool

func callingSpecificity(r *device.ForwardRule) specificity {
	return specificity{len(r.CallingAETs) > 0}
}

func objectSpecificity(r *device.ForwardRule) specificity {
	return specificity{len(r.Commands) > 0, len(r.SOPClasses) > 0}
}

// dominates reports whether a is at least as specific as b in every
// component and strictly more specific in one.
func (a specificity) dominates(b specificity) bool {
	strict := false
	for i := range a {
		if b[i] && !a[i] {
			return false
		}
		if a[i] && !b[i] {
			strict = true
		}
	}
	return strict
}

// exclude drops every rule strictly dominated by another survivor. All
// comparisons are against the input snapshot, so the result does not depend
// on rule order, and the survivors keep their configuration order.
func exclude(rules []*device.ForwardRule, spec func(*device.ForwardRule) specificity) []*device.ForwardRule {
	if len(rules) < 2 {
		return rules
	}
	specs := make([]specificity, len(rules))
	for i, r := range rules {
		specs[i] = spec(r)
	}
	out := make([]*device.ForwardRule, 0, len(rules))
	for i, r := range rules {
		dominated := false
		for j := range rules {
			if i != j && specs[j].dominates(specs[i]) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, r)
		}
	}
	return out
}
