// Package proxy decides how inbound associations are served and runs the
// per-association sessions: direct forwarding to a single destination, or
// accepting into the spool with per-object rule evaluation.
package proxy

import (
	"time"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/rule"
)

// Mode is the association-level forwarding decision.
type Mode int

const (
	Reject Mode = iota
	DirectForward
	AcceptAndSpool
)

func (m Mode) String() string {
	switch m {
	case DirectForward:
		return "direct"
	case AcceptAndSpool:
		return "spool"
	default:
		return "reject"
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Mode Mode
	// Rules are the connection-level matches.
	Rules []*device.ForwardRule
	// Rule and Destination are set for DirectForward.
	Rule        *device.ForwardRule
	Destination string
}

// Decide evaluates the connection-level rules of a proxy AE for callingAET.
// Direct forwarding needs a single rule that can be served without looking
// at any object: no DIMSE or SOP class filter, one static destination, no
// conversion, and a destination schedule that is open now.
func Decide(ae *device.ApplicationEntity, callingAET string, now time.Time) Decision {
	if !ae.IsProxy() {
		return Decision{Mode: Reject}
	}
	rules := rule.NewMatcher(ae.Proxy).MatchConnection(callingAET, now)
	if len(rules) == 0 {
		return Decision{Mode: Reject}
	}
	d := Decision{Mode: AcceptAndSpool, Rules: rules}
	if len(rules) != 1 {
		return d
	}
	r := rules[0]
	if len(r.Commands) > 0 || len(r.SOPClasses) > 0 || r.HasTemplate() || len(r.Destinations) != 1 || r.RequiresConversion() {
		return d
	}
	dest := r.Destinations[0]
	if opt, ok := ae.Proxy.Options[dest]; ok && (opt.Conversion != "" || !opt.Schedule.IsNow(now)) {
		return d
	}
	d.Mode = DirectForward
	d.Rule = r
	d.Destination = dest
	return d
}
