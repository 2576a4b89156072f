// Package device holds the in-memory model of the proxy's configured
// application entities, their forward rules and retry policies.
//
// A generic ApplicationEntity optionally carries a ProxyExtension; only AEs
// with the extension take part in forwarding.
package device

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/schedule"
)

// ErrUnknownAE is returned when an AE title is not configured.
var ErrUnknownAE = errors.New("unknown application entity")

// TransferCapability lists the transfer syntaxes an AE accepts for one SOP class.
type TransferCapability struct {
	SOPClassUID      string
	TransferSyntaxes []string
}

// ApplicationEntity is a locally hosted network endpoint.
type ApplicationEntity struct {
	AETitle              string
	TransferCapabilities []TransferCapability
	Proxy                *ProxyExtension
}

// IsProxy reports whether the AE forwards traffic.
func (ae *ApplicationEntity) IsProxy() bool { return ae != nil && ae.Proxy != nil }

// Supports reports whether the AE accepts sopClass in transfer syntax ts.
// A capability with the wildcard SOP class "*" matches every class, and an
// empty syntax list or "*" matches every syntax.
func (ae *ApplicationEntity) Supports(sopClass, ts string) bool {
	for _, tc := range ae.TransferCapabilities {
		if tc.SOPClassUID != sopClass && tc.SOPClassUID != "*" {
			continue
		}
		if len(tc.TransferSyntaxes) == 0 || slices.Contains(tc.TransferSyntaxes, "*") || slices.Contains(tc.TransferSyntaxes, ts) {
			return true
		}
	}
	return false
}

// ProxyExtension is the forwarding configuration of a proxy AE.
type ProxyExtension struct {
	Rules   []ForwardRule
	Options map[string]ForwardOption
	Retries map[dimse.FailureKind]RetryRecord
	// AcceptDataOnFailedAssociation makes the proxy accept and spool when
	// the direct-forward association to the destination fails.
	AcceptDataOnFailedAssociation bool
	EnableAuditLog                bool
}

// RetryFor returns the retry record for a failure kind.
func (p *ProxyExtension) RetryFor(kind dimse.FailureKind) (RetryRecord, bool) {
	r, ok := p.Retries[kind]
	return r, ok
}

// DestinationActive reports whether the destination's forward option
// schedule, if any, admits delivery at now.
func (p *ProxyExtension) DestinationActive(aet string, now time.Time) bool {
	opt, ok := p.Options[aet]
	if !ok {
		return true
	}
	return opt.Schedule.IsNow(now)
}

// Rule returns the rule with the given name.
func (p *ProxyExtension) Rule(name string) (*ForwardRule, bool) {
	for i := range p.Rules {
		if p.Rules[i].Name == name {
			return &p.Rules[i], true
		}
	}
	return nil, false
}

// ForwardRule selects destinations for matching traffic.
type ForwardRule struct {
	Name        string
	CallingAETs []string
	Commands    []dimse.Command
	SOPClasses  []string
	Receive     schedule.Schedule
	// Exactly one of Destinations and DestinationTemplate is set.
	Destinations        []string
	DestinationTemplate string
	// UseCallingAET overrides the calling AE title on outbound associations.
	UseCallingAET         string
	ExclusiveUseDefinedTC bool
	Conversion            string
}

// HasTemplate reports whether destinations are computed per object.
func (r *ForwardRule) HasTemplate() bool { return r.DestinationTemplate != "" }

// RequiresConversion reports whether objects need per-object processing
// before they can be sent.
func (r *ForwardRule) RequiresConversion() bool { return r.Conversion != "" }

// MatchesCallingAET reports whether the calling-AET filter admits aet.
func (r *ForwardRule) MatchesCallingAET(aet string) bool {
	return len(r.CallingAETs) == 0 || slices.Contains(r.CallingAETs, aet)
}

// CallingAETFor returns the calling AE title to use when forwarding on
// behalf of source.
func (r *ForwardRule) CallingAETFor(source string) string {
	if r.UseCallingAET != "" {
		return r.UseCallingAET
	}
	return source
}

// ForwardOption gates a destination independently of the rule that chose it.
type ForwardOption struct {
	Schedule   schedule.Schedule
	Conversion string
}

// RetryRecord is the retry policy for one failure kind.
type RetryRecord struct {
	Kind       dimse.FailureKind
	Delay      time.Duration
	MaxRetries int
}

// Device is the complete proxy configuration.
type Device struct {
	Name    string
	AEs     map[string]*ApplicationEntity
	Remotes map[string]dimse.Peer
}

// AE looks up a local application entity.
func (d *Device) AE(aet string) (*ApplicationEntity, error) {
	ae, ok := d.AEs[aet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAE, aet)
	}
	return ae, nil
}

// ProxyAEs returns the forwarding AEs sorted by title.
func (d *Device) ProxyAEs() []*ApplicationEntity {
	out := make([]*ApplicationEntity, 0, len(d.AEs))
	for _, ae := range d.AEs {
		if ae.IsProxy() {
			out = append(out, ae)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AETitle < out[j].AETitle })
	return out
}

// Peer resolves how to reach a destination AE title.
func (d *Device) Peer(aet string) (dimse.Peer, error) {
	p, ok := d.Remotes[aet]
	if !ok {
		return dimse.Peer{}, &dimse.ConfigError{Msg: "no connection configured for destination " + aet}
	}
	return p, nil
}

// Validate checks cross references between AEs, rules and remotes.
func (d *Device) Validate() error {
	var errs []string
	for aet, ae := range d.AEs {
		if aet != ae.AETitle {
			errs = append(errs, fmt.Sprintf("ae %q registered under %q", ae.AETitle, aet))
		}
		if !ae.IsProxy() {
			continue
		}
		seen := make(map[string]bool)
		for _, r := range ae.Proxy.Rules {
			if r.Name == "" {
				errs = append(errs, fmt.Sprintf("ae %s: rule without name", aet))
			} else if seen[r.Name] {
				errs = append(errs, fmt.Sprintf("ae %s: duplicate rule %q", aet, r.Name))
			}
			seen[r.Name] = true
			switch {
			case r.HasTemplate() && len(r.Destinations) > 0:
				errs = append(errs, fmt.Sprintf("ae %s rule %s: destinations and destination_template are exclusive", aet, r.Name))
			case !r.HasTemplate() && len(r.Destinations) == 0:
				errs = append(errs, fmt.Sprintf("ae %s rule %s: no destinations", aet, r.Name))
			}
			for _, dest := range r.Destinations {
				if _, ok := d.Remotes[dest]; !ok {
					errs = append(errs, fmt.Sprintf("ae %s rule %s: unknown destination %q", aet, r.Name, dest))
				}
			}
		}
		for kind, rec := range ae.Proxy.Retries {
			if rec.MaxRetries < 0 || rec.Delay < 0 {
				errs = append(errs, fmt.Sprintf("ae %s retry %s: negative delay or max retries", aet, kind))
			}
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("device %s: invalid configuration:\n  %s", d.Name, strings.Join(errs, "\n  "))
	}
	return nil
}
