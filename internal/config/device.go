package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dcmproxy/dcmproxy/internal/device"
	"github.com/dcmproxy/dcmproxy/internal/dimse"
	"github.com/dcmproxy/dcmproxy/internal/schedule"
)

// DeviceFile is the on-disk YAML shape of the device configuration.
type DeviceFile struct {
	Name    string                `yaml:"name"`
	Remotes map[string]RemoteFile `yaml:"remotes"`
	AEs     map[string]AEFile     `yaml:"aes"`
}

type RemoteFile struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Dir  string `yaml:"dir"`
}

type AEFile struct {
	TransferCapabilities []CapabilityFile `yaml:"transfer_capabilities"`
	Proxy                *ProxyFile       `yaml:"proxy"`
}

type CapabilityFile struct {
	SOPClass         string   `yaml:"sop_class"`
	TransferSyntaxes []string `yaml:"transfer_syntaxes"`
}

type ProxyFile struct {
	AcceptDataOnFailedAssociation bool                  `yaml:"accept_data_on_failed_association"`
	EnableAuditLog                bool                  `yaml:"enable_audit_log"`
	Rules                         []RuleFile            `yaml:"rules"`
	Options                       map[string]OptionFile `yaml:"options"`
	Retries                       []RetryFile           `yaml:"retries"`
}

type ScheduleFile struct {
	Days  string `yaml:"days"`
	Hours string `yaml:"hours"`
}

type RuleFile struct {
	Name                  string        `yaml:"name"`
	CallingAETs           []string      `yaml:"calling_aets"`
	Commands              []string      `yaml:"commands"`
	SOPClasses            []string      `yaml:"sop_classes"`
	Receive               *ScheduleFile `yaml:"receive"`
	Destinations          []string      `yaml:"destinations"`
	DestinationTemplate   string        `yaml:"destination_template"`
	UseCallingAET         string        `yaml:"use_calling_aet"`
	ExclusiveUseDefinedTC bool          `yaml:"exclusive_use_defined_tc"`
	Conversion            string        `yaml:"conversion"`
}

type OptionFile struct {
	Schedule   *ScheduleFile `yaml:"schedule"`
	Conversion string        `yaml:"conversion"`
}

type RetryFile struct {
	Kind       string   `yaml:"kind"`
	Delay      Duration `yaml:"delay"`
	MaxRetries int      `yaml:"max_retries"`
}

// LoadDevice reads and validates the device configuration at path.
func LoadDevice(path string) (*device.Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device config: %w", err)
	}
	defer f.Close()
	return ParseDevice(f)
}

// ParseDevice decodes a YAML device configuration. Unknown keys are errors.
func ParseDevice(r io.Reader) (*device.Device, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read device config: %w", err)
	}
	var file DeviceFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode device config: %w", err)
	}
	d, err := file.Device()
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Device converts the file form into the runtime model, accumulating every
// syntax error instead of stopping at the first.
func (f *DeviceFile) Device() (*device.Device, error) {
	var errs []string
	d := &device.Device{
		Name:    f.Name,
		AEs:     make(map[string]*device.ApplicationEntity, len(f.AEs)),
		Remotes: make(map[string]dimse.Peer, len(f.Remotes)),
	}
	if d.Name == "" {
		d.Name = "dcmproxy"
	}
	for aet, rf := range f.Remotes {
		switch {
		case rf.Dir == "" && rf.Host == "":
			errs = append(errs, fmt.Sprintf("remote %s: host or dir is required", aet))
		case rf.Dir == "":
			validatePort("remote "+aet, rf.Port, &errs)
		}
		d.Remotes[aet] = dimse.Peer{AETitle: aet, Host: rf.Host, Port: rf.Port, Dir: rf.Dir}
	}
	for aet, af := range f.AEs {
		if len(aet) > 16 {
			errs = append(errs, fmt.Sprintf("ae %s: AE title longer than 16 characters", aet))
		}
		ae := &device.ApplicationEntity{AETitle: aet}
		for _, c := range af.TransferCapabilities {
			ae.TransferCapabilities = append(ae.TransferCapabilities, device.TransferCapability{
				SOPClassUID:      c.SOPClass,
				TransferSyntaxes: c.TransferSyntaxes,
			})
		}
		if af.Proxy != nil {
			ae.Proxy = af.Proxy.extension("ae "+aet, &errs)
		}
		d.AEs[aet] = ae
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("device config invalid:\n  %s", strings.Join(errs, "\n  "))
	}
	return d, nil
}

func (p *ProxyFile) extension(where string, errs *[]string) *device.ProxyExtension {
	ext := &device.ProxyExtension{
		AcceptDataOnFailedAssociation: p.AcceptDataOnFailedAssociation,
		EnableAuditLog:                p.EnableAuditLog,
		Options:                       make(map[string]device.ForwardOption, len(p.Options)),
		Retries:                       make(map[dimse.FailureKind]device.RetryRecord, len(p.Retries)),
	}
	for _, rf := range p.Rules {
		rule := device.ForwardRule{
			Name:                  rf.Name,
			CallingAETs:           rf.CallingAETs,
			SOPClasses:            rf.SOPClasses,
			Receive:               rf.Receive.parse(fmt.Sprintf("%s rule %s receive", where, rf.Name), errs),
			Destinations:          rf.Destinations,
			DestinationTemplate:   strings.TrimSpace(rf.DestinationTemplate),
			UseCallingAET:         rf.UseCallingAET,
			ExclusiveUseDefinedTC: rf.ExclusiveUseDefinedTC,
			Conversion:            rf.Conversion,
		}
		for _, c := range rf.Commands {
			cmd, err := dimse.ParseCommand(c)
			if err != nil {
				*errs = append(*errs, fmt.Sprintf("%s rule %s: %v", where, rf.Name, err))
				continue
			}
			rule.Commands = append(rule.Commands, cmd)
		}
		ext.Rules = append(ext.Rules, rule)
	}
	for dest, of := range p.Options {
		ext.Options[dest] = device.ForwardOption{
			Schedule:   of.Schedule.parse(fmt.Sprintf("%s option %s", where, dest), errs),
			Conversion: of.Conversion,
		}
	}
	for _, rf := range p.Retries {
		kind, err := dimse.ParseFailureKind(rf.Kind)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s retry: %v", where, err))
			continue
		}
		if _, dup := ext.Retries[kind]; dup {
			*errs = append(*errs, fmt.Sprintf("%s retry: duplicate kind %s", where, kind))
		}
		ext.Retries[kind] = device.RetryRecord{Kind: kind, Delay: rf.Delay.Std(), MaxRetries: rf.MaxRetries}
	}
	return ext
}

func (s *ScheduleFile) parse(where string, errs *[]string) schedule.Schedule {
	if s == nil {
		return schedule.Always()
	}
	sched, err := schedule.Parse(s.Days, s.Hours)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", where, err))
		return schedule.Always()
	}
	return sched
}
