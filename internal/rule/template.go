package rule

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dop251/goja"
	"github.com/maypok86/otter"
	"github.com/spf13/afero"

	"github.com/dcmproxy/dcmproxy/internal/dimse"
)

// ScriptTemplate evaluates destination templates written in JavaScript.
//
// A template reference is either a file:// URI or inline source. The
// script sees the object's routing attributes as the global "attrs" and its
// completion value must be a string or an array of strings:
//
//	attrs.Modality === "MR" ? ["PACS", "RESEARCH"] : "PACS"
type ScriptTemplate struct {
	fs       afero.Fs
	programs otter.Cache[string, *goja.Program]
}

// NewScriptTemplate creates a template engine reading files from fs and
// keeping up to maxPrograms compiled scripts.
func NewScriptTemplate(fs afero.Fs, maxPrograms int) *ScriptTemplate {
	cache, err := otter.MustBuilder[string, *goja.Program](maxPrograms).
		Cost(func(_ string, _ *goja.Program) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("rule: failed to create template cache: " + err.Error())
	}
	return &ScriptTemplate{fs: fs, programs: cache}
}

// Purge drops every compiled program so edited template files are re-read.
func (t *ScriptTemplate) Purge() {
	t.programs.Clear()
}

func (t *ScriptTemplate) Destinations(ctx context.Context, ref string, attrs dimse.Attributes) ([]string, error) {
	prog, err := t.program(ref)
	if err != nil {
		return nil, &dimse.ConfigError{Msg: "destination template " + ref, Err: err}
	}

	vm := goja.New()
	scope := make(map[string]any, len(attrs))
	for k, v := range attrs {
		scope[k] = v
	}
	if err := vm.Set("attrs", scope); err != nil {
		return nil, &dimse.ConfigError{Msg: "destination template " + ref, Err: err}
	}
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	v, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &dimse.ConfigError{Msg: "destination template " + ref, Err: err}
	}
	dests, err := exportDestinations(v)
	if err != nil {
		return nil, &dimse.ConfigError{Msg: "destination template " + ref, Err: err}
	}
	return dests, nil
}

func (t *ScriptTemplate) program(ref string) (*goja.Program, error) {
	if prog, ok := t.programs.Get(ref); ok {
		return prog, nil
	}
	name, src, err := t.source(ref)
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, err
	}
	t.programs.Set(ref, prog)
	return prog, nil
}

func (t *ScriptTemplate) source(ref string) (name, src string, err error) {
	if !strings.HasPrefix(ref, "file://") {
		return "inline", ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid template URI: %w", err)
	}
	data, err := afero.ReadFile(t.fs, u.Path)
	if err != nil {
		return "", "", err
	}
	return u.Path, string(data), nil
}

func exportDestinations(v goja.Value) ([]string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	var out []string
	switch exported := v.Export().(type) {
	case string:
		out = []string{exported}
	case []any:
		for _, item := range exported {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("template result element %v is not a string", item)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("template result must be a string or an array of strings, got %T", exported)
	}
	var trimmed []string
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed, nil
}
