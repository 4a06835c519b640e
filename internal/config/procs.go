package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/proc"
)

type procSpec struct {
	Shell     string             `yaml:"shell"`
	Cmd       yaml.Node          `yaml:"cmd"`
	Cwd       string             `yaml:"cwd"`
	Env       map[string]*string `yaml:"env"`
	Autostart *bool              `yaml:"autostart"`
	Stop      yaml.Node          `yaml:"stop"`
}

type stopSpec struct {
	Signal string `yaml:"signal"`
	Grace  string `yaml:"grace"`
}

// ParseProcs decodes the procs section of a YAML or JSON document, keeping
// declaration order. Relative cwd values resolve against baseDir.
func ParseProcs(data []byte, baseDir string) ([]model.ProcessRecord, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", model.ErrConfiguration)
	}
	procs := mappingValue(root, "procs")
	if procs == nil || procs.Tag == "!!null" {
		return nil, nil
	}
	if procs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: procs must be a mapping of name to process", model.ErrConfiguration)
	}

	out := make([]model.ProcessRecord, 0, len(procs.Content)/2)
	seen := map[string]bool{}
	for i := 0; i+1 < len(procs.Content); i += 2 {
		name := strings.TrimSpace(procs.Content[i].Value)
		if name == "" {
			return nil, fmt.Errorf("%w: line %d: empty process name", model.ErrConfiguration, procs.Content[i].Line)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", model.ErrDuplicateName, name)
		}
		seen[name] = true
		rec, err := DecodeProcess(name, procs.Content[i+1], baseDir)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// DecodeProcess builds one record from a string (shell line), a list (argv)
// or a mapping with shell/cmd/cwd/env/autostart/stop keys.
func DecodeProcess(name string, node *yaml.Node, baseDir string) (model.ProcessRecord, error) {
	rec := model.ProcessRecord{Name: name, Autostart: true}
	fail := func(format string, args ...any) (model.ProcessRecord, error) {
		return model.ProcessRecord{}, fmt.Errorf("%w: proc %s: %s", model.ErrConfiguration, name, fmt.Sprintf(format, args...))
	}

	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || strings.TrimSpace(node.Value) == "" {
			return fail("empty command")
		}
		rec.Command = model.ShellLine(node.Value)
		return rec, nil
	case yaml.SequenceNode:
		argv, err := decodeArgv(node)
		if err != nil {
			return fail("%v", err)
		}
		rec.Command = model.Argv(argv...)
		return rec, nil
	case yaml.MappingNode:
	default:
		return fail("unsupported value")
	}

	var spec procSpec
	if err := node.Decode(&spec); err != nil {
		return fail("%v", err)
	}
	hasCmd := spec.Cmd.Kind != 0 && spec.Cmd.Tag != "!!null"
	switch {
	case spec.Shell != "" && hasCmd:
		return fail("shell and cmd are mutually exclusive")
	case spec.Shell != "":
		rec.Command = model.ShellLine(spec.Shell)
	case hasCmd:
		argv, err := decodeArgv(&spec.Cmd)
		if err != nil {
			return fail("cmd: %v", err)
		}
		rec.Command = model.Argv(argv...)
	default:
		return fail("one of shell or cmd is required")
	}

	if spec.Cwd != "" {
		rec.Dir = spec.Cwd
		if !filepath.IsAbs(rec.Dir) && baseDir != "" {
			rec.Dir = filepath.Join(baseDir, rec.Dir)
		}
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rec.Env = append(rec.Env, model.EnvVar{Name: k, Value: spec.Env[k]})
		}
	}
	if spec.Autostart != nil {
		rec.Autostart = *spec.Autostart
	}
	stop, err := decodeStop(&spec.Stop)
	if err != nil {
		return fail("stop: %v", err)
	}
	rec.Stop = stop
	return rec, nil
}

// decodeArgv accepts a list of words or a single string split shell-style.
func decodeArgv(node *yaml.Node) ([]string, error) {
	var argv []string
	switch node.Kind {
	case yaml.ScalarNode:
		words, err := shlex.Split(node.Value)
		if err != nil {
			return nil, err
		}
		argv = words
	case yaml.SequenceNode:
		if err := node.Decode(&argv); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("expected string or list")
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("empty argv")
	}
	return argv, nil
}

func decodeStop(node *yaml.Node) (model.StopPolicy, error) {
	var spec stopSpec
	switch node.Kind {
	case 0:
		return model.StopPolicy{}, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return model.StopPolicy{}, nil
		}
		spec.Signal = node.Value
	case yaml.MappingNode:
		if err := node.Decode(&spec); err != nil {
			return model.StopPolicy{}, err
		}
	default:
		return model.StopPolicy{}, fmt.Errorf("expected signal name or mapping")
	}

	var policy model.StopPolicy
	if spec.Signal != "" {
		if _, _, err := proc.ParseSignal(spec.Signal); err != nil {
			return model.StopPolicy{}, err
		}
		policy.Signal = spec.Signal
		if strings.EqualFold(spec.Signal, model.StopHardKill) {
			policy.Signal = model.StopHardKill
		}
	}
	if spec.Grace != "" {
		grace, err := time.ParseDuration(spec.Grace)
		if err != nil {
			return model.StopPolicy{}, err
		}
		if grace <= 0 {
			return model.StopPolicy{}, fmt.Errorf("grace must be positive")
		}
		policy.Grace = grace
	}
	return policy, nil
}
