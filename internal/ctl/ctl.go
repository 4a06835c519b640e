package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/g960059/procmux/internal/client"
	"github.com/g960059/procmux/internal/config"
	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/transport"
	"github.com/g960059/procmux/internal/wire"
)

// RemoteError is the server's error reply; errors.Is matches the model
// sentinels by code.
type RemoteError = wire.RemoteError

// Command is one decoded control request.
type Command struct {
	Type    string
	Payload any
}

var aliases = map[string]string{
	"start-proc":   wire.TypeStart,
	"stop-proc":    wire.TypeStop,
	"term-proc":    wire.TypeStop,
	"kill-proc":    wire.TypeKill,
	"restart-proc": wire.TypeRestart,
	"add-proc":     wire.TypeAdd,
	"remove-proc":  wire.TypeRemove,
	"send-input":   wire.TypeSendInput,
	"send-text":    wire.TypeSendInput,
}

// Parse decodes a YAML or JSON payload such as {c: stop, proc: web}.
func Parse(text string) (Command, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return Command{}, fmt.Errorf("%w: ctl payload: %v", model.ErrConfiguration, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return Command{}, fmt.Errorf("%w: ctl payload must be a mapping", model.ErrConfiguration)
	}
	root := doc.Content[0]

	var fields struct {
		C    string    `yaml:"c"`
		Proc yaml.Node `yaml:"proc"`
		Data string    `yaml:"data"`
		Cols int       `yaml:"cols"`
		Rows int       `yaml:"rows"`
		Name string    `yaml:"name"`
	}
	if err := root.Decode(&fields); err != nil {
		return Command{}, fmt.Errorf("%w: ctl payload: %v", model.ErrConfiguration, err)
	}
	typ := strings.TrimSpace(fields.C)
	if alias, ok := aliases[typ]; ok {
		typ = alias
	}
	bad := func(format string, args ...any) (Command, error) {
		return Command{}, fmt.Errorf("%w: ctl %s: %s", model.ErrConfiguration, typ, fmt.Sprintf(format, args...))
	}

	switch typ {
	case "":
		return Command{}, fmt.Errorf("%w: ctl payload needs a \"c\" field", model.ErrConfiguration)
	case wire.TypeQuit:
		return Command{Type: typ, Payload: wire.QuitPayload{}}, nil
	case wire.TypeAdd:
		if strings.TrimSpace(fields.Name) == "" {
			return bad("name is required")
		}
		rec, err := config.DecodeProcess(fields.Name, withoutKeys(root, "c", "name"), "")
		if err != nil {
			return Command{}, err
		}
		return Command{Type: typ, Payload: wire.AddPayload{Record: rec}}, nil
	}

	ref, err := procRef(&fields.Proc)
	if err != nil {
		return bad("%v", err)
	}
	switch typ {
	case wire.TypeStart, wire.TypeStop, wire.TypeRestart, wire.TypeKill, wire.TypeRemove:
		return Command{Type: typ, Payload: wire.ProcPayload{Proc: ref}}, nil
	case wire.TypeSendInput:
		if fields.Data == "" {
			return bad("data is required")
		}
		return Command{Type: typ, Payload: wire.InputPayload{Proc: ref, Data: []byte(fields.Data)}}, nil
	case wire.TypeResize:
		if fields.Cols <= 0 || fields.Rows <= 0 {
			return bad("cols and rows must be positive")
		}
		return Command{Type: typ, Payload: wire.ResizePayload{Proc: ref, Cols: fields.Cols, Rows: fields.Rows}}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown ctl command %q", model.ErrConfiguration, fields.C)
	}
}

// procRef reads an integer as a process id and anything else as a name.
func procRef(node *yaml.Node) (model.ProcRef, error) {
	if node.Kind != yaml.ScalarNode || strings.TrimSpace(node.Value) == "" {
		return model.ProcRef{}, fmt.Errorf("proc is required")
	}
	if node.Tag == "!!int" {
		id, err := strconv.ParseUint(node.Value, 10, 64)
		if err != nil || id == 0 {
			return model.ProcRef{}, fmt.Errorf("bad process id %q", node.Value)
		}
		return model.ProcRef{ID: id}, nil
	}
	return model.ProcRef{Name: node.Value}, nil
}

func withoutKeys(m *yaml.Node, keys ...string) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(m.Content); i += 2 {
		skip := false
		for _, k := range keys {
			if m.Content[i].Value == k {
				skip = true
				break
			}
		}
		if !skip {
			out.Content = append(out.Content, m.Content[i], m.Content[i+1])
		}
	}
	return out
}

// Envelope wraps cmd as the payload of a control frame.
func (cmd Command) Envelope() (wire.ControlPayload, error) {
	body, err := json.Marshal(cmd.Payload)
	if err != nil {
		return wire.ControlPayload{}, fmt.Errorf("marshal %s: %w", cmd.Type, err)
	}
	return wire.ControlPayload{Type: cmd.Type, Payload: body}, nil
}

// Result is the server's acknowledgement of one control command.
type Result struct {
	Kind    string
	Process *model.ProcessInfo
}

// Send delivers cmd over a fresh session and waits for its single reply.
// The session never subscribes to anything.
func Send(ctx context.Context, addr transport.Address, maxFrame int, cmd Command) (Result, error) {
	payload, err := cmd.Envelope()
	if err != nil {
		return Result{}, err
	}
	c, err := client.Dial(ctx, addr, maxFrame)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	env, err := c.Request(ctx, wire.TypeControl, payload)
	if err != nil {
		return Result{}, err
	}
	var ack wire.AckPayload
	if err := env.DecodePayload(&ack); err != nil {
		return Result{}, err
	}
	return Result{Kind: ack.AckKind, Process: ack.Process}, nil
}

// Run parses text and sends it.
func Run(ctx context.Context, addr transport.Address, maxFrame int, text string) (Result, error) {
	cmd, err := Parse(text)
	if err != nil {
		return Result{}, err
	}
	return Send(ctx, addr, maxFrame, cmd)
}
