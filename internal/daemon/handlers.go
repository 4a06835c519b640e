package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/wire"
)

func (ss *session) handleFrame(env wire.Envelope) error {
	if env.Type == wire.TypeControl {
		return ss.handleControl(env)
	}
	return ss.dispatch(env.RequestID, env.Type, env.Payload, false)
}

// handleControl unwraps a one-shot command from the control gateway. Control
// sessions never subscribe to anything.
func (ss *session) handleControl(env wire.Envelope) error {
	var ctl wire.ControlPayload
	if err := env.DecodePayload(&ctl); err != nil {
		return err
	}
	switch ctl.Type {
	case wire.TypeList, wire.TypeAttach, wire.TypeDetach, wire.TypeControl:
		ss.sendError(env.RequestID, model.CodeBadRequest, fmt.Sprintf("%s is not a control command", ctl.Type), false, nil)
		return nil
	}
	payload := ctl.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return ss.dispatch(env.RequestID, ctl.Type, payload, true)
}

func (ss *session) dispatch(requestID, typ string, raw json.RawMessage, control bool) error {
	ctx, cancel := context.WithTimeout(ss.ctx, ss.srv.cfg.CommandTimeout)
	defer cancel()
	decode := func(dst any) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode %s payload: %w", typ, err)
		}
		return nil
	}

	switch typ {
	case wire.TypeList:
		snap, err := ss.srv.sup.Join(ctx, ss)
		if err != nil {
			return ss.fail(requestID, typ, model.ProcRef{}, err, control)
		}
		return ss.send(wire.TypeSnapshot, requestID, wire.SnapshotPayload{Processes: snap})

	case wire.TypeStart, wire.TypeStop, wire.TypeRestart, wire.TypeKill, wire.TypeAttach:
		var p wire.ProcPayload
		if err := decode(&p); err != nil {
			return err
		}
		var info model.ProcessInfo
		var err error
		switch typ {
		case wire.TypeStart:
			info, err = ss.srv.sup.Start(ctx, p.Proc)
		case wire.TypeStop:
			info, err = ss.srv.sup.Stop(ctx, p.Proc)
		case wire.TypeRestart:
			info, err = ss.srv.sup.Restart(ctx, p.Proc)
		case wire.TypeKill:
			info, err = ss.srv.sup.Kill(ctx, p.Proc)
		case wire.TypeAttach:
			info, err = ss.srv.sup.Attach(ctx, ss, p.Proc)
		}
		return ss.reply(requestID, typ, p.Proc, &info, err, control, "")

	case wire.TypeDetach:
		var p wire.ProcPayload
		if err := decode(&p); err != nil {
			return err
		}
		err := ss.srv.sup.Detach(ctx, ss.id, p.Proc)
		return ss.reply(requestID, typ, p.Proc, nil, err, control, "")

	case wire.TypeSendInput:
		var p wire.InputPayload
		if err := decode(&p); err != nil {
			return err
		}
		err := ss.srv.sup.SendInput(ctx, p.Proc, p.Data)
		return ss.reply(requestID, typ, p.Proc, nil, err, control, string(p.Data))

	case wire.TypeResize:
		var p wire.ResizePayload
		if err := decode(&p); err != nil {
			return err
		}
		err := ss.srv.sup.Resize(ctx, p.Proc, p.Cols, p.Rows)
		return ss.reply(requestID, typ, p.Proc, nil, err, control, fmt.Sprintf("%dx%d", p.Cols, p.Rows))

	case wire.TypeAdd:
		var p wire.AddPayload
		if err := decode(&p); err != nil {
			return err
		}
		ref := model.ProcRef{Name: p.Record.Name}
		if err := validateRecord(p.Record); err != nil {
			return ss.reply(requestID, typ, ref, nil, err, control, "")
		}
		info, err := ss.srv.sup.Add(ctx, p.Record)
		return ss.reply(requestID, typ, ref, &info, err, control, p.Record.Command.String())

	case wire.TypeRemove:
		var p wire.ProcPayload
		if err := decode(&p); err != nil {
			return err
		}
		err := ss.srv.sup.Remove(ctx, p.Proc)
		return ss.reply(requestID, typ, p.Proc, nil, err, control, "")

	case wire.TypeQuit:
		ss.srv.recordCommand(ss.id, typ, model.ProcRef{}, "", nil)
		if err := ss.ack(requestID, typ, nil); err != nil {
			return err
		}
		ss.srv.RequestQuit()
		return nil

	default:
		ss.sendError(requestID, wire.CodeUnknownType, fmt.Sprintf("unknown frame type %q", typ), true, nil)
		return nil
	}
}

// reply answers one command with an ack or an error addressed to this
// session only.
func (ss *session) reply(requestID, kind string, ref model.ProcRef, info *model.ProcessInfo, err error, control bool, detail string) error {
	if control || kind != wire.TypeSendInput {
		ss.srv.recordCommand(ss.id, kind, ref, detail, err)
	}
	if err != nil {
		return ss.fail(requestID, kind, ref, err, control)
	}
	return ss.ack(requestID, kind, info)
}

func (ss *session) fail(requestID, kind string, ref model.ProcRef, err error, control bool) error {
	ss.logger.Debug().Err(err).Str("cmd", kind).Str("proc", ref.String()).Bool("control", control).Msg("command rejected")
	var pref *model.ProcRef
	if !ref.IsZero() {
		pref = &ref
	}
	ss.sendError(requestID, model.ErrorCode(err), err.Error(), true, pref)
	return nil
}

func validateRecord(rec model.ProcessRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("%w: process name is required", model.ErrConfiguration)
	}
	switch rec.Command.Kind {
	case model.CommandShell:
		if strings.TrimSpace(rec.Command.Shell) == "" {
			return fmt.Errorf("%w: empty shell command", model.ErrConfiguration)
		}
	case model.CommandArgv:
		if len(rec.Command.Argv) == 0 {
			return fmt.Errorf("%w: empty argv", model.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown command kind %q", model.ErrConfiguration, rec.Command.Kind)
	}
	return nil
}
