package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/supervisor"
	"github.com/g960059/procmux/internal/wire"
)

const flushTimeout = time.Second

// session is one connected peer. The read loop applies commands in arrival
// order; the write loop drains a bounded queue so the supervisor never waits
// on a slow socket.
type session struct {
	srv    *Server
	id     string
	conn   net.Conn
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out        chan outbound
	nextSeq    uint64 // writeLoop only
	closeOnce  sync.Once
	done       chan struct{}
	drainOnce  sync.Once
	draining   chan struct{}
	writerDone chan struct{}
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		srv:        srv,
		id:         id,
		conn:       conn,
		logger:     srv.logger.With().Str("session", id).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, sessionQueueSize),
		done:       make(chan struct{}),
		draining:   make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (ss *session) ID() string { return ss.id }

// outbound is a frame waiting for the writer, which stamps its sequence
// number.
type outbound struct {
	frameType string
	requestID string
	payload   any
}

// Deliver implements supervisor.Subscriber. A full queue closes the session.
func (ss *session) Deliver(ev supervisor.Event) bool {
	item, err := eventFrame(ev)
	if err != nil {
		ss.logger.Error().Err(err).Msg("encode event")
		return true
	}
	select {
	case <-ss.done:
		return false
	default:
	}
	select {
	case ss.out <- item:
		return true
	default:
		ss.logger.Warn().Int("queued", len(ss.out)).Msg("outbound queue full")
		ss.close()
		return false
	}
}

func eventFrame(ev supervisor.Event) (outbound, error) {
	switch ev.Kind {
	case supervisor.EventOutput:
		return outbound{frameType: wire.TypeOutput, payload: wire.OutputPayload{ProcID: ev.ProcID, Data: ev.Data, Replay: ev.Replay}}, nil
	case supervisor.EventState:
		return outbound{frameType: wire.TypeState, payload: wire.StatePayload{Process: ev.Process}}, nil
	case supervisor.EventSnapshot:
		return outbound{frameType: wire.TypeSnapshot, payload: wire.SnapshotPayload{Processes: ev.Processes}}, nil
	default:
		return outbound{}, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (ss *session) send(frameType, requestID string, payload any) error {
	select {
	case ss.out <- outbound{frameType: frameType, requestID: requestID, payload: payload}:
		return nil
	case <-ss.done:
		return net.ErrClosed
	}
}

func (ss *session) sendError(requestID, code, message string, recoverable bool, ref *model.ProcRef) {
	_ = ss.send(wire.TypeError, requestID, wire.ErrorPayload{
		Code:        strings.TrimSpace(code),
		Message:     strings.TrimSpace(message),
		Recoverable: recoverable,
		Proc:        ref,
	})
}

func (ss *session) ack(requestID, kind string, info *model.ProcessInfo) error {
	return ss.send(wire.TypeAck, requestID, wire.AckPayload{AckKind: kind, Process: info})
}

func (ss *session) writeLoop() {
	defer close(ss.writerDone)
	w := bufio.NewWriter(ss.conn)
	maxFrame := ss.srv.cfg.MaxFrame
	write := func(item outbound) bool {
		for _, payload := range splitPayload(item.payload, maxFrame) {
			ss.nextSeq++
			env, err := wire.NewEnvelope(item.frameType, ss.nextSeq, item.requestID, payload)
			if err == nil {
				err = wire.WriteFrame(w, env, maxFrame)
			}
			if err != nil {
				ss.logger.Debug().Err(err).Str("type", item.frameType).Msg("write frame")
				ss.close()
				return false
			}
		}
		if len(ss.out) == 0 {
			if err := w.Flush(); err != nil {
				ss.close()
				return false
			}
		}
		return true
	}
	for {
		select {
		case item := <-ss.out:
			if !write(item) {
				return
			}
		case <-ss.draining:
			for {
				select {
				case item := <-ss.out:
					if !write(item) {
						return
					}
				default:
					_ = w.Flush()
					return
				}
			}
		case <-ss.done:
			return
		}
	}
}

// splitPayload cuts output that would not fit one frame into consecutive
// output payloads. Other payloads pass through whole.
func splitPayload(payload any, maxFrame int) []any {
	out, ok := payload.(wire.OutputPayload)
	if !ok {
		return []any{payload}
	}
	chunks := wire.SplitOutput(out.Data, maxFrame)
	parts := make([]any, len(chunks))
	for i, chunk := range chunks {
		parts[i] = wire.OutputPayload{ProcID: out.ProcID, Data: chunk, Replay: out.Replay}
	}
	return parts
}

// flushAndClose writes whatever is queued, then closes the connection.
func (ss *session) flushAndClose() {
	ss.drainOnce.Do(func() {
		_ = ss.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
		close(ss.draining)
	})
	<-ss.writerDone
	ss.close()
}

func (ss *session) close() {
	ss.closeOnce.Do(func() {
		close(ss.done)
		ss.cancel()
		_ = ss.conn.Close()
	})
}

func (ss *session) readLoop() {
	defer ss.close()
	dec := wire.NewDecoder(ss.conn, ss.srv.cfg.MaxFrame)
	for env, err := range dec.Frames() {
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			if wire.IsProtocolError(err) {
				ss.logger.Warn().Err(err).Msg("protocol error, closing session")
				ss.sendError("", wire.CodeInvalidFrame, err.Error(), false, nil)
				ss.flushAndClose()
				return
			}
			ss.logger.Debug().Err(err).Msg("read frame")
			return
		}
		if err := ss.handleFrame(env); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ss.sendError(env.RequestID, wire.CodeBadPayload, err.Error(), true, nil)
		}
	}
}
