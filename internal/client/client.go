package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/transport"
	"github.com/g960059/procmux/internal/wire"
)

const eventBuffer = 1024

var ErrClosed = errors.New("client: connection closed")

// Client is one session with a procmux server. Replies are matched to their
// request by request id; every other frame is pushed to Events in the order
// the server sent it.
type Client struct {
	conn     net.Conn
	maxFrame int

	sendMu  sync.Mutex
	w       *bufio.Writer
	seq     atomic.Uint64
	nextReq atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan wire.Envelope
	err     error

	events    chan wire.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr transport.Address, maxFrame int) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, maxFrame), nil
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn, maxFrame int) *Client {
	c := &Client{
		conn:     conn,
		maxFrame: maxFrame,
		w:        bufio.NewWriter(conn),
		pending:  map[string]chan wire.Envelope{},
		events:   make(chan wire.Envelope, eventBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events yields unsolicited frames. It is closed when the connection ends.
func (c *Client) Events() <-chan wire.Envelope { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil for a clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Send writes one frame without waiting for a reply.
func (c *Client) Send(frameType, requestID string, payload any) error {
	env, err := wire.NewEnvelope(frameType, c.seq.Add(1), requestID, payload)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteFrame(c.w, env, c.maxFrame); err != nil {
		return err
	}
	return c.w.Flush()
}

// Request sends one command and waits for its ack or error. An error frame
// is returned as *wire.RemoteError.
func (c *Client) Request(ctx context.Context, frameType string, payload any) (wire.Envelope, error) {
	id := strconv.FormatUint(c.nextReq.Add(1), 10)
	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	if c.err != nil || isClosed(c.done) {
		c.mu.Unlock()
		return wire.Envelope{}, c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(frameType, id, payload); err != nil {
		return wire.Envelope{}, fmt.Errorf("send %s: %w", frameType, err)
	}
	select {
	case env := <-ch:
		if env.Type == wire.TypeError {
			return env, wire.AsError(env)
		}
		return env, nil
	case <-c.done:
		return wire.Envelope{}, c.closedErr()
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)
	dec := wire.NewDecoder(c.conn, c.maxFrame)
	for env, err := range dec.Frames() {
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		if env.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- env
				continue
			}
		}
		c.events <- env
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// List joins the broadcast set and returns the current snapshot.
func (c *Client) List(ctx context.Context) ([]model.ProcessInfo, error) {
	env, err := c.Request(ctx, wire.TypeList, wire.ListPayload{})
	if err != nil {
		return nil, err
	}
	var snap wire.SnapshotPayload
	if err := env.DecodePayload(&snap); err != nil {
		return nil, err
	}
	return snap.Processes, nil
}

func (c *Client) Start(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return c.procCommand(ctx, wire.TypeStart, ref)
}

func (c *Client) Stop(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return c.procCommand(ctx, wire.TypeStop, ref)
}

func (c *Client) Restart(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return c.procCommand(ctx, wire.TypeRestart, ref)
}

func (c *Client) Kill(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return c.procCommand(ctx, wire.TypeKill, ref)
}

// Attach subscribes to a process. Buffered output arrives on Events before
// the returned ack.
func (c *Client) Attach(ctx context.Context, ref model.ProcRef) (model.ProcessInfo, error) {
	return c.procCommand(ctx, wire.TypeAttach, ref)
}

func (c *Client) Detach(ctx context.Context, ref model.ProcRef) error {
	_, err := c.Request(ctx, wire.TypeDetach, wire.ProcPayload{Proc: ref})
	return err
}

func (c *Client) Remove(ctx context.Context, ref model.ProcRef) error {
	_, err := c.Request(ctx, wire.TypeRemove, wire.ProcPayload{Proc: ref})
	return err
}

func (c *Client) Add(ctx context.Context, rec model.ProcessRecord) (model.ProcessInfo, error) {
	env, err := c.Request(ctx, wire.TypeAdd, wire.AddPayload{Record: rec})
	if err != nil {
		return model.ProcessInfo{}, err
	}
	return ackProcess(env)
}

func (c *Client) SendInput(ctx context.Context, ref model.ProcRef, data []byte) error {
	_, err := c.Request(ctx, wire.TypeSendInput, wire.InputPayload{Proc: ref, Data: data})
	return err
}

func (c *Client) Resize(ctx context.Context, ref model.ProcRef, cols, rows int) error {
	_, err := c.Request(ctx, wire.TypeResize, wire.ResizePayload{Proc: ref, Cols: cols, Rows: rows})
	return err
}

// Quit asks the server to stop every process and exit.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.Request(ctx, wire.TypeQuit, wire.QuitPayload{})
	return err
}

func (c *Client) procCommand(ctx context.Context, frameType string, ref model.ProcRef) (model.ProcessInfo, error) {
	env, err := c.Request(ctx, frameType, wire.ProcPayload{Proc: ref})
	if err != nil {
		return model.ProcessInfo{}, err
	}
	return ackProcess(env)
}

func ackProcess(env wire.Envelope) (model.ProcessInfo, error) {
	var ack wire.AckPayload
	if err := env.DecodePayload(&ack); err != nil {
		return model.ProcessInfo{}, err
	}
	if ack.Process == nil {
		return model.ProcessInfo{}, nil
	}
	return *ack.Process, nil
}
