package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/g960059/procmux/internal/model"
)

const (
	SchemaVersion   = "procmux.v1"
	DefaultMaxFrame = 1 << 20 // 1 MiB
	MinMaxFrame     = 4 << 10
	headerSize      = 4

	// outputOverhead bounds the envelope and payload bytes around the
	// base64 data of one output frame.
	outputOverhead = 512
)

var (
	ErrInvalidFrame    = errors.New("wire: invalid frame")
	ErrFrameTooLarge   = errors.New("wire: frame too large")
	ErrTruncatedFrame  = errors.New("wire: truncated frame")
	ErrUnsupportedVers = errors.New("wire: unsupported schema version")
)

// IsProtocolError reports whether err means the peer broke framing and the
// connection must be dropped.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrTruncatedFrame) ||
		errors.Is(err, ErrUnsupportedVers)
}

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	FrameSeq      uint64          `json:"frame_seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(frameType string, frameSeq uint64, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(frameType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(frameType),
		FrameSeq:      frameSeq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidFrame)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes env as one length-prefixed frame no larger than maxFrame
// (DefaultMaxFrame when maxFrame <= 0).
func Encode(env Envelope, maxFrame int) ([]byte, error) {
	limit := frameLimit(maxFrame)
	if err := env.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), limit)
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

func WriteFrame(w io.Writer, env Envelope, maxFrame int) error {
	frame, err := Encode(env, maxFrame)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func frameLimit(maxFrame int) int {
	if maxFrame <= 0 {
		return DefaultMaxFrame
	}
	return maxFrame
}

// OutputChunkSize is the most output bytes one frame can carry under
// maxFrame once base64 encoded.
func OutputChunkSize(maxFrame int) int {
	n := (frameLimit(maxFrame) - outputOverhead) / 4 * 3
	if n < 1 {
		return 1
	}
	return n
}

// SplitOutput cuts data into pieces that each fit one frame under maxFrame.
func SplitOutput(data []byte, maxFrame int) [][]byte {
	size := OutputChunkSize(maxFrame)
	if len(data) <= size {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

// ReadFrame blocks until one whole frame is available. A clean EOF before the
// header returns io.EOF.
func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	limit := frameLimit(maxFrameSize)
	var lenBuf [headerSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Envelope{}, fmt.Errorf("%w: short length header", ErrTruncatedFrame)
		}
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size == 0 {
		return Envelope{}, fmt.Errorf("%w: zero length", ErrInvalidFrame)
	}
	if size > limit {
		return Envelope{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, limit)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Envelope{}, fmt.Errorf("%w: want %d bytes", ErrTruncatedFrame, size)
		}
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Decoder reads successive frames from one connection.
type Decoder struct {
	r        *bufio.Reader
	maxFrame int
	err      error
}

func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxFrame: maxFrameSize}
}

// Next returns the next frame. After the first error every call returns it.
func (d *Decoder) Next() (Envelope, error) {
	if d.err != nil {
		return Envelope{}, d.err
	}
	env, err := ReadFrame(d.r, d.maxFrame)
	if err != nil {
		d.err = err
	}
	return env, err
}

// Frames yields frames until the stream ends or fails. A clean end of stream
// is not reported as an error.
func (d *Decoder) Frames() iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		for {
			env, err := d.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(Envelope{}, err)
				}
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

// DecodeAll decodes every complete frame in buf.
func DecodeAll(buf []byte, maxFrameSize int) ([]Envelope, error) {
	var out []Envelope
	for env, err := range NewDecoder(bytes.NewReader(buf), maxFrameSize).Frames() {
		if err != nil {
			return out, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Client to server frame types.
const (
	TypeStart     = "start"
	TypeStop      = "stop"
	TypeRestart   = "restart"
	TypeKill      = "kill"
	TypeSendInput = "send_input"
	TypeResize    = "resize"
	TypeAttach    = "attach"
	TypeDetach    = "detach"
	TypeList      = "list"
	TypeAdd       = "add"
	TypeRemove    = "remove"
	TypeQuit      = "quit"
	TypeControl   = "control"
)

// Server to client frame types.
const (
	TypeOutput   = "output"
	TypeState    = "state_changed"
	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Protocol error codes.
const (
	CodeInvalidFrame = "e_protocol_invalid_frame"
	CodeUnknownType  = "e_protocol_unknown_type"
	CodeBadPayload   = "e_protocol_bad_payload"
)

type ProcPayload struct {
	Proc model.ProcRef `json:"proc"`
}

type InputPayload struct {
	Proc model.ProcRef `json:"proc"`
	Data []byte        `json:"data"`
}

type ResizePayload struct {
	Proc model.ProcRef `json:"proc"`
	Cols int           `json:"cols"`
	Rows int           `json:"rows"`
}

type AddPayload struct {
	Record model.ProcessRecord `json:"record"`
}

type ListPayload struct{}

type QuitPayload struct{}

// ControlPayload wraps one command sent by the one-shot control gateway.
type ControlPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type OutputPayload struct {
	ProcID uint64 `json:"proc_id"`
	Data   []byte `json:"data"`
	Replay bool   `json:"replay,omitempty"`
}

type StatePayload struct {
	Process model.ProcessInfo `json:"process"`
}

type SnapshotPayload struct {
	Processes []model.ProcessInfo `json:"processes"`
}

type AckPayload struct {
	AckKind string             `json:"ack_kind"`
	Process *model.ProcessInfo `json:"process,omitempty"`
}

type ErrorPayload struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Proc        *model.ProcRef `json:"proc,omitempty"`
}

// RemoteError is an error frame received in reply to a request.
type RemoteError struct {
	RequestID string
	Payload   ErrorPayload
}

func (e *RemoteError) Error() string {
	if e.Payload.Message == "" {
		return e.Payload.Code
	}
	return e.Payload.Code + ": " + e.Payload.Message
}

// Is matches the command error sentinels by wire code, so callers can use
// errors.Is(err, model.ErrUnknownProcess) on remote failures.
func (e *RemoteError) Is(target error) bool {
	code := model.ErrorCode(target)
	return code != model.CodeInternal && code == e.Payload.Code
}

// AsError turns an error envelope into a *RemoteError.
func AsError(env Envelope) error {
	var p ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	return &RemoteError{RequestID: env.RequestID, Payload: p}
}
