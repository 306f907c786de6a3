// Package wire implements the framed little-endian protocol between sandbox
// and coordinator: a fixed 29-byte header (type, suiteId, runnerId) followed
// by a per-type body. Strings inside bodies are u32le-length-prefixed UTF-8;
// header ids are NUL-padded fixed-14 ASCII.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cklxx-labs/parallex/internal/errtax"
)

const idLen = 14

// Type identifies a frame's body shape.
type Type byte

const (
	TypeLog Type = iota
	TypeError
	TypeStatus
	TypeAction
)

// Kind classifies what a STATUS/ACTION frame is describing.
type Kind byte

const (
	KindTest Kind = iota
	KindSuite
	KindDescribe
)

// Status enumerates the lifecycle points a STATUS frame can report. It
// occupies the same wire position as Action does in an ACTION frame (the
// status-code slot ahead of the ACTION trailer), but the two enums are never
// confused in Go: StatusFrame carries a Status, ActionFrame carries an Action.
type Status byte

const (
	StatusEnd Status = iota
	StatusSkip
	StatusTodo
	StatusStart
)

// Action enumerates the outcome an ACTION frame reports.
type Action byte

const (
	ActionFailure Action = iota
	ActionSuccess
)

// Location is a generated-source position.
type Location struct {
	Line   uint32
	Column uint32
}

// Header identifies the suite and runner a frame belongs to; both ids are
// NUL-padded (or truncated) to 14 bytes on the wire.
type Header struct {
	SuiteID  string
	RunnerID string
}

// LogBody is the body of a LOG frame.
type LogBody struct {
	Level       byte
	Context     string
	Timestamp   string
	Location    Location
	Description string
}

// ErrorBody is the body of an ERROR frame: a JSON-serialized error object.
type ErrorBody struct {
	Error string
}

// StatusFrame is the body of a STATUS frame.
type StatusFrame struct {
	Kind        Kind
	Status      Status
	Ancestry    string // JSON-encoded []string
	Description string
}

// ActionFrame is a STATUS body (carrying an Action, not a Status) plus the
// ACTION trailer.
type ActionFrame struct {
	Kind        Kind
	Action      Action
	Ancestry    string // JSON-encoded []string
	Description string
	Errors      string // JSON-encoded []errtax.FrameError
	Duration    uint32
	Location    Location
}

// Frame is the fully decoded result of Decode: the header fields plus
// exactly one populated body, selected by Type.
type Frame struct {
	Type   Type
	Header Header
	Log    *LogBody
	Err    *ErrorBody
	Status *StatusFrame
	Action *ActionFrame
}

func padID(id string) [idLen]byte {
	var out [idLen]byte
	copy(out[:], id) // copy truncates to idLen if id is longer, NUL-pads otherwise
	return out
}

func unpadID(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return string(b[:i])
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read string body: %w", err)
		}
	}
	return string(buf), nil
}

func writeLocation(buf *bytes.Buffer, loc Location) {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], loc.Line)
	binary.LittleEndian.PutUint32(b[4:8], loc.Column)
	buf.Write(b[:])
}

func readLocation(r *bytes.Reader) (Location, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Location{}, fmt.Errorf("read location: %w", err)
	}
	return Location{
		Line:   binary.LittleEndian.Uint32(b[0:4]),
		Column: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func writeHeader(buf *bytes.Buffer, t Type, h Header) {
	buf.WriteByte(byte(t))
	suiteID := padID(h.SuiteID)
	runnerID := padID(h.RunnerID)
	buf.Write(suiteID[:])
	buf.Write(runnerID[:])
}

// EncodeLog encodes a LOG frame.
func EncodeLog(body LogBody, h Header) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, TypeLog, h)
	buf.WriteByte(body.Level)
	writeString(&buf, body.Context)
	writeString(&buf, body.Timestamp)
	writeLocation(&buf, body.Location)
	writeString(&buf, body.Description)
	return buf.Bytes()
}

// EncodeError encodes an ERROR frame.
func EncodeError(body ErrorBody, h Header) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, TypeError, h)
	writeString(&buf, body.Error)
	return buf.Bytes()
}

// EncodeStatus encodes a STATUS frame.
func EncodeStatus(body StatusFrame, h Header) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, TypeStatus, h)
	buf.WriteByte(byte(body.Kind))
	buf.WriteByte(byte(body.Status))
	writeString(&buf, body.Ancestry)
	writeString(&buf, body.Description)
	return buf.Bytes()
}

// EncodeAction encodes an ACTION frame: a STATUS body (carrying an Action
// in the status-code slot) followed by the ACTION trailer.
func EncodeAction(body ActionFrame, h Header) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, TypeAction, h)
	buf.WriteByte(byte(body.Kind))
	buf.WriteByte(byte(body.Action))
	writeString(&buf, body.Ancestry)
	writeString(&buf, body.Description)
	writeString(&buf, body.Errors)
	var durBuf [4]byte
	binary.LittleEndian.PutUint32(durBuf[:], body.Duration)
	buf.Write(durBuf[:])
	writeLocation(&buf, body.Location)
	return buf.Bytes()
}

// Decode parses a complete frame, routing the body by the header's type
// byte. It fails with *errtax.InvalidSchemaTypeError when type is outside
// {0..3}.
func Decode(data []byte) (Frame, error) {
	if len(data) < 1+idLen+idLen {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	t := Type(data[0])
	header := Header{
		SuiteID:  unpadID(data[1 : 1+idLen]),
		RunnerID: unpadID(data[1+idLen : 1+2*idLen]),
	}
	r := bytes.NewReader(data[1+2*idLen:])

	switch t {
	case TypeLog:
		level, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		context, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		ts, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		loc, err := readLocation(r)
		if err != nil {
			return Frame{}, err
		}
		desc, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Header: header, Log: &LogBody{
			Level: level, Context: context, Timestamp: ts, Location: loc, Description: desc,
		}}, nil

	case TypeError:
		e, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Header: header, Err: &ErrorBody{Error: e}}, nil

	case TypeStatus:
		kind, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		status, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		ancestry, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		desc, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Header: header, Status: &StatusFrame{
			Kind: Kind(kind), Status: Status(status), Ancestry: ancestry, Description: desc,
		}}, nil

	case TypeAction:
		kind, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		action, err := r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		ancestry, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		desc, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		errs, err := readString(r)
		if err != nil {
			return Frame{}, err
		}
		var durBuf [4]byte
		if _, err := io.ReadFull(r, durBuf[:]); err != nil {
			return Frame{}, err
		}
		loc, err := readLocation(r)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Header: header, Action: &ActionFrame{
			Kind:        Kind(kind),
			Action:      Action(action),
			Ancestry:    ancestry,
			Description: desc,
			Errors:      errs,
			Duration:    binary.LittleEndian.Uint32(durBuf[:]),
			Location:    loc,
		}}, nil

	default:
		return Frame{}, &errtax.InvalidSchemaTypeError{Got: data[0]}
	}
}
