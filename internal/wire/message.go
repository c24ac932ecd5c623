// Package wire implements the harmonyd client protocol: a fixed magic,
// an explicit version, a length prefix and a protobuf-encoded payload.
package wire

import (
	"errors"
	"fmt"
	"strconv"

	"pkt.systems/harmonyd/internal/space"
)

// Type tags the operation a message carries.
type Type uint8

const (
	TypeSession Type = iota + 1
	TypeJoin
	TypeRegister
	TypeUnregister
	TypeQuery
	TypeInform
	TypeFetch
	TypeReport
	TypeConfirm
)

var typeNames = map[Type]string{
	TypeSession:    "SESSION",
	TypeJoin:       "JOIN",
	TypeRegister:   "REGISTER",
	TypeUnregister: "UNREGISTER",
	TypeQuery:      "QUERY",
	TypeInform:     "INFORM",
	TypeFetch:      "FETCH",
	TypeReport:     "REPORT",
	TypeConfirm:    "CONFIRM",
}

// String returns the protocol name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "TYPE(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Status is the request/response state of a message.
type Status uint8

const (
	StatusReq Status = iota + 1
	StatusOK
	StatusFail
	StatusBusy
)

// String returns the protocol name of the status.
func (s Status) String() string {
	switch s {
	case StatusReq:
		return "REQ"
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	case StatusBusy:
		return "BUSY"
	default:
		return "STATUS(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusReq && s <= StatusBusy
}

// Flags carries boolean message attributes.
type Flags uint32

const (
	// FlagUseSignals marks a client that wants asynchronous notifications.
	FlagUseSignals Flags = 1 << iota
	// FlagConverged marks a fetch reply served from a converged session.
	FlagConverged
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Pair is a key/value entry carried by SESSION launches.
type Pair struct {
	Key   string
	Value string
}

// Message is the decoded form of one protocol frame. Fields that a given
// type does not use are left at their zero value (points at NoPoint).
type Message struct {
	Type   Type
	Status Status
	// Src is the sender's client id (0 before registration).
	Src int64
	// ID is the client id: the prior id on REGISTER requests, the assigned
	// id on replies.
	ID    int64
	Flags Flags

	// Key is the config key for QUERY/INFORM.
	Key string
	// Value is the config value (INFORM request, QUERY reply) or the
	// previous value on INFORM replies.
	Value string

	Signature *space.Signature
	Config    []Pair

	// Point is the candidate (FETCH reply) or tested point (REPORT).
	Point space.Point
	// Best is the running best point on FETCH replies.
	Best  space.Point
	Perf  float64
	Stamp int64

	// Code and Detail describe a FAIL status.
	Code   string
	Detail string
}

// New returns a request of type t with empty points.
func New(t Type) Message {
	return Message{Type: t, Status: StatusReq, Point: space.NoPoint(), Best: space.NoPoint()}
}

// Reply returns a response skeleton echoing the request type.
func (m Message) Reply(status Status) Message {
	return Message{Type: m.Type, Status: status, Src: m.Src, ID: m.ID, Point: space.NoPoint(), Best: space.NoPoint()}
}

// Fail returns a FAIL response echoing the request type.
func (m Message) Fail(code, detail string) Message {
	rep := m.Reply(StatusFail)
	rep.Code = code
	rep.Detail = detail
	return rep
}

// String summarises the message for logs.
func (m Message) String() string {
	return fmt.Sprintf("%s/%s src=%d", m.Type, m.Status, m.Src)
}

var (
	// ErrBadMagic reports a frame that does not start with Magic.
	ErrBadMagic = errors.New("wire: bad magic")
	// ErrVersion reports an unsupported protocol version.
	ErrVersion = errors.New("wire: unsupported protocol version")
	// ErrFrameTooLarge reports a frame whose declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")
	// ErrMalformed reports a payload that cannot be decoded.
	ErrMalformed = errors.New("wire: malformed payload")
	// ErrOverflow reports a destination buffer too small for the frame.
	ErrOverflow = errors.New("wire: buffer overflow")
	// ErrStringTooLong reports a string field above MaxString.
	ErrStringTooLong = errors.New("wire: string field too long")
	// ErrTypeMismatch reports a reply whose type does not echo the request.
	ErrTypeMismatch = errors.New("wire: reply type mismatch")
)

// CheckReply enforces the type echo between a request and its reply.
func CheckReply(req, rep Message) error {
	if rep.Type != req.Type {
		return fmt.Errorf("%w: sent %s, received %s", ErrTypeMismatch, req.Type, rep.Type)
	}
	if rep.Status == StatusReq {
		return fmt.Errorf("%w: %s reply still marked REQ", ErrTypeMismatch, rep.Type)
	}
	return nil
}
