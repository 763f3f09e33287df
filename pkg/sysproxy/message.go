package sysproxy

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MsgType identifies a control message.
type MsgType uint8

const (
	MsgHello MsgType = iota + 1
	MsgWelcome
	MsgReject
	MsgNetworkState
	MsgPing
	MsgPong
	MsgGoodbye
)

// String returns the message name.
func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgWelcome:
		return "WELCOME"
	case MsgReject:
		return "REJECT"
	case MsgNetworkState:
		return "NETWORK_STATE"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Goodbye and disconnect status codes.
const (
	StatusNormal           = 0
	StatusRemoteClosed     = 1
	StatusIOError          = 2
	StatusKeepaliveTimeout = 3
	StatusProtocolError    = 4
)

// ErrInvalidMessage is returned for envelopes missing their payload.
var ErrInvalidMessage = errors.New("invalid sysproxy message")

// Envelope is the CBOR message body of every frame.
type Envelope struct {
	Type MsgType `cbor:"1,keyasint"`

	// Seq is the PING/PONG sequence number.
	Seq uint32 `cbor:"2,keyasint,omitempty"`

	Hello        *Hello        `cbor:"3,keyasint,omitempty"`
	Welcome      *Welcome      `cbor:"4,keyasint,omitempty"`
	Reject       *Reject       `cbor:"5,keyasint,omitempty"`
	NetworkState *NetworkState `cbor:"6,keyasint,omitempty"`
	Goodbye      *Goodbye      `cbor:"7,keyasint,omitempty"`
}

// Hello opens a session.
type Hello struct {
	// Protocol is 1 or 2.
	Protocol uint8 `cbor:"1,keyasint"`

	// Version is the v1 wire version (0 for v2).
	Version int `cbor:"2,keyasint,omitempty"`

	// Client names the watch for logs.
	Client string `cbor:"3,keyasint,omitempty"`
}

// Welcome accepts a session.
type Welcome struct {
	Interface string `cbor:"1,keyasint"`
	MTU       int    `cbor:"2,keyasint"`
}

// Reject refuses a session.
type Reject struct {
	Reason string `cbor:"1,keyasint"`
}

// NetworkState reports the phone's active upstream network.
type NetworkState struct {
	// Type is a connection.NetworkType value.
	Type    uint8 `cbor:"1,keyasint"`
	Metered bool  `cbor:"2,keyasint"`
}

// Goodbye ends a session.
type Goodbye struct {
	Status int    `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode marshals env after checking it carries its payload.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// Decode unmarshals and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode sysproxy message: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks that the payload matching Type is present.
func (e Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case MsgHello:
		ok = e.Hello != nil
	case MsgWelcome:
		ok = e.Welcome != nil
	case MsgReject:
		ok = e.Reject != nil
	case MsgNetworkState:
		ok = e.NetworkState != nil
	case MsgGoodbye:
		ok = e.Goodbye != nil
	case MsgPing, MsgPong:
		ok = true
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, e.Type)
	}
	return nil
}
