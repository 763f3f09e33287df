package log

import "time"

// Event is one entry of the proxy trace.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the proxy session (UUID). A session spans one
	// StartNetwork..Stop cycle.
	SessionID string `cbor:"2,keyasint"`

	// Layer that produced the event.
	Layer Layer `cbor:"3,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"4,keyasint"`

	// Companion is the companion device address, when known.
	Companion string `cbor:"5,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"10,keyasint,omitempty"`
	Connect     *ConnectEvent     `cbor:"11,keyasint,omitempty"`
	Notify      *NotifyEvent      `cbor:"12,keyasint,omitempty"`
	Retry       *RetryEvent       `cbor:"13,keyasint,omitempty"`
	Control     *ControlMsgEvent  `cbor:"14,keyasint,omitempty"`
	Radio       *RadioEvent       `cbor:"15,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"16,keyasint,omitempty"`
}

// Layer indicates which component produced the event.
type Layer uint8

const (
	// LayerShard is the proxy shard state machine.
	LayerShard Layer = 0
	// LayerTunnel is the sysproxy tunnel client or server.
	LayerTunnel Layer = 1
	// LayerRunner is the shard runner and the hands-free client shard.
	LayerRunner Layer = 2
	// LayerMediator is the policy layer above the runner.
	LayerMediator Layer = 3
	// LayerRadio is the radio power loop.
	LayerRadio Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerShard:
		return "SHARD"
	case LayerTunnel:
		return "TUNNEL"
	case LayerRunner:
		return "RUNNER"
	case LayerMediator:
		return "MEDIATOR"
	case LayerRadio:
		return "RADIO"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryState   Category = 0
	CategoryConnect Category = 1
	CategoryNotify  Category = 2
	CategoryRetry   Category = 3
	CategoryControl Category = 4
	CategoryRadio   Category = 5
	CategoryError   Category = 6
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryConnect:
		return "CONNECT"
	case CategoryNotify:
		return "NOTIFY"
	case CategoryRetry:
		return "RETRY"
	case CategoryControl:
		return "CONTROL"
	case CategoryRadio:
		return "RADIO"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses the String form of a layer.
func ParseLayer(s string) (Layer, bool) {
	for l := LayerShard; l <= LayerRadio; l++ {
		if l.String() == s {
			return l, true
		}
	}
	return 0, false
}

// ParseCategory parses the String form of a category.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryState; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// StateChangeEvent captures client state and lifecycle transitions.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	// StateEntityClient is the proxy client state (IDLE..DISCONNECTING).
	StateEntityClient StateEntity = 0
	// StateEntityShard is the started/stopped lifecycle of a shard.
	StateEntityShard StateEntity = 1
	// StateEntityHfc is the hands-free client shard.
	StateEntityHfc StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityClient:
		return "CLIENT"
	case StateEntityShard:
		return "SHARD"
	case StateEntityHfc:
		return "HFC"
	default:
		return "UNKNOWN"
	}
}

// ConnectStage identifies which step of the connect sequence an event reports.
type ConnectStage uint8

const (
	ConnectStageSocket   ConnectStage = 0
	ConnectStageNative   ConnectStage = 1
	ConnectStageContinue ConnectStage = 2
)

// String returns the stage name.
func (s ConnectStage) String() string {
	switch s {
	case ConnectStageSocket:
		return "SOCKET"
	case ConnectStageNative:
		return "NATIVE"
	case ConnectStageContinue:
		return "CONTINUE"
	default:
		return "UNKNOWN"
	}
}

// ConnectEvent captures one step of a connect attempt.
type ConnectEvent struct {
	Stage ConnectStage `cbor:"1,keyasint"`

	// Attempt is the shard's start attempt counter.
	Attempt int `cbor:"2,keyasint"`

	// Config is the service config in its String form.
	Config string `cbor:"3,keyasint,omitempty"`

	// Result is CONNECTED/FAILED/TIMEOUT for native stages, OK/FAILED for sockets.
	Result string `cbor:"4,keyasint"`

	// Duration of the blocking call.
	Duration time.Duration `cbor:"5,keyasint,omitempty"`
}

// NotifyEvent captures a listener notification.
type NotifyEvent struct {
	Connected       bool `cbor:"1,keyasint"`
	Score           int  `cbor:"2,keyasint"`
	PhoneNoInternet bool `cbor:"3,keyasint"`
}

// RetryEvent captures a scheduled retry.
type RetryEvent struct {
	// Delay in retry units.
	Delay int `cbor:"1,keyasint"`

	// Attempt is the backoff attempt count after scheduling.
	Attempt int `cbor:"2,keyasint"`
}

// Direction indicates the direction of a control message.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures a sysproxy control message.
type ControlMsgEvent struct {
	Direction Direction `cbor:"1,keyasint"`

	// Type is the control message name (HELLO, WELCOME, NETWORK_STATE, ...).
	Type string `cbor:"2,keyasint"`

	// Size is the encoded frame size in bytes.
	Size int `cbor:"3,keyasint,omitempty"`
}

// RadioEvent captures a radio power decision.
type RadioEvent struct {
	Enable bool   `cbor:"1,keyasint"`
	Reason string `cbor:"2,keyasint"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the status code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
