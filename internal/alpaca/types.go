// Package alpaca implements a client for the ASCOM Alpaca REST device
// protocol: a pooled HTTP transport, a typed device client, and the
// binary image-array codec used for camera frame retrieval.
package alpaca

import "time"

// DeviceKind enumerates the Alpaca device types this client drives.
type DeviceKind string

const (
	Camera      DeviceKind = "camera"
	Telescope   DeviceKind = "telescope"
	Focuser     DeviceKind = "focuser"
	FilterWheel DeviceKind = "filterwheel"
	Dome        DeviceKind = "dome"
	Rotator     DeviceKind = "rotator"
)

// DeviceDescriptor identifies a single Alpaca device. Two descriptors
// compare equal iff every field matches. Immutable once a client is
// bound to one.
type DeviceDescriptor struct {
	Name         string
	Kind         DeviceKind
	DeviceNumber int
	Host         string
	Port         int
	TLS          bool
}

// Equal reports whether two descriptors identify the same device.
func (d DeviceDescriptor) Equal(o DeviceDescriptor) bool {
	return d.Name == o.Name && d.Kind == o.Kind && d.DeviceNumber == o.DeviceNumber &&
		d.Host == o.Host && d.Port == o.Port && d.TLS == o.TLS
}

// ErrorKind is the closed Alpaca error enumeration, plus the transport
// kinds that do not originate from the device itself.
type ErrorKind int

const (
	Success ErrorKind = 0x000
	// Device-level errors, matching the ASCOM Alpaca standard codes.
	InvalidValue         ErrorKind = 0x401
	ValueNotSet          ErrorKind = 0x402
	NotConnected         ErrorKind = 0x407
	InvalidWhileParked   ErrorKind = 0x408
	InvalidWhileSlaved   ErrorKind = 0x409
	InvalidOperation     ErrorKind = 0x40B
	ActionNotImplemented ErrorKind = 0x40C
	UnspecifiedError     ErrorKind = 0x500

	// Transport-level kinds, never reported by the device itself.
	NetworkError ErrorKind = -1
	ParseError   ErrorKind = -2
	TimeoutError ErrorKind = -3
)

func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "Success"
	case InvalidValue:
		return "InvalidValue"
	case ValueNotSet:
		return "ValueNotSet"
	case NotConnected:
		return "NotConnected"
	case InvalidWhileParked:
		return "InvalidWhileParked"
	case InvalidWhileSlaved:
		return "InvalidWhileSlaved"
	case InvalidOperation:
		return "InvalidOperation"
	case ActionNotImplemented:
		return "ActionNotImplemented"
	case UnspecifiedError:
		return "UnspecifiedError"
	case NetworkError:
		return "NetworkError"
	case ParseError:
		return "ParseError"
	case TimeoutError:
		return "TimeoutError"
	default:
		return "UnknownError"
	}
}

// kindForHTTPStatus maps an HTTP status code to an ErrorKind per the
// fixed table in the protocol design.
func kindForHTTPStatus(status int) ErrorKind {
	switch status {
	case 200:
		return Success
	case 400:
		return InvalidValue
	case 404:
		return ActionNotImplemented
	case 408:
		return TimeoutError
	case 500:
		return UnspecifiedError
	default:
		return NetworkError
	}
}

// kindForErrorNumber maps a body-level Alpaca ErrorNumber to an
// ErrorKind. Unknown nonzero codes fall back to UnspecifiedError.
func kindForErrorNumber(n int) ErrorKind {
	switch ErrorKind(n) {
	case Success, InvalidValue, ValueNotSet, NotConnected, InvalidWhileParked,
		InvalidWhileSlaved, InvalidOperation, ActionNotImplemented:
		return ErrorKind(n)
	default:
		return UnspecifiedError
	}
}

// APIError wraps a non-success ErrorKind so it satisfies the error
// interface while still exposing the kind to callers that need to
// branch on it (task bodies translating into the §7 error taxonomy).
type APIError struct {
	Kind    ErrorKind
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Response is the decoded Alpaca JSON envelope plus transport metadata.
type Response struct {
	Value               any
	ClientTransactionID int32
	ServerTransactionID int32
	ErrorNumber         int
	ErrorMessage        string
	ReceivedAt          time.Time
}

// HasError reports whether the envelope carries a nonzero ErrorNumber.
func (r *Response) HasError() bool {
	return r.ErrorNumber != 0
}

// envelope mirrors the wire JSON shape for unmarshaling.
type envelope struct {
	Value               any    `json:"Value,omitempty"`
	ClientTransactionID int32  `json:"ClientTransactionID"`
	ServerTransactionID int32  `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
}
