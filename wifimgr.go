// Package wifimgr is the root package of the WiFi management library: it
// defines the application-facing error taxonomy shared across connmgr,
// settings, remotesession, and remotehandlers.
package wifimgr

// Status is the closed set of application-facing error codes a caller is
// expected to switch on, rather than matching against package-specific
// sentinel errors.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArgument
	StatusInvalidData
	StatusInvalidState
	StatusInsufficientResources
	StatusResourceInUse
	StatusBadAlignment
	StatusInvalidAddress
	StatusModifiedData
	StatusUnsupportedModification
	StatusNotPermitted
	StatusGeneric
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusInvalidData:
		return "invalid-data"
	case StatusInvalidState:
		return "invalid-state"
	case StatusInsufficientResources:
		return "insufficient-resources"
	case StatusResourceInUse:
		return "resource-in-use"
	case StatusBadAlignment:
		return "bad-alignment"
	case StatusInvalidAddress:
		return "invalid-address"
	case StatusModifiedData:
		return "modified-data"
	case StatusUnsupportedModification:
		return "unsupported-modification"
	case StatusNotPermitted:
		return "not-permitted"
	default:
		return "generic"
	}
}

// Error wraps a Status with a human-readable detail message, satisfying
// the error interface while still letting callers switch on Status.
type Error struct {
	Status  Status
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

// New builds an *Error for the given status and detail message.
func New(status Status, message string) *Error {
	return &Error{Status: status, Message: message}
}
