// Package remotehandlers implements the built-in command handlers for the
// authenticated remote-control channel: device info, settings update,
// reboot, flash/RAM access, and OTA firmware replacement, dispatched by
// message type from a Registry.
package remotehandlers

import "fmt"

// Message type IDs: built-ins occupy the reserved 120..127 range;
// user-defined handlers occupy 128..143.
const (
	MsgPicoInfo          = 120
	MsgUpdateSettings    = 121
	MsgUpdateAndReboot   = 122
	MsgReadFlash         = 123
	MsgWriteFlash        = 124
	MsgOTAFirmwareUpdate = 125

	BuiltinHandlerRangeStart = 120
	BuiltinHandlerRangeEnd   = 127
	UserHandlerRangeStart    = 128
	UserHandlerRangeEnd      = 143
)

// Request is one decrypted, hash-verified command ready for dispatch.
type Request struct {
	MsgType byte
	Param   uint32
	Data    []byte
}

// Response is what a handler produces; Registry.Dispatch returns it, and
// the caller turns it back into a remotesession.Frame.
type Response struct {
	Result uint32
	Data   []byte
}

// Handler is implemented by OneShot and TwoStage. Modeled as a tagged
// interface (per this module's transport-abstraction convention) instead of
// a struct with two optional function pointers, so a handler's shape is
// checked by the compiler rather than by a nil check at dispatch time.
type Handler interface {
	isHandler()
}

// OneShot is a handler that validates and executes in a single step and
// always returns a response, used for read-only or low-risk operations
// (info queries, settings update without reboot).
type OneShot struct {
	Run func(Request) (Response, error)
}

func (OneShot) isHandler() {}

// TwoStage is a handler for destructive operations (reboot, OTA replace)
// that must not run until the request has been fully validated. Verify
// checks the request and returns the response to send before acting;
// Commit performs the irreversible action afterward and does not return a
// response (the connection may already be gone by the time it runs, e.g.
// because Commit reboots the device).
type TwoStage struct {
	Verify func(Request) (Response, error)
	Commit func(Request)
}

func (TwoStage) isHandler() {}

// Registry maps message type IDs to handlers.
type Registry struct {
	handlers map[byte]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[byte]Handler)}
}

// Register adds or replaces the handler for msgType. Registering a built-in
// ID overrides it; registering outside the user range is allowed but
// discouraged for anything other than the built-ins installed by
// RegisterBuiltins.
func (r *Registry) Register(msgType byte, h Handler) {
	r.handlers[msgType] = h
}

// Lookup returns the handler for msgType, if any.
func (r *Registry) Lookup(msgType byte) (Handler, bool) {
	h, ok := r.handlers[msgType]
	return h, ok
}

// ErrUnknownMessageType is returned by Dispatch when no handler is
// registered for the request's message type.
type ErrUnknownMessageType struct{ MsgType byte }

func (e ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("remotehandlers: no handler registered for message type %d", e.MsgType)
}

// ErrBadParameter marks a request whose shape or ranges are invalid. The
// session owner answers it with the BAD_PARAM wire error instead of the
// generic one.
type ErrBadParameter struct{ Reason string }

func (e ErrBadParameter) Error() string {
	return "remotehandlers: bad parameter: " + e.Reason
}

// Dispatch runs the handler for req.MsgType and returns its response. For
// a TwoStage handler, Dispatch runs Verify and returns a commit callback;
// the caller must invoke it only after the response has been fully
// flushed to the peer, so destructive side effects (reboot, OTA) happen
// strictly after the acknowledgment is on the wire.
func (r *Registry) Dispatch(req Request) (Response, func(), error) {
	h, ok := r.handlers[req.MsgType]
	if !ok {
		return Response{}, nil, ErrUnknownMessageType{MsgType: req.MsgType}
	}
	switch handler := h.(type) {
	case OneShot:
		resp, err := handler.Run(req)
		return resp, nil, err
	case TwoStage:
		resp, err := handler.Verify(req)
		if err != nil {
			return Response{}, nil, err
		}
		commit := func() { handler.Commit(req) }
		return resp, commit, nil
	default:
		return Response{}, nil, fmt.Errorf("remotehandlers: unknown handler kind %T", h)
	}
}
