// Package substream specifies, but does not implement, the per-substream
// protocol state machine C1 drives. It is an external collaborator per the
// top-level spec: request/response framing, notification handshakes, and
// ping accounting are entirely its concern. connection.Engine only ever
// calls through the Substream and Factory interfaces below and forwards the
// Events it receives, unmodified, to its own pull_event queue.
package substream

import "time"

// ReadWrite is the byte-I/O surface an inner Substream is driven with for one
// substream_read_write call. It mirrors connection.ReadWrite but operates on
// the already-deframed message tail (or nil if the remote write side has
// closed) and a bounded scratch write buffer (or nil if the local write side
// has closed).
type ReadWrite struct {
	Now          time.Time
	Incoming     []byte // nil = remote write side closed
	Outgoing     []byte // scratch buffer; nil = local write side closed
	ReadBytes    int
	WrittenBytes int
	WakeUpAfter  *time.Time

	// WriteSideClosed is set by the inner machine to ask the driver to emit
	// FIN on its behalf without terminating (the substream may still be
	// read from afterwards).
	WriteSideClosed bool
}

// InboundTy distinguishes the two shapes an accepted inbound substream can
// take once negotiation completes.
type InboundTy int

const (
	InboundTyRequest InboundTy = iota
	InboundTyNotifications
)

// Event is the sealed set of observable transitions a Substream may produce,
// forwarded upward as connection-level events per spec §4.2's mapping table.
type Event interface{ isSubstreamEvent() }

type InboundError struct{ WasAccepted bool }
type InboundAcceptedCancel struct{}
type InboundNegotiated struct{ Protocol string }
type RequestIn struct{ Body []byte }
type Response struct {
	Body  []byte
	HasOk bool // false = the request_out failed (timeout, reset, etc.)
}
type NotificationsInOpen struct{ Handshake []byte }
type NotificationsInOpenCancel struct{}
type NotificationIn struct{ Body []byte }
type NotificationsInClose struct{ Err error } // nil = graceful close
type NotificationsOutResult struct{ Err error }
type NotificationsOutCloseDemanded struct{}
type NotificationsOutReset struct{}
type PingOutSuccess struct{}
type PingOutFailed struct{} // two consecutive PingOutError collapse to this

func (InboundError) isSubstreamEvent()               {}
func (InboundAcceptedCancel) isSubstreamEvent()       {}
func (InboundNegotiated) isSubstreamEvent()           {}
func (RequestIn) isSubstreamEvent()                   {}
func (Response) isSubstreamEvent()                    {}
func (NotificationsInOpen) isSubstreamEvent()         {}
func (NotificationsInOpenCancel) isSubstreamEvent()   {}
func (NotificationIn) isSubstreamEvent()              {}
func (NotificationsInClose) isSubstreamEvent()        {}
func (NotificationsOutResult) isSubstreamEvent()      {}
func (NotificationsOutCloseDemanded) isSubstreamEvent() {}
func (NotificationsOutReset) isSubstreamEvent()       {}
func (PingOutSuccess) isSubstreamEvent()              {}
func (PingOutFailed) isSubstreamEvent()               {}

// ErrSubstreamClosed is returned by RespondInRequest when the request-in
// substream has already been closed by the remote side.
type ErrSubstreamClosed struct{}

func (ErrSubstreamClosed) Error() string { return "substream: substream closed" }

// Substream is the opaque per-substream protocol state machine.
// Implementations panic on a wrong-state call per spec §4.1's "All panic on
// wrong-state" contract, matching the teacher's mustState idiom.
// connection.Engine tracks no negotiation state of its own and forwards the
// caller-driven methods (AcceptInbound, RespondInRequest, ...) as called, so
// such a panic reports a caller contract violation.
type Substream interface {
	// ReadWrite drives one step of the inner protocol machine. It returns the
	// (possibly different) Substream to continue with, or nil if the inner
	// machine has terminated, plus an optional Event.
	ReadWrite(rw *ReadWrite) (next Substream, event Event, err error)

	// Reset aborts the substream immediately, returning a terminal Event if
	// one is owed to the caller (e.g. NotificationsOutReset).
	Reset() Event

	AcceptInbound(ty InboundTy)
	RejectInbound()

	AcceptInNotificationsSubstream(handshake []byte, maxNotificationSize uint)
	RejectInNotificationsSubstream()

	WriteNotificationUnbounded(message []byte)
	NotificationSubstreamQueuedBytes() uint
	CloseNotificationsSubstream()

	// RespondInRequest answers a RequestIn previously observed. hasResult
	// false asks the substream to deny the request (protocol-defined
	// rejection), mirroring the Rust signature's Result<Vec<u8>, ()> body.
	RespondInRequest(result []byte, hasResult bool) error

	// QueuePing asks the ping substream to send payload, observing failure
	// or success if the deadline elapses without callers invoking ReadWrite
	// past it. Only valid on a Substream built by Factory.PingOut.
	QueuePing(payload []byte, deadline time.Time)
}

// Factory builds new Substream instances for the four shapes the connection
// engine originates: an as-yet-unnegotiated inbound, an outbound ping, an
// outbound request, and an outbound notifications substream.
type Factory interface {
	Ingoing(maxProtocolNameLen uint32) Substream
	PingOut(protocol string) Substream
	RequestOut(protocol string, timeout time.Time, body []byte, hasBody bool, maxResponseSize uint) Substream
	NotificationsOut(timeout time.Time, protocol string, handshake []byte, maxHandshakeSize uint) Substream
}
