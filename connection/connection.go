// Package connection implements C1, the multiplexed connection engine: it
// drives one already-established multi-stream peer connection, demuxing
// byte I/O across independent substreams, framing protocol messages inside
// length-prefixed tagged-field envelopes (package envelope), managing the
// ping substream, and mapping external substream identifiers to internal
// ones. The per-substream protocol logic itself is the opaque
// connection/substream.Substream collaborator.
package connection

import (
	"time"

	"github.com/pkg/errors"

	"github.com/josepot/smoldot/connection/substream"
	"github.com/josepot/smoldot/internal/detrand"
	"github.com/josepot/smoldot/internal/telemetry"
)

// MaxPendingEvents bounds the pending event queue. The limit is semantic,
// not a buffer size: once len(pending) reaches this, the driver refuses to
// do further substream work until the caller drains via PullEvent.
const MaxPendingEvents = 4

// TransportID identifies a substream at the transport layer (e.g. a WebRTC
// data channel id). It is supplied by the caller, never minted internally.
type TransportID uint64

// Config configures a new Engine. No field has a CLI, env var, or
// persistent-state counterpart — configuration is entirely in-process.
type Config struct {
	RandomnessSeed       [detrand.SeedLen]byte
	SubstreamsCapacity   int
	MaxInboundSubstreams uint32
	MaxProtocolNameLen   uint32
	PingProtocol         string
	PingInterval         time.Duration
	PingTimeout          time.Duration
	FirstOutPing         time.Time
}

// Outcome is the result of one SubstreamReadWrite call.
type Outcome int

const (
	Continue Outcome = iota
	Reset
)

type record struct {
	outerID             uint32
	inner               substream.Substream // nil iff reset but still draining events
	userData            interface{}
	hasUserData         bool
	readBuffer          []byte
	readBufferConsumed  int
	remoteWritingClosed bool
	localWritingClosed  bool
	isPing              bool
}

// Engine is C1: one multi-stream connection driver. Not safe for concurrent
// use — exclusively owned for the duration of any call, per the single-
// threaded cooperative concurrency model the spec requires.
type Engine struct {
	cfg     Config
	factory substream.Factory
	rng     *detrand.Source

	nextExternal uint32
	innerByExternal  map[uint32]TransportID
	stateByTransport map[TransportID]*record

	desiredQueue    []*record
	desiredByExternal map[uint32]*record

	pingTransport   TransportID
	hasPing         bool
	nextPing        time.Time
	pingPayloadSeed uint64

	pending []Event
}

// New allocates an Engine. factory supplies new substream.Substream
// instances as they're needed (ping, requests, notifications, inbound
// negotiation placeholders).
func New(cfg Config, factory substream.Factory) (*Engine, error) {
	rng, err := detrand.NewSource(cfg.RandomnessSeed)
	if err != nil {
		return nil, errors.Wrap(err, "connection: building randomness source")
	}
	e := &Engine{
		cfg:              cfg,
		factory:          factory,
		rng:              rng,
		innerByExternal:  make(map[uint32]TransportID, cfg.SubstreamsCapacity),
		stateByTransport: make(map[TransportID]*record, cfg.SubstreamsCapacity),
		desiredByExternal: make(map[uint32]*record),
		nextPing:         cfg.FirstOutPing,
		pingPayloadSeed:  rng.Uint64(),
	}
	return e, nil
}

// DesiredOutboundSubstreams reports how many outbound substreams the engine
// wants the transport to open: the desired queue's length, plus one more if
// the ping substream does not yet exist. Saturates at math.MaxUint32 (I3:
// monotonically non-increasing across one outbound AddSubstream call with
// nothing else changing).
func (e *Engine) DesiredOutboundSubstreams() uint32 {
	n := uint64(len(e.desiredQueue))
	if !e.hasPing {
		n++
	}
	if n > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}

func (e *Engine) assertMapsConsistent() {
	if len(e.innerByExternal) != len(e.stateByTransport) {
		panic("connection: innerByExternal and stateByTransport diverged in size")
	}
}

// AddSubstream registers a newly transport-opened substream under
// transportID. outbound distinguishes a locally-initiated stream (its inner
// state machine and record were pre-built by AddRequest/
// OpenNotificationsSubstream, or it becomes the ping slot) from a remote-
// initiated one (freshly built via factory.Ingoing). Panics if transportID
// is already registered.
func (e *Engine) AddSubstream(transportID TransportID, outbound bool) {
	if _, exists := e.stateByTransport[transportID]; exists {
		panic("connection: duplicate transport id registered")
	}

	var rec *record
	switch {
	case !outbound:
		rec = &record{
			outerID: e.allocateExternalID(),
			inner:   e.factory.Ingoing(e.cfg.MaxProtocolNameLen),
		}
	case !e.hasPing:
		rec = &record{
			outerID: e.allocateExternalID(),
			inner:   e.factory.PingOut(e.cfg.PingProtocol),
			isPing:  true,
		}
		e.pingTransport = transportID
		e.hasPing = true
	case len(e.desiredQueue) > 0:
		rec = e.desiredQueue[0]
		e.desiredQueue = e.desiredQueue[1:]
		delete(e.desiredByExternal, rec.outerID)
	default:
		// Open Question (spec §9): an outbound AddSubstream with an empty
		// desired queue is a caller bug. We choose the literal first-listed
		// behavior in spec §4.1: register then immediately reset the new
		// substream, rather than panicking.
		rec = &record{outerID: e.allocateExternalID()}
		e.innerByExternal[rec.outerID] = transportID
		e.stateByTransport[transportID] = rec
		e.assertMapsConsistent()
		e.resetByTransport(transportID)
		return
	}

	e.innerByExternal[rec.outerID] = transportID
	e.stateByTransport[transportID] = rec
	e.assertMapsConsistent()
}

func (e *Engine) allocateExternalID() uint32 {
	id := e.nextExternal
	e.nextExternal++
	return id
}

// ResetSubstream destroys the registered substream, enqueuing whatever
// terminal event its inner state machine produces. Panics if transportID is
// unknown, per the "unknown external ids panic" contract (here keyed on
// transport id since that is what the transport names; AddSubstream/
// lookups by external id panic the same way for the same reason).
func (e *Engine) ResetSubstream(transportID TransportID) {
	if _, ok := e.stateByTransport[transportID]; !ok {
		panic("connection: reset of unknown transport id")
	}
	e.resetByTransport(transportID)
}

func (e *Engine) resetByTransport(transportID TransportID) {
	rec := e.stateByTransport[transportID]

	if rec.inner != nil {
		if ev := rec.inner.Reset(); ev != nil {
			e.pushEvent(Event{OuterID: rec.outerID, Inner: ev})
		}
	}

	delete(e.innerByExternal, rec.outerID)
	delete(e.stateByTransport, transportID)
	if e.hasPing && transportID == e.pingTransport {
		e.hasPing = false
	}
	e.assertMapsConsistent()
	telemetry.SubstreamsReset.Inc()
}

func (e *Engine) pushEvent(ev Event) {
	e.pending = append(e.pending, ev)
	telemetry.PendingEventQueueDepth.Set(float64(len(e.pending)))
}

// PullEvent drains the oldest queued event, or returns (Event{}, false) on
// an empty queue without mutating state (R2).
func (e *Engine) PullEvent() (Event, bool) {
	if len(e.pending) == 0 {
		return Event{}, false
	}
	ev := e.pending[0]
	e.pending = e.pending[1:]
	telemetry.PendingEventQueueDepth.Set(float64(len(e.pending)))
	return ev, true
}

func (e *Engine) recordByExternal(externalID uint32) *record {
	if transportID, ok := e.innerByExternal[externalID]; ok {
		rec, ok := e.stateByTransport[transportID]
		if !ok {
			panic("connection: external id map inconsistent with transport map")
		}
		return rec
	}
	if rec, ok := e.desiredByExternal[externalID]; ok {
		return rec
	}
	panic("connection: unknown external substream id")
}

// AddRequest pushes a new outbound request substream onto the desired
// queue and returns its external id immediately; the transport later calls
// AddSubstream(outbound=true) to bind it to a concrete transport stream.
func (e *Engine) AddRequest(protocol string, timeout time.Time, body []byte, hasBody bool, maxResponseSize uint) uint32 {
	rec := &record{
		outerID: e.allocateExternalID(),
		inner:   e.factory.RequestOut(protocol, timeout, body, hasBody, maxResponseSize),
	}
	e.enqueueDesired(rec)
	return rec.outerID
}

// OpenNotificationsSubstream pushes a new outbound notifications substream
// onto the desired queue and returns its external id.
func (e *Engine) OpenNotificationsSubstream(protocol string, timeout time.Time, handshake []byte, maxHandshakeSize uint) uint32 {
	rec := &record{
		outerID: e.allocateExternalID(),
		inner:   e.factory.NotificationsOut(timeout, protocol, handshake, maxHandshakeSize),
	}
	e.enqueueDesired(rec)
	return rec.outerID
}

func (e *Engine) enqueueDesired(rec *record) {
	// outerID is reserved now, but the record is not a "current substream"
	// for I1's purposes until AddSubstream binds it to a transport id;
	// desiredByExternal lets callers still address it (e.g. to write a
	// notification before the transport has opened the stream) without
	// polluting innerByExternal/stateByTransport.
	e.desiredByExternal[rec.outerID] = rec
	e.desiredQueue = append(e.desiredQueue, rec)
}

// AcceptInbound accepts a pending inbound negotiation, binding it to the
// given protocol shape.
func (e *Engine) AcceptInbound(externalID uint32, ty substream.InboundTy) {
	e.recordByExternal(externalID).inner.AcceptInbound(ty)
}

// RejectInbound rejects a pending inbound negotiation.
func (e *Engine) RejectInbound(externalID uint32) {
	e.recordByExternal(externalID).inner.RejectInbound()
}

func (e *Engine) AcceptInNotificationsSubstream(externalID uint32, handshake []byte, maxNotificationSize uint) {
	e.recordByExternal(externalID).inner.AcceptInNotificationsSubstream(handshake, maxNotificationSize)
}

func (e *Engine) RejectInNotificationsSubstream(externalID uint32) {
	e.recordByExternal(externalID).inner.RejectInNotificationsSubstream()
}

func (e *Engine) WriteNotificationUnbounded(externalID uint32, message []byte) {
	e.recordByExternal(externalID).inner.WriteNotificationUnbounded(message)
}

func (e *Engine) CloseNotificationsSubstream(externalID uint32) {
	e.recordByExternal(externalID).inner.CloseNotificationsSubstream()
}

func (e *Engine) RespondInRequest(externalID uint32, result []byte, hasResult bool) error {
	return e.recordByExternal(externalID).inner.RespondInRequest(result, hasResult)
}

// NotificationSubstreamQueuedBytes is a delegated read for the caller's own
// backpressure decisions before calling WriteNotificationUnbounded.
func (e *Engine) NotificationSubstreamQueuedBytes(externalID uint32) uint {
	return e.recordByExternal(externalID).inner.NotificationSubstreamQueuedBytes()
}

// Event is a connection-level event: the substream it concerns (by external
// id) and the inner substream.Event it wraps.
type Event struct {
	OuterID uint32
	Inner   substream.Event
}
