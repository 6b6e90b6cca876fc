package connection

import (
	"time"

	"github.com/josepot/smoldot/connection/envelope"
	"github.com/josepot/smoldot/connection/substream"
)

// maxReadBuffer is the cap on a substream's accumulated, not-yet-fully-
// delivered incoming bytes (I2).
const maxReadBuffer = envelope.MaxSize

// minOutgoingForEnvelope is the smallest outgoing space the driver requires
// before attempting any work, guaranteeing room for a minimal envelope (B1).
const minOutgoingForEnvelope = 6

// scratchReserve is subtracted from the bounded scratch buffer handed to the
// inner substream, leaving room for the envelope's own length prefix and
// tag/flag overhead when the driver re-wraps whatever the inner state
// machine wrote.
const scratchReserve = 10

// ReadWrite is the sole transport I/O surface SubstreamReadWrite is driven
// with. Both Incoming and the two outgoing segments remain non-nil for
// WebRTC data channels; nil signals that side has closed.
type ReadWrite struct {
	Now          time.Time
	Incoming     []byte
	OutgoingA    []byte
	OutgoingB    []byte
	ReadBytes    int
	WrittenBytes int
	WakeUpAfter  *time.Time
}

func (rw *ReadWrite) outgoingAvailable() int {
	return len(rw.OutgoingA) + len(rw.OutgoingB)
}

// writeOut copies buf into the two-segment outgoing buffer, advancing
// WrittenBytes and trimming the segments. Caller must have already checked
// buf fits in outgoingAvailable().
func (rw *ReadWrite) writeOut(buf []byte) {
	n := copy(rw.OutgoingA, buf)
	rw.OutgoingA = rw.OutgoingA[n:]
	rw.WrittenBytes += n
	buf = buf[n:]
	if len(buf) > 0 {
		m := copy(rw.OutgoingB, buf)
		rw.OutgoingB = rw.OutgoingB[m:]
		rw.WrittenBytes += m
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func earlier(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Before(*b):
		return a
	default:
		return b
	}
}

// SubstreamReadWrite drives one step of the named substream against rw: the
// ping-housekeeping check, then the main ingest/frame/dispatch loop
// described in spec §4.1, until nothing non-trivial happens in an
// iteration or a terminal condition is reached.
func (e *Engine) SubstreamReadWrite(externalID uint32, rw *ReadWrite) Outcome {
	transportID := e.transportFor(externalID)
	rec := e.stateByTransport[transportID]

	if rec.isPing && !rw.Now.Before(e.nextPing) {
		e.queuePing(rec, rw.Now)
	}

	for {
		if len(e.pending) >= MaxPendingEvents {
			return Continue
		}
		if rw.outgoingAvailable() < minOutgoingForEnvelope {
			return Continue
		}

		progress := e.ingest(rec, rw)

		consumed, flags, message, hasMessage, err := envelope.Decode(rec.readBuffer)
		switch err {
		case nil:
			fullyConsumed := !hasMessage || rec.readBufferConsumed >= len(message)
			if fullyConsumed {
				e.popFrame(rec, consumed, flags)
				if rec.inner == nil {
					e.removeForReset(rec, transportID)
					return Reset
				}
				progress = true
				continue
			}
			reset, stepped := e.stepInner(rec, rw, message, hasMessage)
			if reset {
				return Reset
			}
			progress = progress || stepped
		case envelope.ErrIncomplete:
			reset, stepped := e.stepInner(rec, rw, nil, false)
			if reset {
				return Reset
			}
			progress = progress || stepped
		default: // ErrTooLarge, ErrMalformed: protocol violation
			e.removeForReset(rec, transportID)
			return Reset
		}

		if !progress {
			return Continue
		}
	}
}

func (e *Engine) transportFor(externalID uint32) TransportID {
	t, ok := e.innerByExternal[externalID]
	if !ok {
		panic("connection: unknown external substream id")
	}
	return t
}

func (e *Engine) queuePing(rec *record, now time.Time) {
	payload := make([]byte, 32)
	copy(payload, uint64ToBytes(e.pingPayloadSeed^uint64(now.UnixNano())))
	rec.inner.QueuePing(payload, now.Add(e.cfg.PingTimeout))
	e.nextPing = now.Add(e.cfg.PingInterval)
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// ingest copies as much of rw.Incoming into rec.readBuffer as fits, up to
// maxReadBuffer, and reports whether any transfer happened or the incoming
// buffer could not be fully drained (either counts as loop progress).
func (e *Engine) ingest(rec *record, rw *ReadWrite) bool {
	if rw.Incoming == nil {
		return false
	}
	room := maxReadBuffer - len(rec.readBuffer)
	n := min(len(rw.Incoming), room)
	if n > 0 {
		rec.readBuffer = append(rec.readBuffer, rw.Incoming[:n]...)
		rw.Incoming = rw.Incoming[n:]
		rw.ReadBytes += n
	}
	return n > 0 || len(rw.Incoming) > 0
}

func (e *Engine) popFrame(rec *record, consumed int, flags *envelope.Flags) {
	rec.readBuffer = rec.readBuffer[consumed:]
	rec.readBufferConsumed = 0

	if flags == nil {
		return
	}
	switch *flags {
	case envelope.FlagFIN:
		rec.remoteWritingClosed = true
	case envelope.FlagResetStream:
		rec.remoteWritingClosed = true
		if rec.inner != nil {
			if ev := rec.inner.Reset(); ev != nil {
				e.pushEvent(Event{OuterID: rec.outerID, Inner: ev})
			}
			rec.inner = nil
		}
	case envelope.FlagStopSending:
		// ignored, per spec §4.1.
	}
}

// stepInner invokes the inner substream machine over the not-yet-delivered
// tail of message (or an empty slice if no complete frame carries a message)
// and a bounded scratch write buffer, then re-frames whatever it produced.
// Returns (reset, progressed): reset is true if the substream must be torn
// down (terminal Reset); progressed is true if anything non-trivial
// happened this call (bytes read, bytes written, or an event), per the
// driver's loop guard (spec §4.1 step 7).
func (e *Engine) stepInner(rec *record, rw *ReadWrite, message []byte, hasMessage bool) (reset bool, progressed bool) {
	scratchSize := min(rw.outgoingAvailable(), envelope.MaxSize) - scratchReserve
	if scratchSize < 0 {
		scratchSize = 0
	}
	scratch := make([]byte, scratchSize)

	var incoming []byte
	if rec.remoteWritingClosed {
		incoming = nil
	} else if hasMessage {
		incoming = message[rec.readBufferConsumed:]
	} else {
		incoming = []byte{}
	}

	var outgoing []byte
	if !rec.localWritingClosed {
		outgoing = scratch
	}

	subRW := &substream.ReadWrite{
		Now:      rw.Now,
		Incoming: incoming,
		Outgoing: outgoing,
	}

	next, ev, err := rec.inner.ReadWrite(subRW)
	if err != nil {
		e.removeForReset(rec, e.transportFor(rec.outerID))
		return true, true
	}

	rec.readBufferConsumed += subRW.ReadBytes
	rw.WakeUpAfter = earlier(rw.WakeUpAfter, subRW.WakeUpAfter)

	var outFlag *envelope.Flags
	if next == nil {
		if !rec.remoteWritingClosed || !rec.localWritingClosed {
			f := envelope.FlagResetStream
			outFlag = &f
		}
	} else if subRW.WriteSideClosed && !rec.localWritingClosed {
		f := envelope.FlagFIN
		outFlag = &f
		rec.localWritingClosed = true
	}

	written := subRW.WrittenBytes
	if outFlag != nil || written > 0 {
		var body []byte
		var bodyPresent bool
		if written > 0 {
			body = scratch[:written]
			bodyPresent = true
		}
		env, encErr := envelope.Encode(outFlag, body, bodyPresent)
		if encErr != nil {
			panic("connection: driver produced an oversize envelope")
		}
		if len(env) > rw.outgoingAvailable() {
			// Should not happen given the scratch-size accounting above;
			// treat as Continue rather than corrupting the outgoing buffer.
			return false, progressed
		}
		rw.writeOut(env)
		progressed = true
	}

	if ev != nil {
		e.pushEvent(Event{OuterID: rec.outerID, Inner: ev})
		progressed = true
	}
	if subRW.ReadBytes > 0 {
		progressed = true
	}

	if next == nil {
		rec.inner = nil
		e.removeForReset(rec, e.transportFor(rec.outerID))
		return true, true
	}
	return false, progressed
}

func (e *Engine) removeForReset(rec *record, transportID TransportID) {
	delete(e.innerByExternal, rec.outerID)
	delete(e.stateByTransport, transportID)
	if e.hasPing && transportID == e.pingTransport {
		e.hasPing = false
	}
	e.assertMapsConsistent()
}
