package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josepot/smoldot/connection/substream"
)

// fakeSubstream is a minimal, test-only implementation of substream.Substream
// used to exercise the connection engine's driver loop in isolation from any
// real per-substream protocol logic (which is out of scope per spec §1).
type fakeSubstream struct {
	pingQueued     bool
	pingQueueCount int
	pingPayload    []byte
	pingDeadline   time.Time
	pingResult     substream.Event // set by test to drive the next ReadWrite outcome

	echo bool // if true, ReadWrite copies Incoming straight to Outgoing

	resetEvent substream.Event
	vanish     bool // if true, next ReadWrite returns next=nil
}

func (f *fakeSubstream) ReadWrite(rw *substream.ReadWrite) (substream.Substream, substream.Event, error) {
	var ev substream.Event
	if f.pingQueued {
		f.pingQueued = false
		ev = f.pingResult
	}
	if f.echo && len(rw.Incoming) > 0 && len(rw.Outgoing) >= len(rw.Incoming) {
		n := copy(rw.Outgoing, rw.Incoming)
		rw.ReadBytes += n
		rw.WrittenBytes += n
	}
	if f.vanish {
		return nil, ev, nil
	}
	return f, ev, nil
}

func (f *fakeSubstream) Reset() substream.Event                              { return f.resetEvent }
func (f *fakeSubstream) AcceptInbound(ty substream.InboundTy)                 {}
func (f *fakeSubstream) RejectInbound()                                      {}
func (f *fakeSubstream) AcceptInNotificationsSubstream([]byte, uint)          {}
func (f *fakeSubstream) RejectInNotificationsSubstream()                     {}
func (f *fakeSubstream) WriteNotificationUnbounded([]byte)                   {}
func (f *fakeSubstream) NotificationSubstreamQueuedBytes() uint              { return 0 }
func (f *fakeSubstream) CloseNotificationsSubstream()                        {}
func (f *fakeSubstream) RespondInRequest([]byte, bool) error                  { return nil }
func (f *fakeSubstream) QueuePing(payload []byte, deadline time.Time) {
	f.pingQueued = true
	f.pingQueueCount++
	f.pingPayload = payload
	f.pingDeadline = deadline
}

type fakeFactory struct {
	ping *fakeSubstream
}

func (f *fakeFactory) Ingoing(uint32) substream.Substream { return &fakeSubstream{echo: true} }
func (f *fakeFactory) PingOut(string) substream.Substream { return f.ping }
func (f *fakeFactory) RequestOut(string, time.Time, []byte, bool, uint) substream.Substream {
	return &fakeSubstream{}
}
func (f *fakeFactory) NotificationsOut(time.Time, string, []byte, uint) substream.Substream {
	return &fakeSubstream{}
}

func newTestEngine(t *testing.T, factory substream.Factory) *Engine {
	t.Helper()
	e, err := New(Config{
		SubstreamsCapacity: 4,
		MaxProtocolNameLen: 128,
		PingProtocol:       "/ping/1",
		PingInterval:       20 * time.Second,
		PingTimeout:        10 * time.Second,
	}, factory)
	require.NoError(t, err)
	return e
}

func TestPingCycleScenario(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	ping := &fakeSubstream{}
	factory := &fakeFactory{ping: ping}

	e, err := New(Config{
		SubstreamsCapacity: 4,
		PingProtocol:       "/ping/1",
		PingInterval:       20 * time.Second,
		PingTimeout:        10 * time.Second,
		FirstOutPing:       t0.Add(5 * time.Second),
	}, factory)
	require.NoError(t, err)

	e.AddSubstream(TransportID(1), true)

	rw := &ReadWrite{Now: t0, Incoming: []byte{}, OutgoingA: make([]byte, 64)}
	e.SubstreamReadWrite(0, rw)
	assert.Equal(t, 0, ping.pingQueueCount, "no ping due yet at t0")

	rw2 := &ReadWrite{Now: t0.Add(5 * time.Second), Incoming: []byte{}, OutgoingA: make([]byte, 64)}
	e.SubstreamReadWrite(0, rw2)
	assert.Equal(t, 1, ping.pingQueueCount, "exactly one ping queued at first_out_ping")
	assert.True(t, e.nextPing.Equal(t0.Add(25 * time.Second)), "next_ping must advance by exactly ping_interval")
}

func TestFramedEchoScenario(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	e.AddSubstream(TransportID(1), false)

	frame := []byte{0x07, 0x08, 0x01, 0x12, 0x03, 0x61, 0x62, 0x63}
	out := make([]byte, 64)
	rw := &ReadWrite{Now: time.Now(), Incoming: frame, OutgoingA: out}
	outcome := e.SubstreamReadWrite(0, rw)
	assert.Equal(t, Continue, outcome)
	assert.Equal(t, len(frame), rw.ReadBytes)
}

func TestResetViaResetStreamScenario(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	e.AddSubstream(TransportID(1), false)

	frame := []byte{0x02, 0x08, 0x02} // length 2, tag1 varint, flags=2 (RESET_STREAM)
	rw := &ReadWrite{Now: time.Now(), Incoming: frame, OutgoingA: make([]byte, 64)}
	outcome := e.SubstreamReadWrite(0, rw)
	assert.Equal(t, Reset, outcome)

	assert.Panics(t, func() { e.transportFor(0) }, "substream must be fully removed after reset")
}

func TestBoundaryOutgoingAvailableFiveReturnsContinueWithoutWriting(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	e.AddSubstream(TransportID(1), false)

	rw := &ReadWrite{Now: time.Now(), Incoming: []byte{0x01}, OutgoingA: make([]byte, 5)}
	outcome := e.SubstreamReadWrite(0, rw)
	assert.Equal(t, Continue, outcome)
	assert.Equal(t, 0, rw.WrittenBytes)
	assert.Equal(t, 0, rw.ReadBytes, "no ingest should happen either, since the gate is checked first")
}

func TestPullEventOnEmptyQueueReturnsFalseWithoutMutation(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)

	before := len(e.pending)
	_, ok := e.PullEvent()
	assert.False(t, ok)
	assert.Equal(t, before, len(e.pending))
}

func TestDesiredOutboundSubstreamsAccountsForPing(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	assert.Equal(t, uint32(1), e.DesiredOutboundSubstreams(), "ping absent counts as one desired substream")

	e.AddRequest("/req/1", time.Now().Add(time.Minute), nil, false, 1024)
	assert.Equal(t, uint32(2), e.DesiredOutboundSubstreams())

	e.AddSubstream(TransportID(1), true) // consumes the ping slot
	assert.Equal(t, uint32(1), e.DesiredOutboundSubstreams())
}

func TestDuplicateTransportIDPanics(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	e.AddSubstream(TransportID(1), false)
	assert.Panics(t, func() { e.AddSubstream(TransportID(1), false) })
}

func TestUnknownExternalIDPanics(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	assert.Panics(t, func() { e.AcceptInbound(999, substream.InboundTyRequest) })
}

func TestOutboundAddSubstreamWithEmptyDesiredQueueResetsImmediately(t *testing.T) {
	factory := &fakeFactory{ping: &fakeSubstream{}}
	e := newTestEngine(t, factory)
	e.AddSubstream(TransportID(1), true) // becomes ping, queue still empty

	e.AddSubstream(TransportID(2), true) // outbound, no ping slot needed, empty queue
	assert.NotPanics(t, func() { e.transportFor(0) }, "first external id belongs to ping, still alive")

	// The second registration (external id 1) should already be torn down.
	_, hasTransport := e.innerByExternal[1]
	assert.False(t, hasTransport)
}
