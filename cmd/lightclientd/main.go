// Command lightclientd is a small flag-driven demo harness wiring one
// connection.Engine and one syncer.Composite over an in-memory transport
// pair, for manual exercise and integration testing. It is ambient harness
// code, not part of either core's public contract: the stub substream
// factory and verify implementations below accept everything unconditionally
// and exist only to give the two cores something to drive.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/josepot/smoldot/connection"
	"github.com/josepot/smoldot/connection/substream"
	"github.com/josepot/smoldot/internal/detrand"
	"github.com/josepot/smoldot/syncer"
	"github.com/josepot/smoldot/syncer/verify"
)

var opts = new(struct {
	FullMode            bool   `long:"full-mode" description:"Start in optimistic sync instead of warp sync"`
	SourcesCapacity     int    `long:"sources-capacity" default:"16" description:"Expected number of simultaneous sources"`
	BlocksCapacity      int    `long:"blocks-capacity" default:"256" description:"Expected number of simultaneously pending blocks"`
	MaxDisjointHeaders  uint32 `long:"max-disjoint-headers" default:"128" description:"All-forks disjoint header cap"`
	MaxRequestsPerBlock uint32 `long:"max-requests-per-block" default:"3" description:"Optimistic sync max requests per block"`
	DownloadAheadBlocks uint32 `long:"download-ahead-blocks" default:"64" description:"Optimistic sync download-ahead window"`
	PingIntervalSeconds int    `long:"ping-interval" default:"15" description:"Connection engine ping interval, in seconds"`
	PingTimeoutSeconds  int    `long:"ping-timeout" default:"10" description:"Connection engine ping timeout, in seconds"`
	LogLevel            string `long:"log-level" default:"info" description:"logrus level"`
})

func main() {
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level, err := log.ParseLevel(opts.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("lightclientd: parsing log level")
	}
	log.SetLevel(level)

	chainInfo := verify.ChainInformation{ConsensusKind: verify.ConsensusGrandpa}
	v := demoVerifier{}

	comp := syncer.New(syncer.Config{
		ChainInformation:      chainInfo,
		SourcesCapacity:       opts.SourcesCapacity,
		BlocksCapacity:        opts.BlocksCapacity,
		MaxDisjointHeaders:    opts.MaxDisjointHeaders,
		MaxRequestsPerBlock:   opts.MaxRequestsPerBlock,
		DownloadAheadBlocks:   opts.DownloadAheadBlocks,
		FullMode:              opts.FullMode,
		HeaderDecoder:         v,
		HeaderVerifier:        v,
		JustificationVerifier: v,
		FragmentVerifier:      v,
		RuntimeBuilder:        v,
	})

	var seed [detrand.SeedLen]byte
	seedA, seedB := uuid.New(), uuid.New()
	copy(seed[:16], seedA[:])
	copy(seed[16:], seedB[:])

	eng, err := connection.New(connection.Config{
		RandomnessSeed:       seed,
		SubstreamsCapacity:   opts.SourcesCapacity,
		MaxInboundSubstreams: 32,
		MaxProtocolNameLen:   128,
		PingProtocol:         "/demo/ping/1",
		PingInterval:         time.Duration(opts.PingIntervalSeconds) * time.Second,
		PingTimeout:          time.Duration(opts.PingTimeoutSeconds) * time.Second,
		FirstOutPing:         time.Now().Add(time.Duration(opts.PingIntervalSeconds) * time.Second),
	}, demoFactory{})
	if err != nil {
		log.WithError(err).Fatal("lightclientd: building connection engine")
	}

	// Two goroutines simulate the outbound and inbound transport directions,
	// each minting its own demo transport ids and handing them back over a
	// channel; only the main goroutine ever calls into eng, one binding at a
	// time, matching the single-threaded-caller contract connection.Engine
	// requires.
	bindings := make(chan transportBinding)
	outboundWant := int(eng.DesiredOutboundSubstreams())
	go simulateOutboundTransport(outboundWant, bindings)
	go simulateInboundTransport(bindings)

	for i := 0; i < outboundWant+1; i++ {
		b := <-bindings
		eng.AddSubstream(b.id, b.outbound)
	}
	for {
		ev, ok := eng.PullEvent()
		if !ok {
			break
		}
		log.WithFields(log.Fields{"outer_id": ev.OuterID}).Info("lightclientd: connection event")
	}

	sourceLabel := uuid.New().String()
	srcID := comp.AddSource(sourceLabel, chainInfo.FinalizedBlockNumber, chainInfo.FinalizedBlockHash)
	log.WithFields(log.Fields{"source": sourceLabel, "id": srcID}).Info("lightclientd: demo source added")

	for _, req := range comp.DesiredRequests() {
		log.WithFields(log.Fields{
			"source": req.Source,
			"detail": fmt.Sprintf("%T", req.Detail),
		}).Info("lightclientd: desired request")
	}

	out := comp.ProcessOne()
	log.WithFields(log.Fields{"kind": out.Kind}).Info("lightclientd: process_one")
}

// transportBinding is one simulated transport direction's report that a new
// substream exists and needs registering with the engine.
type transportBinding struct {
	id       connection.TransportID
	outbound bool
}

func newTransportID() connection.TransportID {
	u := uuid.New()
	return connection.TransportID(binary.BigEndian.Uint64(u[:8]))
}

// simulateOutboundTransport mints one transport id per substream the engine
// wants opened and reports each back over bindings.
func simulateOutboundTransport(want int, bindings chan<- transportBinding) {
	for i := 0; i < want; i++ {
		bindings <- transportBinding{id: newTransportID(), outbound: true}
	}
}

// simulateInboundTransport mints one remote-initiated transport id, standing
// in for a peer opening a substream toward us.
func simulateInboundTransport(bindings chan<- transportBinding) {
	bindings <- transportBinding{id: newTransportID(), outbound: false}
}

// demoFactory builds substreams that accept every negotiation and never
// themselves produce protocol traffic — enough for the engine's bookkeeping
// to be exercised without a real wire peer.
type demoFactory struct{}

func (demoFactory) Ingoing(maxProtocolNameLen uint32) substream.Substream { return &demoSubstream{} }
func (demoFactory) PingOut(protocol string) substream.Substream          { return &demoSubstream{} }
func (demoFactory) RequestOut(protocol string, timeout time.Time, body []byte, hasBody bool, maxResponseSize uint) substream.Substream {
	return &demoSubstream{}
}
func (demoFactory) NotificationsOut(timeout time.Time, protocol string, handshake []byte, maxHandshakeSize uint) substream.Substream {
	return &demoSubstream{}
}

type demoSubstream struct{}

func (s *demoSubstream) ReadWrite(rw *substream.ReadWrite) (substream.Substream, substream.Event, error) {
	return s, nil, nil
}
func (s *demoSubstream) Reset() substream.Event                    { return nil }
func (s *demoSubstream) AcceptInbound(ty substream.InboundTy)      {}
func (s *demoSubstream) RejectInbound()                            {}
func (s *demoSubstream) AcceptInNotificationsSubstream(handshake []byte, maxNotificationSize uint) {}
func (s *demoSubstream) RejectInNotificationsSubstream()            {}
func (s *demoSubstream) WriteNotificationUnbounded(message []byte)  {}
func (s *demoSubstream) NotificationSubstreamQueuedBytes() uint     { return 0 }
func (s *demoSubstream) CloseNotificationsSubstream()               {}
func (s *demoSubstream) RespondInRequest(result []byte, hasResult bool) error { return nil }
func (s *demoSubstream) QueuePing(payload []byte, deadline time.Time)         {}

// demoVerifier implements every syncer/verify interface by unconditionally
// accepting its input. Cryptographic verification and Wasm execution are
// out of scope for this module; this stub exists only so the demo harness
// has something to construct a Composite with.
type demoVerifier struct{}

func (demoVerifier) DecodeHeader(raw []byte, blockNumberBytes uint8) (verify.DecodedHeader, error) {
	return verify.DecodedHeader{}, nil
}

func (demoVerifier) VerifyHeader(parent verify.DecodedHeader, raw []byte, blockNumberBytes uint8) (verify.HeaderVerifyOutcome, *verify.HeaderVerifyError) {
	return verify.HeaderVerifyOutcome{IsNewBest: true}, nil
}

func (demoVerifier) VerifyJustification(current verify.ChainInformation, justification verify.Justification) (verify.FinalityProofVerifyOutcome, error) {
	return verify.FinalityProofVerifyOutcome{}, nil
}

func (demoVerifier) VerifyGrandpaCommit(current verify.ChainInformation, rawCommitMessage []byte) (verify.FinalityProofVerifyOutcome, error) {
	return verify.FinalityProofVerifyOutcome{}, nil
}

func (demoVerifier) VerifyFragment(current verify.ChainInformation, fragment verify.WarpSyncFragment) (verify.ChainInformation, *verify.WarpSyncFragmentError) {
	return current, nil
}

func (demoVerifier) Build(code []byte, heapPages uint64) (verify.Runtime, error) {
	return struct{}{}, nil
}
