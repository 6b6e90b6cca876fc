// Package optimisticsync implements C5: the optimistic bulk-download
// strategy. It assumes sources are honest, issues ascending block-range
// requests up to a download-ahead-blocks policy, and resets its local chain
// back to the finalized block whenever a downloaded header, body, or
// justification fails verification (delegated to syncer/verify). Failing
// sources are banned; if a ban would leave none usable, every ban is
// cleared in one step, per spec §4.4.
package optimisticsync

import (
	"github.com/pkg/errors"

	"github.com/josepot/smoldot/internal/slab"
	"github.com/josepot/smoldot/syncer/verify"
)

type SourceID int
type RequestID int

const NoSource SourceID = -1
const NoRequest RequestID = -1

// RequestDetail is optimistic sync's single request shape: an ascending
// block range.
type RequestDetail struct {
	StartHeight uint64
	NumBlocks   uint32
}

type sourceRecord struct {
	userData   interface{}
	banned     bool
	bestHeight uint64
	hasBest    bool
}

type requestRecord struct {
	source SourceID
	detail RequestDetail
}

// DownloadedBlock is one block a successful request returned.
type DownloadedBlock struct {
	Header         []byte
	Body           [][]byte
	Justifications []verify.Justification
	UserData       interface{}
}

type pendingBlock struct {
	DownloadedBlock
	height uint64
}

// Config configures a new Optimistic strategy instance.
type Config struct {
	ChainInformation    verify.ChainInformation
	SourcesCapacity     int
	RequestsCapacity    int
	DownloadAheadBlocks uint32
	MaxRequestsPerBlock uint32

	HeaderDecoder         verify.HeaderDecoder
	HeaderVerifier        verify.HeaderVerifier
	JustificationVerifier verify.JustificationVerifier
}

// Optimistic is C5.
type Optimistic struct {
	cfg Config

	sources  *slab.Slab[sourceRecord]
	requests *slab.Slab[requestRecord]

	finalizedHeight uint64
	finalizedHash   verify.Hash
	verifiedHeight  uint64 // highest height already verified and appended to the local chain

	pending               []pendingBlock // ascending by height, awaiting verification
	pendingJustification  *verify.Justification
}

// ProcessOutcomeKind is the sealed set process_one can return.
type ProcessOutcomeKind int

const (
	ProcessIdle ProcessOutcomeKind = iota
	ProcessVerifyBlock
	ProcessVerifyJustification
)

type ProcessOutcome struct {
	Kind ProcessOutcomeKind

	Header   []byte // ProcessVerifyBlock
	Body     [][]byte
	UserData interface{}

	Justification verify.Justification // ProcessVerifyJustification
}

// InProgressRequest is surfaced by RemoveSource for the caller to resolve.
type InProgressRequest struct {
	ID     RequestID
	Detail RequestDetail
}

// ResetOutcome reports a reset-to-finalized event, produced when a
// downloaded header, body, or justification fails verification.
type ResetOutcome struct {
	Cause           verify.ResetCause
	ResetToHeight   uint64
	BannedSource    SourceID
	AllBansCleared  bool
}

// New constructs a fresh Optimistic strategy.
func New(cfg Config) *Optimistic {
	return &Optimistic{
		cfg:             cfg,
		sources:         slab.New[sourceRecord](cfg.SourcesCapacity),
		requests:        slab.New[requestRecord](cfg.RequestsCapacity),
		finalizedHeight: cfg.ChainInformation.FinalizedBlockNumber,
		finalizedHash:   cfg.ChainInformation.FinalizedBlockHash,
		verifiedHeight:  cfg.ChainInformation.FinalizedBlockNumber,
	}
}

func (o *Optimistic) AddSource(userData interface{}) SourceID {
	return SourceID(o.sources.Insert(sourceRecord{userData: userData}))
}

func (o *Optimistic) RemoveSource(id SourceID) (interface{}, []InProgressRequest) {
	rec, ok := o.sources.Remove(int(id))
	if !ok {
		panic("optimisticsync: unknown source id")
	}
	var inFlight []InProgressRequest
	o.requests.Each(func(key int, req requestRecord) {
		if req.source == id {
			inFlight = append(inFlight, InProgressRequest{ID: RequestID(key), Detail: req.detail})
		}
	})
	for _, r := range inFlight {
		o.requests.Remove(int(r.ID))
	}
	return rec.userData, inFlight
}

// DesiredRequest is one range request DesiredRequests proposes the caller
// issue.
type DesiredRequest struct {
	Source SourceID
	Detail RequestDetail
}

// DesiredRequests proposes one ascending range request per unbanned source,
// each starting just above the highest height already requested, pending or
// verified, and ending no later than download_ahead_blocks past the highest
// verified height; a range holds at most MaxRequestsPerBlock blocks.
func (o *Optimistic) DesiredRequests() []DesiredRequest {
	highest := o.verifiedHeight
	for _, p := range o.pending {
		if p.height > highest {
			highest = p.height
		}
	}
	o.requests.Each(func(_ int, req requestRecord) {
		top := req.detail.StartHeight + uint64(req.detail.NumBlocks) - 1
		if top > highest {
			highest = top
		}
	})

	ceiling := o.verifiedHeight + uint64(o.cfg.DownloadAheadBlocks)
	if highest >= ceiling {
		return nil
	}

	var out []DesiredRequest
	o.sources.Each(func(key int, src sourceRecord) {
		if src.banned {
			return
		}
		remaining := ceiling - highest
		if remaining == 0 {
			return
		}
		n := remaining
		if n > uint64(o.cfg.MaxRequestsPerBlock) {
			n = uint64(o.cfg.MaxRequestsPerBlock)
		}
		out = append(out, DesiredRequest{
			Source: SourceID(key),
			Detail: RequestDetail{StartHeight: highest + 1, NumBlocks: uint32(n)},
		})
	})
	return out
}

func (o *Optimistic) InsertRequest(source SourceID, detail RequestDetail) RequestID {
	if !o.sources.Contains(int(source)) {
		panic("optimisticsync: insert_request against unknown source")
	}
	return RequestID(o.requests.Insert(requestRecord{source: source, detail: detail}))
}

// FinishRequestSuccess folds the downloaded blocks into the pending queue,
// in ascending height order, ready for ProcessOne to verify them one by
// one.
func (o *Optimistic) FinishRequestSuccess(id RequestID, blocks []DownloadedBlock) error {
	req, ok := o.requests.Remove(int(id))
	if !ok {
		return errors.New("optimisticsync: unknown request id")
	}
	for i, b := range blocks {
		o.pending = append(o.pending, pendingBlock{DownloadedBlock: b, height: req.detail.StartHeight + uint64(i)})
	}
	return nil
}

// FinishRequestFailed bans the owning source (clearing every ban if that
// would otherwise leave zero usable sources) and drops the request.
func (o *Optimistic) FinishRequestFailed(id RequestID) (SourceID, bool, error) {
	req, ok := o.requests.Remove(int(id))
	if !ok {
		return NoSource, false, errors.New("optimisticsync: unknown request id")
	}
	allCleared := o.banSource(req.source)
	return req.source, allCleared, nil
}

func (o *Optimistic) banSource(id SourceID) (allCleared bool) {
	if rec := o.sources.GetPtr(int(id)); rec != nil {
		rec.banned = true
	}

	allBanned := o.sources.Len() > 0
	o.sources.Each(func(_ int, rec sourceRecord) {
		if !rec.banned {
			allBanned = false
		}
	})
	if allBanned {
		for _, key := range o.sources.Keys() {
			if p := o.sources.GetPtr(key); p != nil {
				p.banned = false
			}
		}
		return true
	}
	return false
}

// ProcessOne drives verification of the next pending block (or its
// justification, once the header has already been accepted).
func (o *Optimistic) ProcessOne() ProcessOutcome {
	if o.pendingJustification != nil {
		return ProcessOutcome{Kind: ProcessVerifyJustification, Justification: *o.pendingJustification}
	}
	if len(o.pending) == 0 {
		return ProcessOutcome{Kind: ProcessIdle}
	}
	head := o.pending[0]
	return ProcessOutcome{Kind: ProcessVerifyBlock, Header: head.Header, Body: head.Body, UserData: head.UserData}
}

// BlockVerified accepts the head pending block into the local chain and
// advances verifiedHeight; if it carries justifications, the first one is
// latched so the next ProcessOne call surfaces ProcessVerifyJustification.
func (o *Optimistic) BlockVerified() *verify.Justification {
	if len(o.pending) == 0 {
		panic("optimisticsync: BlockVerified called with nothing pending")
	}
	head := o.pending[0]
	o.verifiedHeight = head.height
	o.pending = o.pending[1:]
	if len(head.Justifications) > 0 {
		j := head.Justifications[0]
		o.pendingJustification = &j
		return &j
	}
	return nil
}

// JustificationVerified clears the latched justification ProcessOne most
// recently surfaced, letting ProcessOne move on to the next pending block.
func (o *Optimistic) JustificationVerified() {
	o.pendingJustification = nil
}

// BlockRejected resets the local chain to the finalized block, marks every
// in-flight request obsolete, and reports why.
func (o *Optimistic) BlockRejected(cause verify.ResetCause) ResetOutcome {
	return o.resetToFinalized(cause)
}

// JustificationRejected is the same reset path, triggered by a failed
// justification instead of a failed header.
func (o *Optimistic) JustificationRejected(cause verify.ResetCause) ResetOutcome {
	return o.resetToFinalized(cause)
}

func (o *Optimistic) resetToFinalized(cause verify.ResetCause) ResetOutcome {
	o.pending = nil
	o.pendingJustification = nil
	o.verifiedHeight = o.finalizedHeight
	for _, key := range o.requests.Keys() {
		o.requests.Remove(key)
	}
	return ResetOutcome{Cause: cause, ResetToHeight: o.finalizedHeight}
}

// Disassemble tears the strategy down outside a normal transition,
// returning ownership of its remaining sources and requests — grounded in
// the original OptimisticSync::disassemble.
func (o *Optimistic) Disassemble() (map[SourceID]interface{}, map[RequestID]RequestDetail) {
	sources := make(map[SourceID]interface{}, o.sources.Len())
	o.sources.Each(func(key int, rec sourceRecord) { sources[SourceID(key)] = rec.userData })

	requests := make(map[RequestID]RequestDetail, o.requests.Len())
	o.requests.Each(func(key int, rec requestRecord) { requests[RequestID(key)] = rec.detail })

	return sources, requests
}
