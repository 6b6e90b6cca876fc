// Package allforks implements C6: the reconciliation strategy that tracks
// possibly-disjoint block trees reported by multiple sources and performs
// descending ancestry search to connect each newly announced or requested
// block back to a known ancestor. Header and justification verification
// themselves are delegated to syncer/verify; this package owns the
// bookkeeping spec §4.4 assigns it: the disjoint-block set (capped at
// max_disjoint_headers), source best-block tracking, and the
// finish_ancestry_search/add_block folding algorithm.
package allforks

import (
	"github.com/pkg/errors"

	"github.com/josepot/smoldot/internal/slab"
	"github.com/josepot/smoldot/syncer/verify"
)

type SourceID int
type RequestID int

const NoSource SourceID = -1
const NoRequest RequestID = -1

// BlockKey uniquely identifies a block by (height, hash), the same indexing
// scheme the composite syncer exposes externally.
type BlockKey struct {
	Height uint64
	Hash   verify.Hash
}

type sourceRecord struct {
	userData   interface{}
	bestHeight uint64
	bestHash   verify.Hash
	hasBest    bool
}

type blockRecord struct {
	header     []byte
	parentHash verify.Hash
	userData   interface{}
	verified   bool
}

type requestRecord struct {
	source         SourceID
	firstBlockHash verify.Hash
	numBlocks      uint32
}

// Config configures a new AllForks strategy instance.
type Config struct {
	ChainInformation   verify.ChainInformation
	SourcesCapacity    int
	BlocksCapacity     int
	MaxDisjointHeaders uint32

	HeaderDecoder         verify.HeaderDecoder
	HeaderVerifier        verify.HeaderVerifier
	JustificationVerifier verify.JustificationVerifier
}

// AllForks is C6.
type AllForks struct {
	cfg Config

	sources  *slab.Slab[sourceRecord]
	requests *slab.Slab[requestRecord]

	finalizedHeight uint64
	finalizedHash   verify.Hash

	blocks map[BlockKey]*blockRecord
	// disjoint tracks blocks inserted whose parent is not (yet) known,
	// bounded by cfg.MaxDisjointHeaders.
	disjoint map[BlockKey]struct{}
}

// New constructs a fresh AllForks strategy over cfg.ChainInformation.
func New(cfg Config) *AllForks {
	return &AllForks{
		cfg:             cfg,
		sources:         slab.New[sourceRecord](cfg.SourcesCapacity),
		requests:        slab.New[requestRecord](cfg.RequestsCapacity()),
		finalizedHeight: cfg.ChainInformation.FinalizedBlockNumber,
		finalizedHash:   cfg.ChainInformation.FinalizedBlockHash,
		blocks:          make(map[BlockKey]*blockRecord, cfg.BlocksCapacity),
		disjoint:        make(map[BlockKey]struct{}),
	}
}

// RequestsCapacity is not part of the spec's configuration surface (§6 C3
// lists only blocks_capacity/sources_capacity at the composite level); this
// strategy derives a reasonable default sized off BlocksCapacity so the
// underlying slab still preallocates sensibly.
func (c Config) RequestsCapacity() int {
	if c.BlocksCapacity <= 0 {
		return 4
	}
	return c.BlocksCapacity
}

func (a *AllForks) AddSource(userData interface{}) SourceID {
	return SourceID(a.sources.Insert(sourceRecord{userData: userData}))
}

// AddSourceContinuation is the sealed set of outcomes PrepareAddSource can
// report, per spec §4.4's "prepare_add_source continuation variants".
type AddSourceContinuation int

const (
	ContinuationAlreadyVerified AddSourceContinuation = iota
	ContinuationPendingVerification
	ContinuationOldBest
	ContinuationUnknownBestInsertedWithoutData
)

// PrepareAddSource reports how a newly-added source's self-reported best
// block relates to the currently known chain, without yet committing it —
// the caller applies the returned continuation (used verbatim by the
// composite syncer's warp -> all-forks transition, spec §4.3.2 step 3).
func (a *AllForks) PrepareAddSource(bestHeight uint64, bestHash verify.Hash) AddSourceContinuation {
	key := BlockKey{Height: bestHeight, Hash: bestHash}
	if bestHeight <= a.finalizedHeight {
		return ContinuationOldBest
	}
	if rec, ok := a.blocks[key]; ok {
		if rec.verified {
			return ContinuationAlreadyVerified
		}
		return ContinuationPendingVerification
	}
	return ContinuationUnknownBestInsertedWithoutData
}

// ApplyAddSource commits a source's best block according to the
// continuation PrepareAddSource returned.
func (a *AllForks) ApplyAddSource(id SourceID, bestHeight uint64, bestHash verify.Hash, cont AddSourceContinuation) {
	rec := a.sources.GetPtr(int(id))
	if rec == nil {
		panic("allforks: unknown source id")
	}
	rec.bestHeight = bestHeight
	rec.bestHash = bestHash
	rec.hasBest = true

	if cont == ContinuationUnknownBestInsertedWithoutData {
		a.insertDisjoint(BlockKey{Height: bestHeight, Hash: bestHash}, nil, verify.Hash{}, nil)
	}
}

// RemoveSource deletes a source and returns its user data plus its
// in-flight requests.
func (a *AllForks) RemoveSource(id SourceID) (interface{}, []RequestID) {
	rec, ok := a.sources.Remove(int(id))
	if !ok {
		panic("allforks: unknown source id")
	}
	var inFlight []RequestID
	a.requests.Each(func(key int, req requestRecord) {
		if req.source == id {
			inFlight = append(inFlight, RequestID(key))
		}
	})
	for _, r := range inFlight {
		a.requests.Remove(int(r))
	}
	return rec.userData, inFlight
}

func (a *AllForks) insertDisjoint(key BlockKey, header []byte, parentHash verify.Hash, userData interface{}) bool {
	if _, ok := a.blocks[key]; ok {
		return false
	}
	if uint32(len(a.disjoint)) >= a.cfg.MaxDisjointHeaders {
		return false
	}
	a.blocks[key] = &blockRecord{header: header, parentHash: parentHash, userData: userData}
	a.disjoint[key] = struct{}{}
	return true
}

// BlockAnnounceOutcome is the sealed set block_announce can report.
type BlockAnnounceOutcome int

const (
	AnnounceTooOld BlockAnnounceOutcome = iota
	AnnounceAlreadyInChain
	AnnounceKnown
	AnnounceUnknown
	AnnounceInvalidHeader
)

// BlockAnnounce records a source's self-announced block. A block not yet
// tracked is first checked with the configured HeaderVerifier, if any, and
// reported as AnnounceInvalidHeader on rejection; otherwise it is stored in
// the disjoint set (while the disjoint cap allows) and fully verified later
// through ProcessOne.
func (a *AllForks) BlockAnnounce(source SourceID, decoded verify.DecodedHeader, raw []byte, isBest bool) BlockAnnounceOutcome {
	if decoded.Number <= a.finalizedHeight {
		return AnnounceTooOld
	}
	key := BlockKey{Height: decoded.Number, Hash: decoded.Hash}
	if rec, ok := a.blocks[key]; ok {
		if isBest {
			if s := a.sources.GetPtr(int(source)); s != nil {
				s.bestHeight, s.bestHash, s.hasBest = decoded.Number, decoded.Hash, true
			}
		}
		if rec.verified {
			return AnnounceAlreadyInChain
		}
		return AnnounceKnown
	}

	if a.cfg.HeaderVerifier != nil {
		if _, verr := a.cfg.HeaderVerifier.VerifyHeader(verify.DecodedHeader{}, raw, 0); verr != nil {
			return AnnounceInvalidHeader
		}
	}

	a.insertDisjoint(key, raw, decoded.ParentHash, nil)
	if isBest {
		if s := a.sources.GetPtr(int(source)); s != nil {
			s.bestHeight, s.bestHash, s.hasBest = decoded.Number, decoded.Hash, true
		}
	}
	return AnnounceUnknown
}

// DesiredRequest is one descending ancestry-search request this strategy
// proposes, starting at a disjoint block's own hash.
type DesiredRequest struct {
	Source         SourceID
	FirstBlockHash verify.Hash
	NumBlocks      uint32
}

// DesiredRequests proposes an ancestry-search request for each disjoint
// block not already covered by an in-flight request, against any source
// whose reported best is at least that block's height.
func (a *AllForks) DesiredRequests() []DesiredRequest {
	covered := make(map[verify.Hash]struct{}, a.requests.Len())
	a.requests.Each(func(_ int, req requestRecord) { covered[req.firstBlockHash] = struct{}{} })

	var out []DesiredRequest
	for key := range a.disjoint {
		if _, already := covered[key.Hash]; already {
			continue
		}
		var best SourceID = NoSource
		a.sources.Each(func(k int, s sourceRecord) {
			if best == NoSource && s.hasBest && s.bestHeight >= key.Height {
				best = SourceID(k)
			}
		})
		if best == NoSource {
			continue
		}
		out = append(out, DesiredRequest{Source: best, FirstBlockHash: key.Hash, NumBlocks: 64})
	}
	return out
}

func (a *AllForks) InsertRequest(source SourceID, firstBlockHash verify.Hash, numBlocks uint32) RequestID {
	if !a.sources.Contains(int(source)) {
		panic("allforks: insert_request against unknown source")
	}
	return RequestID(a.requests.Insert(requestRecord{source: source, firstBlockHash: firstBlockHash, numBlocks: numBlocks}))
}

// AncestrySearchResponseBlock is one header in a descending ancestry-search
// response, highest height first.
type AncestrySearchResponseBlock struct {
	Header     []byte
	Decoded    verify.DecodedHeader
	UserData   interface{}
}

// FinishOutcomeKind is the per-block result of folding an ancestry-search
// response through add_block, per spec §4.3's response-handling rules.
type FinishOutcomeKind int

const (
	BlockUnknown FinishOutcomeKind = iota
	BlockAlreadyPending
	BlockAlreadyInChain
	BlockQueued
	BlockNotFinalizedChain
)

// FinishAncestrySearchResult is the composite's view of folding one
// ancestry-search response.
type FinishAncestrySearchResult struct {
	AllAlreadyInChain         bool
	DiscardedUnverifiedBlocks []verify.Hash // NotFinalizedChain
	Outcomes                  []FinishOutcomeKind
}

// FinishAncestrySearch folds a descending chain of headers into the block
// set, matching spec §4.3's add_block loop: the head entry (highest height)
// being already-in-chain short-circuits to AllAlreadyInChain; otherwise
// every header is processed in turn: an already-verified one counts as
// AlreadyInChain, an already-pending one has its user data replaced (a
// documented lossy behavior), and a new one is inserted as Queued. A new
// header met while the disjoint set is at MaxDisjointHeaders, before any
// header of the response has connected (its parent is the finalized block,
// it sits right above the finalized height, or it is already verified), is
// dropped as NotFinalizedChain; those dropped hashes are reported via
// DiscardedUnverifiedBlocks only when no header of the response connects.
func (a *AllForks) FinishAncestrySearch(id RequestID, blocks []AncestrySearchResponseBlock) (FinishAncestrySearchResult, error) {
	if _, ok := a.requests.Remove(int(id)); !ok {
		return FinishAncestrySearchResult{}, errors.New("allforks: unknown request id")
	}

	if len(blocks) == 0 {
		return FinishAncestrySearchResult{}, nil
	}

	headKey := BlockKey{Height: blocks[0].Decoded.Number, Hash: blocks[0].Decoded.Hash}
	if rec, ok := a.blocks[headKey]; ok && rec.verified {
		return FinishAncestrySearchResult{AllAlreadyInChain: true}, nil
	}

	result := FinishAncestrySearchResult{}
	connected := false
	var discarded []verify.Hash

	for _, b := range blocks {
		key := BlockKey{Height: b.Decoded.Number, Hash: b.Decoded.Hash}

		if b.Decoded.ParentHash == a.finalizedHash || b.Decoded.Number == a.finalizedHeight+1 {
			connected = true
		}

		if rec, ok := a.blocks[key]; ok {
			if rec.verified {
				result.Outcomes = append(result.Outcomes, BlockAlreadyInChain)
				connected = true
				continue
			}
			rec.userData = b.UserData
			result.Outcomes = append(result.Outcomes, BlockAlreadyPending)
			continue
		}

		if uint32(len(a.disjoint)) >= a.cfg.MaxDisjointHeaders && !connected {
			discarded = append(discarded, b.Decoded.Hash)
			result.Outcomes = append(result.Outcomes, BlockNotFinalizedChain)
			continue
		}

		a.blocks[key] = &blockRecord{header: b.Header, parentHash: b.Decoded.ParentHash, userData: b.UserData}
		if connected {
			delete(a.disjoint, key)
		} else {
			a.disjoint[key] = struct{}{}
		}
		result.Outcomes = append(result.Outcomes, BlockQueued)
	}

	if !connected {
		result.DiscardedUnverifiedBlocks = discarded
	}
	return result, nil
}

// AncestrySearchFailed drops the request without banning (all-forks has no
// banning concept of its own; the composite syncer's caller may choose to
// remove the source through RemoveSource if it judges the failure severe).
func (a *AllForks) AncestrySearchFailed(id RequestID) error {
	if _, ok := a.requests.Remove(int(id)); !ok {
		return errors.New("allforks: unknown request id")
	}
	return nil
}

// ProcessOutcomeKind is the sealed set process_one can return.
type ProcessOutcomeKind int

const (
	ProcessAllSync ProcessOutcomeKind = iota
	ProcessBlockVerify
	ProcessFinalityProofVerify
)

type ProcessOutcome struct {
	Kind ProcessOutcomeKind

	BlockKey BlockKey
	Header   []byte
}

// ProcessOne picks one not-yet-verified block whose parent is already
// connected to the finalized chain (lowest height first) for header
// verification: its parent is the finalized block or an already-verified
// block, or it sits at the height right above the finalized one. Membership
// in the disjoint set is not consulted.
func (a *AllForks) ProcessOne() ProcessOutcome {
	var best *BlockKey
	for key, rec := range a.blocks {
		if rec.verified {
			continue
		}
		parent, parentKnown := a.blocks[BlockKey{Height: key.Height - 1, Hash: rec.parentHash}]
		parentVerified := parentKnown && parent.verified
		if rec.parentHash != a.finalizedHash && key.Height != a.finalizedHeight+1 && !parentVerified {
			continue
		}
		if best == nil || key.Height < best.Height {
			k := key
			best = &k
		}
	}
	if best == nil {
		return ProcessOutcome{Kind: ProcessAllSync}
	}
	return ProcessOutcome{Kind: ProcessBlockVerify, BlockKey: *best, Header: a.blocks[*best].header}
}

// BlockVerified marks a block verified and removes it from the disjoint
// set. All-forks stores no justifications, so no justification
// verification follows: ProcessOne never returns ProcessFinalityProofVerify.
func (a *AllForks) BlockVerified(key BlockKey) {
	rec, ok := a.blocks[key]
	if !ok {
		panic("allforks: BlockVerified on unknown block")
	}
	rec.verified = true
	delete(a.disjoint, key)
}

// BlockRejected discards an invalid block and, transitively, every tracked
// block (verified or not, disjoint or not) whose parent hash matches a
// discarded block's hash. No cause is recorded or reported.
func (a *AllForks) BlockRejected(key BlockKey) {
	toRemove := []BlockKey{key}
	for len(toRemove) > 0 {
		k := toRemove[len(toRemove)-1]
		toRemove = toRemove[:len(toRemove)-1]
		rec, ok := a.blocks[k]
		if !ok {
			continue
		}
		for other, orec := range a.blocks {
			if orec.parentHash == k.Hash {
				toRemove = append(toRemove, other)
			}
		}
		delete(a.blocks, k)
		delete(a.disjoint, k)
		_ = rec
	}
}

// Knows reports whether key is currently tracked, verified or not — used by
// the composite syncer's knows_non_finalized_block accessor.
func (a *AllForks) Knows(key BlockKey) bool {
	_, ok := a.blocks[key]
	return ok
}

// GrandpaCommitOutcomeKind is the sealed set GrandpaCommitMessage can
// return.
type GrandpaCommitOutcomeKind int

const (
	CommitParseError GrandpaCommitOutcomeKind = iota
	CommitQueued
)

// GrandpaCommitMessage checks only that raw is non-empty, returning
// CommitParseError for an empty message and CommitQueued otherwise. The
// message is not stored, and ProcessOne never returns
// ProcessFinalityProofVerify for it.
func (a *AllForks) GrandpaCommitMessage(raw []byte) GrandpaCommitOutcomeKind {
	if len(raw) == 0 {
		return CommitParseError
	}
	return CommitQueued
}
