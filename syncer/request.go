package syncer

import "github.com/josepot/smoldot/syncer/verify"

// RequestDetail is the sealed set of request shapes a caller can submit
// through AddRequest, per the routing matrix in spec §4.3.
type RequestDetail interface{ isRequestDetail() }

// BlocksRequestDesc is a descending block-range request, optionally
// anchored at a specific starting hash (all-forks ancestry search's request
// shape).
type BlocksRequestDesc struct {
	FirstBlockHash *verify.Hash
	NumBlocks      uint32
}

// BlocksRequestAsc is an ascending block-range request (optimistic sync's
// only request shape).
type BlocksRequestAsc struct {
	FirstHeight uint64
	NumBlocks   uint32
}

// GrandpaWarpSyncRequest asks a source for the next chain of warp-sync
// fragments starting at StartBlockHash.
type GrandpaWarpSyncRequest struct {
	StartBlockHash verify.Hash
}

// StorageGetRequest asks a source for a storage proof of Keys at the
// warp-sync strategy's current finalized block.
type StorageGetRequest struct {
	Keys [][]byte
}

// RuntimeCallMerkleProofRequest asks a source for a call-proof of Function
// invoked with Parameter.
type RuntimeCallMerkleProofRequest struct {
	Function  string
	Parameter []byte
}

func (BlocksRequestDesc) isRequestDetail()             {}
func (BlocksRequestAsc) isRequestDetail()               {}
func (GrandpaWarpSyncRequest) isRequestDetail()         {}
func (StorageGetRequest) isRequestDetail()              {}
func (RuntimeCallMerkleProofRequest) isRequestDetail()  {}

// mappingKind is the strategy (or Inline) a request/source currently
// belongs to.
type mappingKind int

const (
	mappingInline mappingKind = iota
	mappingWarp
	mappingOptimistic
	mappingAllForks
)

type sourceMapping struct {
	kind     mappingKind
	localID  int
	userData interface{}
}

type requestMapping struct {
	kind     mappingKind
	localID  int // meaningless when kind == mappingInline
	source   uint64
	detail   RequestDetail
	userData interface{}
}

// DesiredRequest is one request the caller is invited to issue, per
// desired_requests().
type DesiredRequest struct {
	Source uint64
	Detail RequestDetail
}

// ResponseOutcomeKind is the sealed set blocks_request_response and its
// siblings can report alongside the caller's user data.
type ResponseOutcomeKind int

const (
	ResponseOutdated ResponseOutcomeKind = iota
	ResponseQueued
	ResponseAllAlreadyInChain
	ResponseNotFinalizedChain
)

type ResponseOutcome struct {
	Kind                      ResponseOutcomeKind
	DiscardedUnverifiedBlocks []verify.Hash // ResponseNotFinalizedChain
}

// Block is one block handed to blocks_request_response, per §5's data
// model.
type Block struct {
	Header         []byte
	Decoded        verify.DecodedHeader
	Body           [][]byte
	Justifications []verify.Justification
	UserData       interface{}
}

// BlockAnnounceOutcome mirrors allforks.BlockAnnounceOutcome at the
// composite level (AlreadyInChain, Known and Unknown all become
// StoredForLater), plus Discarded for announces made while warp or
// optimistic sync is active (spec §4.3 "Block announce").
type BlockAnnounceOutcome int

const (
	AnnounceDiscarded BlockAnnounceOutcome = iota
	AnnounceTooOld
	AnnounceStoredForLater
	AnnounceInvalidHeader
)

// GrandpaCommitOutcome mirrors the per-strategy commit-message handling
// (spec §4.3/§9): warp and optimistic sync both silently discard; all-forks
// surfaces parse errors.
type GrandpaCommitOutcome int

const (
	CommitDiscarded GrandpaCommitOutcome = iota
	CommitParseError
	CommitQueued
)
