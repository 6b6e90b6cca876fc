package syncer

import (
	"github.com/josepot/smoldot/syncer/allforks"
	"github.com/josepot/smoldot/syncer/optimisticsync"
	"github.com/josepot/smoldot/syncer/verify"
	"github.com/josepot/smoldot/syncer/warpsync"
)

// BlocksRequestResponse resolves a BlocksRequest (ascending or descending)
// sent through AddRequest, per spec §4.3's response-handling rules: Inline
// requests are always Outdated; warp sync never issues block requests, so
// routing one there is a caller bug; optimistic folds successes into its
// pending-verification queue; all-forks folds a descending response
// through its ancestry-search algorithm.
func (c *Composite) BlocksRequestResponse(request uint64, blocks []Block, requestErr error) (interface{}, ResponseOutcome) {
	rm, ok := c.requests[request]
	if !ok {
		panic("syncer: blocks_request_response against unknown request")
	}
	delete(c.requests, request)

	switch rm.kind {
	case mappingInline:
		return rm.userData, ResponseOutcome{Kind: ResponseOutdated}

	case mappingWarp:
		panic("syncer: warp sync never issues BlocksRequest")

	case mappingOptimistic:
		delete(c.reqByLocal[mappingOptimistic], rm.localID)
		if requestErr != nil {
			c.resetIfOptimisticAllBanned(c.optimistic.FinishRequestFailed(optimisticsync.RequestID(rm.localID)))
			return rm.userData, ResponseOutcome{Kind: ResponseQueued}
		}
		downloaded := make([]optimisticsync.DownloadedBlock, len(blocks))
		for i, b := range blocks {
			downloaded[i] = optimisticsync.DownloadedBlock{Header: b.Header, Body: b.Body, Justifications: b.Justifications, UserData: b.UserData}
		}
		if err := c.optimistic.FinishRequestSuccess(optimisticsync.RequestID(rm.localID), downloaded); err != nil {
			panic(err)
		}
		return rm.userData, ResponseOutcome{Kind: ResponseQueued}

	case mappingAllForks:
		delete(c.reqByLocal[mappingAllForks], rm.localID)
		if requestErr != nil {
			_ = c.allForks.AncestrySearchFailed(allforks.RequestID(rm.localID))
			return rm.userData, ResponseOutcome{Kind: ResponseQueued}
		}
		abs := make([]allforks.AncestrySearchResponseBlock, len(blocks))
		for i, b := range blocks {
			abs[i] = allforks.AncestrySearchResponseBlock{Header: b.Header, Decoded: b.Decoded, UserData: b.UserData}
		}
		result, err := c.allForks.FinishAncestrySearch(allforks.RequestID(rm.localID), abs)
		if err != nil {
			panic(err)
		}
		switch {
		case result.AllAlreadyInChain:
			return rm.userData, ResponseOutcome{Kind: ResponseAllAlreadyInChain}
		case len(result.DiscardedUnverifiedBlocks) > 0:
			return rm.userData, ResponseOutcome{Kind: ResponseNotFinalizedChain, DiscardedUnverifiedBlocks: result.DiscardedUnverifiedBlocks}
		default:
			return rm.userData, ResponseOutcome{Kind: ResponseQueued}
		}
	}
	panic("syncer: unreachable mapping kind")
}

func (c *Composite) resetIfOptimisticAllBanned(source optimisticsync.SourceID, allCleared bool, err error) {
	if err != nil {
		panic(err)
	}
	_ = source
	_ = allCleared
}

// GrandpaWarpSyncResponseOk resolves a successful GrandpaWarpSync request.
// Once warp sync has finished (including mid-transition), any still
// in-flight request of this shape is stale and simply discarded as
// Outdated — its fragments are never folded in.
func (c *Composite) GrandpaWarpSyncResponseOk(request uint64, fragments []verify.WarpSyncFragment, isFinished bool) (interface{}, ResponseOutcome) {
	rm, ok := c.requests[request]
	if !ok {
		panic("syncer: grandpa_warp_sync_response against unknown request")
	}
	delete(c.requests, request)

	if rm.kind == mappingInline {
		return rm.userData, ResponseOutcome{Kind: ResponseOutdated}
	}
	if rm.kind != mappingWarp {
		panic("syncer: grandpa_warp_sync_response against a non-warp mapping")
	}
	delete(c.reqByLocal[mappingWarp], rm.localID)
	if c.kind != activeWarp {
		return rm.userData, ResponseOutcome{Kind: ResponseOutdated}
	}
	if _, err := c.warp.WarpSyncRequestSuccess(warpsync.RequestID(rm.localID), fragments, isFinished); err != nil {
		panic(err)
	}
	return rm.userData, ResponseOutcome{Kind: ResponseQueued}
}

// GrandpaWarpSyncResponseErr resolves a failed GrandpaWarpSync request.
func (c *Composite) GrandpaWarpSyncResponseErr(request uint64) interface{} {
	rm, ok := c.requests[request]
	if !ok {
		panic("syncer: grandpa_warp_sync_response against unknown request")
	}
	delete(c.requests, request)
	if rm.kind != mappingWarp {
		return rm.userData
	}
	delete(c.reqByLocal[mappingWarp], rm.localID)
	if c.kind != activeWarp {
		return rm.userData
	}
	_, _ = c.warp.FailRequest(warpsync.RequestID(rm.localID))
	return rm.userData
}

// StorageGetResponse resolves a StorageGet request, restricted to warp
// sync (per the routing matrix, it's the only strategy that ever absorbs
// one).
func (c *Composite) StorageGetResponse(request uint64, value []byte, isCode bool) interface{} {
	rm, ok := c.requests[request]
	if !ok {
		panic("syncer: storage_get_response against unknown request")
	}
	delete(c.requests, request)
	if rm.kind != mappingWarp || c.kind != activeWarp {
		return rm.userData
	}
	delete(c.reqByLocal[mappingWarp], rm.localID)
	if _, err := c.warp.StorageGetSuccess(warpsync.RequestID(rm.localID), value, isCode); err != nil {
		panic(err)
	}
	return rm.userData
}

// CallProofResponse resolves a RuntimeCallMerkleProof request, restricted
// to warp sync.
func (c *Composite) CallProofResponse(request uint64, proof []byte) interface{} {
	rm, ok := c.requests[request]
	if !ok {
		panic("syncer: call_proof_response against unknown request")
	}
	delete(c.requests, request)
	if rm.kind != mappingWarp || c.kind != activeWarp {
		return rm.userData
	}
	delete(c.reqByLocal[mappingWarp], rm.localID)
	if _, err := c.warp.RuntimeCallMerkleProofSuccess(warpsync.RequestID(rm.localID), proof); err != nil {
		panic(err)
	}
	return rm.userData
}

// BlockAnnounce routes a source's self-announced block to the active
// strategy. Warp sync and optimistic sync have no per-announce bookkeeping
// of their own (spec §4.3); only the source's self-reported best is
// tracked, which feeds the warp -> all-forks transition.
func (c *Composite) BlockAnnounce(source uint64, decoded verify.DecodedHeader, raw []byte, isBest bool) BlockAnnounceOutcome {
	sm, ok := c.sources[source]
	if !ok {
		panic("syncer: block_announce against unknown source")
	}
	if isBest {
		c.sourceBest[source] = blockPos{height: decoded.Number, hash: decoded.Hash}
	}

	if c.kind != activeAllForks || sm.kind != mappingAllForks {
		if isBest && c.kind == activeWarp && sm.kind == mappingWarp {
			c.warp.UpdateSourceBest(warpsync.SourceID(sm.localID), decoded)
		}
		return AnnounceDiscarded
	}

	switch c.allForks.BlockAnnounce(allforks.SourceID(sm.localID), decoded, raw, isBest) {
	case allforks.AnnounceTooOld:
		return AnnounceTooOld
	case allforks.AnnounceInvalidHeader:
		return AnnounceInvalidHeader
	default: // AlreadyInChain, Known, Unknown
		return AnnounceStoredForLater
	}
}

// GrandpaCommitMessage routes a raw GRANDPA commit message. Only all-forks
// does anything with one; warp sync and optimistic sync discard it
// silently, per spec §4.3/§9.
func (c *Composite) GrandpaCommitMessage(raw []byte) GrandpaCommitOutcome {
	if c.kind != activeAllForks {
		return CommitDiscarded
	}
	switch c.allForks.GrandpaCommitMessage(raw) {
	case allforks.CommitParseError:
		return CommitParseError
	default:
		return CommitQueued
	}
}
