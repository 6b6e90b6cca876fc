package syncer

import (
	"github.com/josepot/smoldot/internal/telemetry"
	"github.com/josepot/smoldot/syncer/allforks"
	"github.com/josepot/smoldot/syncer/optimisticsync"
	"github.com/josepot/smoldot/syncer/verify"
	"github.com/josepot/smoldot/syncer/warpsync"
)

// ProcessOutcomeKind is the composite-level tagged result of ProcessOne,
// unifying all three strategies' process_one shapes (spec §4.3).
type ProcessOutcomeKind int

const (
	ProcessAllSync ProcessOutcomeKind = iota
	ProcessVerifyBlock
	ProcessVerifyFinalityProof
	ProcessVerifyWarpSyncFragment
	ProcessWarpSyncBuildRuntime
	ProcessWarpSyncFinished
)

// ProcessOutcome carries every field any of the sealed-by-Kind variants
// above can need; only the fields documented for a given Kind are
// meaningful.
type ProcessOutcome struct {
	Kind ProcessOutcomeKind

	// ProcessVerifyBlock
	Header   []byte
	Body     [][]byte
	UserData interface{}
	BlockKey allforks.BlockKey // zero unless produced by all-forks

	// ProcessVerifyFinalityProof
	Justification verify.Justification

	// ProcessVerifyWarpSyncFragment
	PendingFragment verify.WarpSyncFragment

	// ProcessWarpSyncBuildRuntime
	Code      []byte
	HeapPages uint64

	// ProcessWarpSyncFinished
	FinalizedRuntime          verify.Runtime
	FinalizedStorageCode      []byte
	FinalizedStorageHeapPages uint64
}

// ProcessOne drives whichever strategy is active forward by one step,
// performing the warp -> all-forks transition itself the moment warp sync
// reports its chain information built.
func (c *Composite) ProcessOne() ProcessOutcome {
	switch c.kind {
	case activeWarp:
		return c.processWarp()
	case activeOptimistic:
		return c.processOptimistic()
	case activeAllForks:
		return c.processAllForks()
	}
	return ProcessOutcome{Kind: ProcessAllSync}
}

func (c *Composite) processWarp() ProcessOutcome {
	out := c.warp.ProcessOne()
	switch out.Kind {
	case warpsync.ProcessVerifyWarpSyncFragment:
		return ProcessOutcome{Kind: ProcessVerifyWarpSyncFragment, PendingFragment: out.PendingFragment}
	case warpsync.ProcessBuildRuntime:
		return ProcessOutcome{Kind: ProcessWarpSyncBuildRuntime, Code: out.Code, HeapPages: out.HeapPages}
	case warpsync.ProcessBuildChainInformation:
		success := c.warp.ChainInformationBuilt()
		c.transitionWarpToAllForks(success)
		return ProcessOutcome{
			Kind:                      ProcessWarpSyncFinished,
			FinalizedRuntime:          success.Runtime,
			FinalizedStorageCode:      success.Code,
			FinalizedStorageHeapPages: success.HeapPages,
		}
	default:
		return ProcessOutcome{Kind: ProcessAllSync}
	}
}

func (c *Composite) processOptimistic() ProcessOutcome {
	out := c.optimistic.ProcessOne()
	switch out.Kind {
	case optimisticsync.ProcessVerifyBlock:
		return ProcessOutcome{Kind: ProcessVerifyBlock, Header: out.Header, Body: out.Body, UserData: out.UserData}
	case optimisticsync.ProcessVerifyJustification:
		return ProcessOutcome{Kind: ProcessVerifyFinalityProof, Justification: out.Justification}
	default:
		return ProcessOutcome{Kind: ProcessAllSync}
	}
}

func (c *Composite) processAllForks() ProcessOutcome {
	out := c.allForks.ProcessOne()
	switch out.Kind {
	case allforks.ProcessBlockVerify:
		return ProcessOutcome{Kind: ProcessVerifyBlock, Header: out.Header, BlockKey: out.BlockKey}
	case allforks.ProcessFinalityProofVerify:
		return ProcessOutcome{Kind: ProcessVerifyFinalityProof}
	default:
		return ProcessOutcome{Kind: ProcessAllSync}
	}
}

// BlockVerified reports that the header ProcessOne most recently surfaced
// passed verification.
func (c *Composite) BlockVerified() {
	switch c.kind {
	case activeOptimistic:
		c.optimistic.BlockVerified()
	case activeAllForks:
		panic("syncer: BlockVerified on all-forks needs BlockVerifiedKey, not this method")
	}
}

// BlockVerifiedKey is the all-forks variant of BlockVerified, identifying
// which (height, hash) was accepted.
func (c *Composite) BlockVerifiedKey(key allforks.BlockKey) {
	if c.kind != activeAllForks {
		panic("syncer: BlockVerifiedKey called while all-forks is not active")
	}
	c.allForks.BlockVerified(key)
	c.advanceFinalized(key.Height, key.Hash)
}

// BlockRejected reports that the header ProcessOne most recently surfaced
// failed verification.
func (c *Composite) BlockRejected(cause verify.ResetCause) {
	switch c.kind {
	case activeOptimistic:
		c.resetOptimistic(c.optimistic.BlockRejected(cause))
	}
}

// BlockRejectedKey is the all-forks variant of BlockRejected.
func (c *Composite) BlockRejectedKey(key allforks.BlockKey) {
	if c.kind != activeAllForks {
		panic("syncer: BlockRejectedKey called while all-forks is not active")
	}
	c.allForks.BlockRejected(key)
}

// FinalityProofVerified reports that the justification/commit ProcessOne
// most recently surfaced passed verification, advancing the finalized
// block (I6: monotonically non-decreasing).
func (c *Composite) FinalityProofVerified(outcome verify.FinalityProofVerifyOutcome) {
	c.advanceFinalized(outcome.FinalizedBlockNumber, outcome.FinalizedBlockHash)
	if c.kind == activeOptimistic {
		c.optimistic.JustificationVerified()
	}
}

// FinalityProofRejected reports the justification/commit failed
// verification.
func (c *Composite) FinalityProofRejected(cause verify.ResetCause) {
	if c.kind == activeOptimistic {
		c.resetOptimistic(c.optimistic.JustificationRejected(cause))
	}
}

func (c *Composite) resetOptimistic(outcome optimisticsync.ResetOutcome) {
	for ext, rm := range c.requests {
		if rm.kind == mappingOptimistic {
			delete(c.reqByLocal[mappingOptimistic], rm.localID)
			delete(c.requests, ext)
			c.obsolete = append(c.obsolete, ext)
		}
	}
	telemetry.WithFields(map[string]interface{}{
		"cause":           outcome.Cause.String(),
		"reset_to_height": outcome.ResetToHeight,
	}).Info("syncer: optimistic sync reset to finalized block")
}
