package syncer

import (
	"github.com/josepot/smoldot/internal/telemetry"
	"github.com/josepot/smoldot/syncer/allforks"
	"github.com/josepot/smoldot/syncer/warpsync"
)

// transitionWarpToAllForks implements spec §4.3.2: build a fresh all-forks
// strategy from warp sync's terminal chain information, convert every
// still in-flight warp request to Inline (preserving its external id and
// user data), fold every warp source across in insertion order via
// all-forks' prepare/apply continuation pair, then swap the active
// strategy in one step.
//
// The new strategy is built in a local variable and installed only at the
// end, together with clearing warp and switching kind — the
// ownership-transfer pattern described on the Composite type. The source
// and request id mappings are re-keyed in place before that swap.
func (c *Composite) transitionWarpToAllForks(success *warpsync.Success) {
	newAllForks := allforks.New(allforks.Config{
		ChainInformation:      success.ChainInformation,
		SourcesCapacity:       c.cfg.SourcesCapacity,
		BlocksCapacity:        c.cfg.BlocksCapacity,
		MaxDisjointHeaders:    c.cfg.MaxDisjointHeaders,
		HeaderDecoder:         c.cfg.HeaderDecoder,
		HeaderVerifier:        c.cfg.HeaderVerifier,
		JustificationVerifier: c.cfg.JustificationVerifier,
	})

	for _, ipr := range success.InProgressRequests {
		ext, ok := c.reqByLocal[mappingWarp][int(ipr.ID)]
		if !ok {
			continue
		}
		rm := c.requests[ext]
		rm.kind = mappingInline
		rm.localID = 0
		delete(c.reqByLocal[mappingWarp], int(ipr.ID))
	}

	for _, localSrc := range success.SourcesInOrder {
		ext, ok := c.srcByLocal[mappingWarp][int(localSrc)]
		if !ok {
			continue // removed mid-flight
		}
		userData := success.SourceUserData[localSrc]
		newLocal := newAllForks.AddSource(userData)

		if best, hasBest := success.SourceBest[localSrc]; hasBest {
			cont := newAllForks.PrepareAddSource(best.Number, best.Hash)
			newAllForks.ApplyAddSource(newLocal, best.Number, best.Hash, cont)
			c.sourceBest[ext] = blockPos{height: best.Number, hash: best.Hash}
		}

		sm := c.sources[ext]
		sm.kind = mappingAllForks
		sm.localID = int(newLocal)
		delete(c.srcByLocal[mappingWarp], int(localSrc))
		c.srcByLocal[mappingAllForks][int(newLocal)] = ext
	}

	c.allForks = newAllForks
	c.warp = nil
	c.kind = activeAllForks
	c.currentChainInfo = success.ChainInformation

	telemetry.WithFields(map[string]interface{}{
		"from": "warp", "to": "all_forks",
		"finalized_height": success.ChainInformation.FinalizedBlockNumber,
	}).Info("syncer: strategy transition")
}
