// Package syncer implements C3: the composite syncer that owns one stable
// external id space for sources and requests and routes both to whichever
// of warpsync, optimisticsync, or allforks is currently active, per spec
// §4.3's state machine and routing matrix.
package syncer

import (
	"golang.org/x/net/trace"

	"github.com/josepot/smoldot/internal/telemetry"
	"github.com/josepot/smoldot/syncer/allforks"
	"github.com/josepot/smoldot/syncer/optimisticsync"
	"github.com/josepot/smoldot/syncer/verify"
	"github.com/josepot/smoldot/syncer/warpsync"
)

// activeStrategyKind names which of the three strategies currently owns
// absorbed (non-Inline) sources and requests.
type activeStrategyKind int

const (
	activeWarp activeStrategyKind = iota
	activeOptimistic
	activeAllForks
)

func (k activeStrategyKind) String() string {
	switch k {
	case activeWarp:
		return "warp"
	case activeOptimistic:
		return "optimistic"
	case activeAllForks:
		return "all_forks"
	default:
		return "unknown"
	}
}

type blockPos struct {
	height uint64
	hash   verify.Hash
}

// Composite is C3.
//
// Exactly one of warp/optimistic/allForks is non-nil at any time — the
// active strategy field follows an ownership-transfer pattern on every
// transition (construct the replacement from the outgoing strategy's
// terminal value, fold every source and in-flight request across, then
// swap the struct fields and kind in one step) rather than a Poisoned
// sentinel: because Composite is single-owner and non-reentrant, the
// intermediate "old strategy consumed, new one not yet installed" state is
// never externally observable.
type Composite struct {
	cfg Config
	kind activeStrategyKind

	warp       *warpsync.Warp
	optimistic *optimisticsync.Optimistic
	allForks   *allforks.AllForks

	currentChainInfo verify.ChainInformation

	nextSourceID  uint64
	nextRequestID uint64

	sources  map[uint64]*sourceMapping
	requests map[uint64]*requestMapping

	// Reverse indices from strategy-local id back to the external id, kept
	// per mappingKind so RemoveSource/transition code can translate a
	// strategy's own id back into the stable external one.
	srcByLocal map[mappingKind]map[int]uint64
	reqByLocal map[mappingKind]map[int]uint64

	sourceBest map[uint64]blockPos

	obsolete []uint64

	tr trace.EventLog
}

// New constructs a Composite per spec §4.3's construction rule: full mode
// always starts optimistic; otherwise warp sync is attempted unless the
// supplied chain information's ConsensusKind is not GRANDPA and
// AllowUnknownConsensusEngines is unset, in which case it falls back to
// optimistic immediately. With AllowUnknownConsensusEngines set, warp sync
// is started whatever the ConsensusKind.
func New(cfg Config) *Composite {
	c := &Composite{
		cfg:              cfg,
		currentChainInfo: cfg.ChainInformation,
		sources:          make(map[uint64]*sourceMapping),
		requests:         make(map[uint64]*requestMapping),
		srcByLocal: map[mappingKind]map[int]uint64{
			mappingWarp: {}, mappingOptimistic: {}, mappingAllForks: {},
		},
		reqByLocal: map[mappingKind]map[int]uint64{
			mappingWarp: {}, mappingOptimistic: {}, mappingAllForks: {},
		},
		sourceBest: make(map[uint64]blockPos),
		tr:         trace.NewEventLog("syncer.Composite", "composite"),
	}

	if cfg.FullMode || (cfg.ChainInformation.ConsensusKind != verify.ConsensusGrandpa && !cfg.AllowUnknownConsensusEngines) {
		c.kind = activeOptimistic
		c.optimistic = newOptimistic(cfg)
	} else {
		c.kind = activeWarp
		c.warp = warpsync.New(warpsync.Config{
			ChainInformation: cfg.ChainInformation,
			SourcesCapacity:  cfg.SourcesCapacity,
			RequestsCapacity: requestsCapacity(cfg),
			FragmentVerifier: cfg.FragmentVerifier,
			RuntimeBuilder:   cfg.RuntimeBuilder,
		})
	}

	telemetry.WithFields(map[string]interface{}{"strategy": c.kind.String()}).Info("syncer: composite constructed")
	return c
}

func newOptimistic(cfg Config) *optimisticsync.Optimistic {
	return optimisticsync.New(optimisticsync.Config{
		ChainInformation:      cfg.ChainInformation,
		SourcesCapacity:       cfg.SourcesCapacity,
		RequestsCapacity:      requestsCapacity(cfg),
		DownloadAheadBlocks:   cfg.DownloadAheadBlocks,
		MaxRequestsPerBlock:   cfg.MaxRequestsPerBlock,
		HeaderDecoder:         cfg.HeaderDecoder,
		HeaderVerifier:        cfg.HeaderVerifier,
		JustificationVerifier: cfg.JustificationVerifier,
	})
}

func requestsCapacity(cfg Config) int {
	if cfg.BlocksCapacity <= 0 {
		return 8
	}
	return cfg.BlocksCapacity
}

// AddSource registers a new source against whichever strategy is active,
// allocating it a fresh, never-reused external id.
func (c *Composite) AddSource(userData interface{}, bestHeight uint64, bestHash verify.Hash) uint64 {
	id := c.nextSourceID
	c.nextSourceID++
	c.sourceBest[id] = blockPos{height: bestHeight, hash: bestHash}

	switch c.kind {
	case activeWarp:
		local := c.warp.AddSource(userData)
		c.warp.UpdateSourceBest(local, verify.DecodedHeader{Number: bestHeight, Hash: bestHash})
		c.registerSource(id, mappingWarp, int(local), userData)
	case activeOptimistic:
		local := c.optimistic.AddSource(userData)
		c.registerSource(id, mappingOptimistic, int(local), userData)
	case activeAllForks:
		local := c.allForks.AddSource(userData)
		cont := c.allForks.PrepareAddSource(bestHeight, bestHash)
		c.allForks.ApplyAddSource(local, bestHeight, bestHash, cont)
		c.registerSource(id, mappingAllForks, int(local), userData)
	}
	return id
}

func (c *Composite) registerSource(id uint64, kind mappingKind, local int, userData interface{}) {
	c.sources[id] = &sourceMapping{kind: kind, localID: local, userData: userData}
	c.srcByLocal[kind][local] = id
}

// RemoveSource deletes a source, returning its user data plus the user data
// of every absorbed in-flight request it had — Inline requests against the
// removed source are left in place, per the recorded Open Question decision
// (spec §9): the caller only finds out about those when their response
// eventually arrives Outdated.
func (c *Composite) RemoveSource(id uint64) (interface{}, []interface{}) {
	sm, ok := c.sources[id]
	if !ok {
		panic("syncer: remove_source against unknown source")
	}
	delete(c.sources, id)
	delete(c.srcByLocal[sm.kind], sm.localID)
	delete(c.sourceBest, id)

	var orphanedUserData []interface{}
	switch sm.kind {
	case mappingWarp:
		_, orphaned := c.warp.RemoveSource(warpsync.SourceID(sm.localID))
		for _, o := range orphaned {
			orphanedUserData = append(orphanedUserData, c.dropRequest(mappingWarp, int(o.ID)))
		}
	case mappingOptimistic:
		_, orphaned := c.optimistic.RemoveSource(optimisticsync.SourceID(sm.localID))
		for _, o := range orphaned {
			orphanedUserData = append(orphanedUserData, c.dropRequest(mappingOptimistic, int(o.ID)))
		}
	case mappingAllForks:
		_, orphaned := c.allForks.RemoveSource(allforks.SourceID(sm.localID))
		for _, o := range orphaned {
			orphanedUserData = append(orphanedUserData, c.dropRequest(mappingAllForks, int(o)))
		}
	}
	return sm.userData, orphanedUserData
}

func (c *Composite) dropRequest(kind mappingKind, local int) interface{} {
	ext, ok := c.reqByLocal[kind][local]
	if !ok {
		return nil
	}
	delete(c.reqByLocal[kind], local)
	rm := c.requests[ext]
	delete(c.requests, ext)
	if rm == nil {
		return nil
	}
	return rm.userData
}

// Sources returns every live external source id, in allocation order.
func (c *Composite) Sources() []uint64 {
	out := make([]uint64, 0, len(c.sources))
	for id := uint64(0); id < c.nextSourceID; id++ {
		if _, ok := c.sources[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// SourceBestBlock reports a source's self-announced best block.
func (c *Composite) SourceBestBlock(id uint64) (height uint64, hash verify.Hash, ok bool) {
	pos, ok := c.sourceBest[id]
	return pos.height, pos.hash, ok
}

// SourceNumOngoingRequests counts live requests (absorbed or Inline) issued
// against a source.
func (c *Composite) SourceNumOngoingRequests(id uint64) int {
	n := 0
	for _, rm := range c.requests {
		if rm.source == id {
			n++
		}
	}
	return n
}

// KnowsNonFinalizedBlock reports whether (height, hash) is currently
// tracked by the active all-forks strategy. Warp and optimistic sync track
// only their own linear chain, so this always answers false while either
// is active — the caller should instead rely on as_chain_information /
// finalized_block_header for those.
func (c *Composite) KnowsNonFinalizedBlock(height uint64, hash verify.Hash) bool {
	if c.kind != activeAllForks {
		return false
	}
	return c.allForks.Knows(allforks.BlockKey{Height: height, Hash: hash})
}

// SourceKnowsNonFinalizedBlock approximates "this source has announced or
// downloaded (height, hash)" by checking it's a live source and the block
// is known to the active strategy. All-forks is the only strategy with a
// real ancestry notion; this is the simplification documented for it.
func (c *Composite) SourceKnowsNonFinalizedBlock(id uint64, height uint64, hash verify.Hash) bool {
	if _, ok := c.sources[id]; !ok {
		return false
	}
	return c.KnowsNonFinalizedBlock(height, hash)
}

// TryAddKnownBlockToSource forwards (height, hash) to the active all-forks
// strategy as a non-best announce from source, with no header bytes.
// All-forks keeps no per-source block set: a block it does not yet track
// goes through its announce path and, if accepted, joins the shared
// disjoint set (and so becomes a target of DesiredRequests). A no-op
// against warp/optimistic sync.
func (c *Composite) TryAddKnownBlockToSource(id uint64, height uint64, hash verify.Hash) {
	if c.kind != activeAllForks {
		return
	}
	sm, ok := c.sources[id]
	if !ok || sm.kind != mappingAllForks {
		return
	}
	c.allForks.BlockAnnounce(allforks.SourceID(sm.localID), verify.DecodedHeader{Number: height, Hash: hash}, nil, false)
}

// AsChainInformation returns the composite's current finalized-chain
// snapshot.
func (c *Composite) AsChainInformation() verify.ChainInformation { return c.currentChainInfo }

// FinalizedBlockHeader returns the finalized block's (height, hash). I6
// requires this be monotonically non-decreasing across the Composite's
// lifetime. It changes through advanceFinalized (called by
// FinalityProofVerified and BlockVerifiedKey), which panics on a decrease,
// and through the warp -> all-forks transition, which installs warp sync's
// chain information without that check.
func (c *Composite) FinalizedBlockHeader() (height uint64, hash verify.Hash) {
	return c.currentChainInfo.FinalizedBlockNumber, c.currentChainInfo.FinalizedBlockHash
}

func (c *Composite) advanceFinalized(height uint64, hash verify.Hash) {
	if height < c.currentChainInfo.FinalizedBlockNumber {
		panic("syncer: finalized block height must be non-decreasing")
	}
	c.currentChainInfo.FinalizedBlockNumber = height
	c.currentChainInfo.FinalizedBlockHash = hash
}

// IsNearHeadOfChainHeuristic reports whether the composite believes it has
// little more to download: true once all-forks is active and has nothing
// outstanding to request, false for warp (always bootstrapping) and
// optimistic (always bulk-downloading by construction).
func (c *Composite) IsNearHeadOfChainHeuristic() bool {
	return c.kind == activeAllForks && len(c.allForks.DesiredRequests()) == 0
}

// DesiredRequests proposes the next batch of requests the caller should
// issue, translating each strategy's local shape into the composite's
// RequestDetail variants and external source ids.
func (c *Composite) DesiredRequests() []DesiredRequest {
	switch c.kind {
	case activeWarp:
		return c.desiredWarpRequests()
	case activeOptimistic:
		var out []DesiredRequest
		for _, d := range c.optimistic.DesiredRequests() {
			ext, ok := c.srcByLocal[mappingOptimistic][int(d.Source)]
			if !ok {
				continue
			}
			out = append(out, DesiredRequest{
				Source: ext,
				Detail: BlocksRequestAsc{FirstHeight: d.Detail.StartHeight, NumBlocks: d.Detail.NumBlocks},
			})
		}
		return out
	case activeAllForks:
		var out []DesiredRequest
		for _, d := range c.allForks.DesiredRequests() {
			ext, ok := c.srcByLocal[mappingAllForks][int(d.Source)]
			if !ok {
				continue
			}
			hash := d.FirstBlockHash
			out = append(out, DesiredRequest{
				Source: ext,
				Detail: BlocksRequestDesc{FirstBlockHash: &hash, NumBlocks: d.NumBlocks},
			})
		}
		return out
	}
	return nil
}

// desiredWarpRequests proposes one GrandpaWarpSync request per source with
// no request currently in flight — warpsync itself has no desired_requests
// notion (it only ever asks for the next fragment chain), so the composite
// owns this policy directly.
func (c *Composite) desiredWarpRequests() []DesiredRequest {
	if c.warp.IsFinished() {
		return nil
	}
	var out []DesiredRequest
	for ext, sm := range c.sources {
		if sm.kind != mappingWarp {
			continue
		}
		if c.SourceNumOngoingRequests(ext) > 0 {
			continue
		}
		out = append(out, DesiredRequest{
			Source: ext,
			Detail: GrandpaWarpSyncRequest{StartBlockHash: c.currentChainInfo.FinalizedBlockHash},
		})
	}
	return out
}

// AddRequest submits a caller-issued request against source, routed per
// spec §4.3's table: a detail shape the active strategy absorbs is handed
// to it; anything else sits Inline and resolves to Outdated the moment its
// response arrives.
func (c *Composite) AddRequest(source uint64, userData interface{}, detail RequestDetail) uint64 {
	sm, ok := c.sources[source]
	if !ok {
		panic("syncer: add_request against unknown source")
	}

	id := c.nextRequestID
	c.nextRequestID++

	kind, local, absorbed := c.absorb(sm, detail)
	if !absorbed {
		c.requests[id] = &requestMapping{kind: mappingInline, source: source, detail: detail, userData: userData}
		return id
	}
	c.requests[id] = &requestMapping{kind: kind, localID: local, source: source, detail: detail, userData: userData}
	c.reqByLocal[kind][local] = id
	return id
}

func (c *Composite) absorb(sm *sourceMapping, detail RequestDetail) (kind mappingKind, local int, ok bool) {
	switch c.kind {
	case activeWarp:
		if sm.kind != mappingWarp {
			return 0, 0, false
		}
		switch d := detail.(type) {
		case GrandpaWarpSyncRequest:
			id := c.warp.AddRequest(warpsync.SourceID(sm.localID), nil, warpsync.WarpSyncFragmentsDetail{StartBlockHash: d.StartBlockHash})
			return mappingWarp, int(id), true
		case StorageGetRequest:
			id := c.warp.AddRequest(warpsync.SourceID(sm.localID), nil, warpsync.StorageGetDetail{Keys: d.Keys})
			return mappingWarp, int(id), true
		case RuntimeCallMerkleProofRequest:
			id := c.warp.AddRequest(warpsync.SourceID(sm.localID), nil, warpsync.RuntimeCallMerkleProofDetail{Function: d.Function, Parameter: d.Parameter})
			return mappingWarp, int(id), true
		}
	case activeOptimistic:
		if sm.kind != mappingOptimistic {
			return 0, 0, false
		}
		if d, isAsc := detail.(BlocksRequestAsc); isAsc {
			id := c.optimistic.InsertRequest(optimisticsync.SourceID(sm.localID), optimisticsync.RequestDetail{StartHeight: d.FirstHeight, NumBlocks: d.NumBlocks})
			return mappingOptimistic, int(id), true
		}
	case activeAllForks:
		if sm.kind != mappingAllForks {
			return 0, 0, false
		}
		if d, isDesc := detail.(BlocksRequestDesc); isDesc {
			var hash verify.Hash
			if d.FirstBlockHash != nil {
				hash = *d.FirstBlockHash
			}
			id := c.allForks.InsertRequest(allforks.SourceID(sm.localID), hash, d.NumBlocks)
			return mappingAllForks, int(id), true
		}
	}
	return 0, 0, false
}

// ObsoleteRequests drains and returns requests that were absorbed by a
// strategy that has since reset (e.g. optimistic sync's reset-to-finalized)
// and should no longer be waited on.
func (c *Composite) ObsoleteRequests() []uint64 {
	out := c.obsolete
	c.obsolete = nil
	return out
}
