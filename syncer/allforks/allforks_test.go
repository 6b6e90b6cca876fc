package allforks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josepot/smoldot/syncer/verify"
)

func newTestAllForks() *AllForks {
	return New(Config{
		ChainInformation:   verify.ChainInformation{FinalizedBlockNumber: 100, FinalizedBlockHash: verify.Hash{0xaa}},
		SourcesCapacity:    4,
		BlocksCapacity:     16,
		MaxDisjointHeaders: 4,
	})
}

func TestBlockAnnounceTooOld(t *testing.T) {
	a := newTestAllForks()
	src := a.AddSource("peer")
	out := a.BlockAnnounce(src, verify.DecodedHeader{Number: 50}, nil, false)
	assert.Equal(t, AnnounceTooOld, out)
}

func TestBlockAnnounceUnknownThenKnown(t *testing.T) {
	a := newTestAllForks()
	src := a.AddSource("peer")
	h := verify.DecodedHeader{Number: 105, Hash: verify.Hash{0x01}, ParentHash: verify.Hash{0xaa}}

	out := a.BlockAnnounce(src, h, []byte("header"), true)
	assert.Equal(t, AnnounceUnknown, out)

	out2 := a.BlockAnnounce(src, h, []byte("header"), true)
	assert.Equal(t, AnnounceKnown, out2)
}

func TestDesiredRequestsProposeForDisjointBlock(t *testing.T) {
	a := newTestAllForks()
	src := a.AddSource("peer")
	h := verify.DecodedHeader{Number: 105, Hash: verify.Hash{0x01}, ParentHash: verify.Hash{0xaa}}
	a.BlockAnnounce(src, h, []byte("header"), true)

	reqs := a.DesiredRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, src, reqs[0].Source)
	assert.Equal(t, h.Hash, reqs[0].FirstBlockHash)
}

func TestFinishAncestrySearchConnectsChain(t *testing.T) {
	a := newTestAllForks()
	src := a.AddSource("peer")
	tip := verify.DecodedHeader{Number: 103, Hash: verify.Hash{0x03}, ParentHash: verify.Hash{0x02}}
	a.BlockAnnounce(src, tip, []byte("h103"), true)

	reqID := a.InsertRequest(src, tip.Hash, 8)

	blocks := []AncestrySearchResponseBlock{
		{Header: []byte("h103"), Decoded: tip},
		{Header: []byte("h102"), Decoded: verify.DecodedHeader{Number: 102, Hash: verify.Hash{0x02}, ParentHash: verify.Hash{0x01}}},
		{Header: []byte("h101"), Decoded: verify.DecodedHeader{Number: 101, Hash: verify.Hash{0x01}, ParentHash: verify.Hash{0xaa}}},
	}
	result, err := a.FinishAncestrySearch(reqID, blocks)
	require.NoError(t, err)
	assert.False(t, result.AllAlreadyInChain)
	assert.Empty(t, result.DiscardedUnverifiedBlocks)
	assert.Equal(t, []FinishOutcomeKind{BlockAlreadyPending, BlockQueued, BlockQueued}, result.Outcomes,
		"the tip was already a disjoint placeholder from the earlier announce, so it replaces user data rather than re-queuing")

	out := a.ProcessOne()
	require.Equal(t, ProcessBlockVerify, out.Kind)
	assert.Equal(t, uint64(101), out.BlockKey.Height, "lowest connected height verifies first")
}

func TestFinishAncestrySearchAllAlreadyInChain(t *testing.T) {
	a := newTestAllForks()
	src := a.AddSource("peer")
	tip := verify.DecodedHeader{Number: 101, Hash: verify.Hash{0x01}, ParentHash: verify.Hash{0xaa}}
	a.BlockAnnounce(src, tip, []byte("h101"), true)
	a.BlockVerified(BlockKey{Height: 101, Hash: verify.Hash{0x01}})

	reqID := a.InsertRequest(src, tip.Hash, 1)
	result, err := a.FinishAncestrySearch(reqID, []AncestrySearchResponseBlock{{Header: []byte("h101"), Decoded: tip}})
	require.NoError(t, err)
	assert.True(t, result.AllAlreadyInChain)
}

func TestGrandpaCommitMessageParseError(t *testing.T) {
	a := newTestAllForks()
	assert.Equal(t, CommitParseError, a.GrandpaCommitMessage(nil))
	assert.Equal(t, CommitQueued, a.GrandpaCommitMessage([]byte{0x01}))
}
