package optimisticsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josepot/smoldot/syncer/verify"
)

func newTestOptimistic() *Optimistic {
	return New(Config{
		ChainInformation:    verify.ChainInformation{FinalizedBlockNumber: 10},
		SourcesCapacity:     4,
		RequestsCapacity:    4,
		DownloadAheadBlocks: 8,
		MaxRequestsPerBlock: 4,
	})
}

func TestDesiredRequestsProposesRangeFromFinalized(t *testing.T) {
	o := newTestOptimistic()
	src := o.AddSource("peer")

	reqs := o.DesiredRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, src, reqs[0].Source)
	assert.Equal(t, uint64(11), reqs[0].Detail.StartHeight)
	assert.Equal(t, uint32(4), reqs[0].Detail.NumBlocks)
}

func TestBanOfOnlySourceIsClearedImmediately(t *testing.T) {
	o := newTestOptimistic()
	src := o.AddSource("peer")
	reqID := o.InsertRequest(src, RequestDetail{StartHeight: 11, NumBlocks: 1})

	banned, cleared, err := o.FinishRequestFailed(reqID)
	require.NoError(t, err)
	assert.Equal(t, src, banned)
	assert.True(t, cleared, "the only source gets banned and immediately unbanned since it would leave none usable")

	reqs := o.DesiredRequests()
	assert.NotEmpty(t, reqs, "ban is cleared because it was the only source")
}

func TestBlockVerificationAdvancesHeightAndSurfacesJustification(t *testing.T) {
	o := newTestOptimistic()
	src := o.AddSource("peer")
	reqID := o.InsertRequest(src, RequestDetail{StartHeight: 11, NumBlocks: 1})

	justification := verify.Justification{EngineID: [4]byte{'F', 'R', 'N', 'K'}, Body: []byte("proof")}
	err := o.FinishRequestSuccess(reqID, []DownloadedBlock{
		{Header: []byte("h11"), Justifications: []verify.Justification{justification}},
	})
	require.NoError(t, err)

	out := o.ProcessOne()
	require.Equal(t, ProcessVerifyBlock, out.Kind)
	assert.Equal(t, []byte("h11"), out.Header)

	j := o.BlockVerified()
	require.NotNil(t, j)
	assert.Equal(t, justification, *j)
	assert.Equal(t, uint64(11), o.verifiedHeight)

	assert.Equal(t, ProcessVerifyJustification, o.ProcessOne().Kind)
}

func TestBlockRejectedResetsToFinalizedAndClearsRequests(t *testing.T) {
	o := newTestOptimistic()
	src := o.AddSource("peer")
	reqID := o.InsertRequest(src, RequestDetail{StartHeight: 11, NumBlocks: 2})
	require.NoError(t, o.FinishRequestSuccess(reqID, []DownloadedBlock{
		{Header: []byte("h11")},
		{Header: []byte("h12")},
	}))
	stillInFlight := o.InsertRequest(src, RequestDetail{StartHeight: 13, NumBlocks: 1})
	require.True(t, o.requests.Contains(int(stillInFlight)))

	reset := o.BlockRejected(verify.ResetCauseHeaderError)
	assert.Equal(t, verify.ResetCauseHeaderError, reset.Cause)
	assert.Equal(t, uint64(10), reset.ResetToHeight)
	assert.Equal(t, ProcessIdle, o.ProcessOne().Kind)
	assert.Equal(t, 0, o.requests.Len())
}

func TestDisassembleReturnsRemainingState(t *testing.T) {
	o := newTestOptimistic()
	src := o.AddSource("peer")
	reqID := o.InsertRequest(src, RequestDetail{StartHeight: 11, NumBlocks: 1})

	sources, requests := o.Disassemble()
	assert.Equal(t, map[SourceID]interface{}{src: "peer"}, sources)
	assert.Equal(t, map[RequestID]RequestDetail{reqID: {StartHeight: 11, NumBlocks: 1}}, requests)
}
