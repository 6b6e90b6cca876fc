package syncer

import "github.com/josepot/smoldot/syncer/verify"

// Config constructs a Composite, per spec §6's C3 configuration shape.
type Config struct {
	ChainInformation             verify.ChainInformation
	BlockNumberBytes              uint8
	AllowUnknownConsensusEngines bool
	SourcesCapacity              int
	BlocksCapacity               int
	MaxDisjointHeaders           uint32
	MaxRequestsPerBlock          uint32 // NonZero per spec
	DownloadAheadBlocks          uint32 // NonZero per spec
	FullMode                     bool

	HeaderDecoder         verify.HeaderDecoder
	HeaderVerifier        verify.HeaderVerifier
	JustificationVerifier verify.JustificationVerifier
	FragmentVerifier      verify.WarpSyncFragmentVerifier
	RuntimeBuilder        verify.RuntimeBuilder
}
