package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetCauseString(t *testing.T) {
	assert.Equal(t, "non_canonical", ResetCauseNonCanonical.String())
	assert.Equal(t, "unknown", ResetCause(99).String())
}

func TestHeaderVerifyErrorFormatsReason(t *testing.T) {
	err := &HeaderVerifyError{Reason: "bad seal"}
	assert.Equal(t, "header verify: bad seal", err.Error())
}

func TestHashStringIsShortHex(t *testing.T) {
	h := Hash{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", h.String())
}
